package gate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newGate(delay time.Duration) (*Gate, *clock) {
	c := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	return New(Config{Delay: delay}, WithClock(c.now)), c
}

func counter() (*atomic.Int64, DumpFunc) {
	n := atomic.NewInt64(0)
	return n, func() error {
		n.Inc()
		return nil
	}
}

func TestStartupAlwaysDumps(t *testing.T) {
	g, _ := newGate(time.Hour)
	n, dump := counter()

	for i := 0; i < 3; i++ {
		fired, err := g.Observe(1, "Startup", dump)
		require.NoError(t, err)
		assert.Equal(t, Startup, fired)
	}
	assert.Equal(t, int64(3), n.Load())

	fired, err := g.Observe(1, "Update", dump)
	require.NoError(t, err)
	assert.Equal(t, None, fired)
	assert.Equal(t, int64(3), n.Load())
}

func TestDelayedOnce(t *testing.T) {
	g, c := newGate(2 * time.Second)
	n, dump := counter()

	// 未Arm
	fired, _ := g.Observe(1, "Update", dump)
	assert.Equal(t, None, fired)

	g.Arm()
	c.advance(1999 * time.Millisecond)
	fired, _ = g.Observe(1, "Update", dump)
	assert.Equal(t, None, fired)

	c.advance(time.Millisecond)
	fired, err := g.Observe(1, "Update", dump)
	require.NoError(t, err)
	assert.Equal(t, Delayed, fired)
	assert.True(t, g.Dumped(1, "Update"))

	for i := 0; i < 5; i++ {
		fired, _ = g.Observe(1, "Update", dump)
		assert.Equal(t, None, fired)
	}

	// 其他label、重新创建的world各dump一次
	fired, _ = g.Observe(1, "PostUpdate", dump)
	assert.Equal(t, Delayed, fired)
	fired, _ = g.Observe(2, "Update", dump)
	assert.Equal(t, Delayed, fired)
	fired, _ = g.Observe(2, "Update", dump)
	assert.Equal(t, None, fired)

	assert.Equal(t, int64(3), n.Load())
}

func TestBothPoliciesIndependent(t *testing.T) {
	g, _ := newGate(0)
	g.Arm()
	n, dump := counter()

	fired, err := g.Observe(1, "PostStartup", dump)
	require.NoError(t, err)
	assert.Equal(t, Startup|Delayed, fired)
	assert.Equal(t, "startup+delayed", fired.String())
	assert.Equal(t, int64(2), n.Load())

	fired, _ = g.Observe(1, "PostStartup", dump)
	assert.Equal(t, Startup, fired)
	assert.Equal(t, int64(3), n.Load())
}

func TestFailedDumpRetried(t *testing.T) {
	g, _ := newGate(0)
	g.Arm()

	boom := errors.New("disk full")
	fired, err := g.Observe(1, "Update", func() error { return boom })
	assert.Equal(t, Delayed, fired)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, g.Dumped(1, "Update"))

	n, dump := counter()
	fired, err = g.Observe(1, "Update", dump)
	require.NoError(t, err)
	assert.Equal(t, Delayed, fired)
	assert.Equal(t, int64(1), n.Load())
	assert.True(t, g.Dumped(1, "Update"))
}

func TestCustomStartupLabels(t *testing.T) {
	g := New(Config{StartupLabels: []string{"Boot"}})
	n, dump := counter()
	fired, _ := g.Observe(1, "Startup", dump)
	assert.Equal(t, None, fired)
	fired, _ = g.Observe(1, "Boot", dump)
	assert.Equal(t, Startup, fired)
	assert.Equal(t, int64(1), n.Load())
}

func TestConcurrentObserveDumpsOnce(t *testing.T) {
	g, _ := newGate(0)
	g.Arm()

	release := make(chan struct{})
	n := atomic.NewInt64(0)
	dump := func() error {
		n.Inc()
		<-release
		return nil
	}

	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, _ = g.Observe(1, "Update", dump)
	}()
	<-started

	// 等待第一个dump开始，锁不会在dump期间持有
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 10; i++ {
		fired, err := g.Observe(1, "Update", dump)
		require.NoError(t, err)
		assert.Equal(t, None, fired)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), n.Load())
	assert.True(t, g.Dumped(1, "Update"))
}
