// Package gate decides which scheduler runs get dumped.
package gate

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/ecs"
)

// DefaultStartupLabels 启动阶段的调度，每次运行都会dump
var DefaultStartupLabels = []string{"PreStartup", "Startup", "PostStartup"}

// Config 触发策略配置
type Config struct {
	Delay         time.Duration // Arm之后多久开始dump
	StartupLabels []string      // 为nil时使用DefaultStartupLabels
}

// Trigger reports which policies fired for one observation.
type Trigger uint8

const (
	Startup Trigger = 1 << iota // label是启动调度
	Delayed                     // 延迟到期后(world, label)的第一次运行
)

// None means the call was not dumped. It is not an error.
const None Trigger = 0

func (t Trigger) String() string {
	switch t {
	case None:
		return "none"
	case Startup:
		return "startup"
	case Delayed:
		return "delayed"
	default:
		return "startup+delayed"
	}
}

// DumpFunc dumps the observed run.
type DumpFunc func() error

type key struct {
	world ecs.WorldID
	label string
}

// Gate holds the per-attach trigger state. It is safe for concurrent use; no
// lock is held while a DumpFunc runs.
type Gate struct {
	mu       sync.Mutex
	armed    bool
	armedAt  time.Time
	dumped   map[ecs.WorldID]map[string]struct{}
	inflight map[key]struct{}

	delay   time.Duration
	startup map[string]struct{}
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger used for dump failures.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New returns an unarmed Gate.
func New(cfg Config, opts ...Option) *Gate {
	labels := cfg.StartupLabels
	if labels == nil {
		labels = DefaultStartupLabels
	}
	g := &Gate{
		dumped:   map[ecs.WorldID]map[string]struct{}{},
		inflight: map[key]struct{}{},
		delay:    cfg.Delay,
		startup:  make(map[string]struct{}, len(labels)),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, l := range labels {
		g.startup[l] = struct{}{}
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Arm starts the delay. Before Arm only startup labels are dumped.
func (g *Gate) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.armedAt = g.now()
}

// ArmedAt returns when Arm was called.
func (g *Gate) ArmedAt() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armedAt, g.armed
}

// Observe evaluates both policies for one completed run of label in world and
// calls dump once per policy that fires. A failed delayed dump is not
// recorded, so the next run of the same (world, label) retries.
func (g *Gate) Observe(world ecs.WorldID, label string, dump DumpFunc) (Trigger, error) {
	var (
		fired Trigger
		errs  *multierror.Error
	)

	if _, ok := g.startup[label]; ok {
		fired |= Startup
		if err := dump(); err != nil {
			g.logger.Error("startup dump failed", zap.String("label", label), zap.Error(err))
			errs = multierror.Append(errs, err)
		}
	}

	k := key{world: world, label: label}
	if g.reserve(k) {
		fired |= Delayed
		err := dump()
		if err != nil {
			g.logger.Error("delayed dump failed", zap.String("label", label), zap.Error(err))
			errs = multierror.Append(errs, err)
		}
		g.finish(k, err == nil)
	}
	return fired, errs.ErrorOrNil()
}

func (g *Gate) reserve(k key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.armed || g.now().Sub(g.armedAt) < g.delay {
		return false
	}
	if _, ok := g.dumped[k.world][k.label]; ok {
		return false
	}
	if _, ok := g.inflight[k]; ok {
		return false
	}
	g.inflight[k] = struct{}{}
	return true
}

func (g *Gate) finish(k key, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inflight, k)
	if !ok {
		return
	}
	labels, exist := g.dumped[k.world]
	if !exist {
		labels = map[string]struct{}{}
		g.dumped[k.world] = labels
	}
	labels[k.label] = struct{}{}
}

// Dumped reports whether the delayed policy has recorded (world, label).
func (g *Gate) Dumped(world ecs.WorldID, label string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.dumped[world][label]
	return ok
}
