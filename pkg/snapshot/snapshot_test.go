package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/ecsdump/pkg/ecs"
	"github.com/hitzhangjie/ecsdump/pkg/ecs/ecstest"
)

var clockBytes = []byte{0x10, 0x27, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

func sample() (*ecstest.World, *ecstest.Schedule) {
	w := ecstest.NewWorld(7)
	clock := w.AddResource("game::Clock", clockBytes)
	w.AddResource("game::Score", []byte{0x2a, 0, 0, 0})
	window := w.AddNonSendResource("winit::Window", []byte{1})
	pos := w.Component("game::Position", 12)
	marker := w.Component("game::Marker", 0)

	w.AddArchetype(0, ecs.HookFlags{})
	slots := w.AddArchetype(2, ecs.HookFlags{AddHook: true, RemoveObserver: true},
		ecs.ArchetypeComponent{Component: pos},
		ecs.ArchetypeComponent{Component: marker, Storage: ecs.SparseSet},
		ecs.ArchetypeComponent{Component: 99})

	s := ecstest.NewSchedule("Update")
	s.AddSet("PhysicsSet", false, "in_game")
	s.AddSystem(ecs.System{
		Name:   "game::movement",
		Access: &ecs.Access{Reads: []ecs.SlotID{clock}, Writes: []ecs.SlotID{slots[0], 999}},
	}, "not_paused")
	s.AddSet("AnonymousSet(1)", true)
	s.AddSystem(ecs.System{
		Name:         "game::render",
		Exclusive:    true,
		ThreadAffine: true,
		Deferred:     true,
		Access:       &ecs.Access{Reads: []ecs.SlotID{window, slots[1]}},
	})
	return w, s
}

func read(t *testing.T, fs afero.Fs, dir, pass string) string {
	b, err := afero.ReadFile(fs, filepath.Join(dir, pass+".txt"))
	require.NoError(t, err)
	return string(b)
}

func TestSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, s := sample()

	dir, err := New(fs, nil).Snapshot(w, s, s.Label(), "dump/2024-05-01-10-00-00")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("dump/2024-05-01-10-00-00", "7", "Update"), dir)

	assert.Equal(t,
		"game::Clock (8)\n"+hex.Dump(clockBytes)+"\n\n"+
			"game::Score (4)\n"+hex.Dump([]byte{0x2a, 0, 0, 0})+"\n\n",
		read(t, fs, dir, PassResources))

	assert.Equal(t, strings.Join([]string{
		"Archetype: 0 (0 entities)",
		"  A I R",
		"H - - -",
		"O - - -",
		"",
		"Archetype: 1 (2 entities)",
		"  A I R",
		"H + - -",
		"O - - +",
		"T game::Position (12)",
		"S game::Marker (0)",
		"",
		"",
	}, "\n"), read(t, fs, dir, PassArchetypes))

	assert.Equal(t, strings.Join([]string{
		"Schedule: Update (SingleThreaded)",
		"0   PhysicsSet",
		"   in_game",
		"0 game::movement",
		"   not_paused",
		"1 A AnonymousSet(1)",
		"1 game::render",
		"",
	}, "\n"), read(t, fs, dir, PassSchedule))

	assert.Equal(t, strings.Join([]string{
		"game::movement   S  ",
		"R R game::Clock",
		"C W game::Position 1",
		"",
		"game::render E   D",
		"N R winit::Window",
		"C R game::Marker 1",
		"",
		"",
	}, "\n"), read(t, fs, dir, PassSystems))
}

func TestSnapshotRepeatAndDeterminism(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, s := sample()
	e := New(fs, nil)

	var dirs []string
	for i := 0; i < 3; i++ {
		dir, err := e.Snapshot(w, s, s.Label(), "out")
		require.NoError(t, err)
		dirs = append(dirs, dir)
	}
	assert.Equal(t, []string{
		filepath.Join("out", "7", "Update"),
		filepath.Join("out", "7", "Update-2"),
		filepath.Join("out", "7", "Update-3"),
	}, dirs)

	for _, pass := range []string{PassResources, PassArchetypes, PassSchedule, PassSystems} {
		assert.Equal(t, read(t, fs, dirs[0], pass), read(t, fs, dirs[2], pass), pass)
	}
}

func TestResourceBlocks(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := ecstest.NewWorld(1)
	for i := 0; i < 5; i++ {
		w.AddResource(fmt.Sprintf("R%d", i), make([]byte, 3+i*10))
	}
	dir, err := New(fs, nil).Snapshot(w, ecstest.NewSchedule("Startup"), "Startup", "out")
	require.NoError(t, err)

	out := read(t, fs, dir, PassResources)
	blocks := strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n\n")
	require.Len(t, blocks, 5)
	for i, b := range blocks {
		assert.True(t, strings.HasPrefix(b, fmt.Sprintf("R%d (%d)\n", i, 3+i*10)), b)
	}
}

func TestUnreadableResourceSkipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := ecstest.NewWorld(1)
	w.AddResource("Ok", []byte{1})
	w.Res = append(w.Res, ecs.Resource{Component: w.Component("Dangling", 4), Slot: 50, Ptr: 0x1})

	dir, err := New(fs, nil).Snapshot(w, ecstest.NewSchedule("Startup"), "Startup", "out")
	require.NoError(t, err)
	assert.Equal(t, "Ok (1)\n"+hex.Dump([]byte{1})+"\n\n", read(t, fs, dir, PassResources))
}

func TestSnapshotUsesGivenLabel(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, s := sample()

	dir, err := New(fs, nil).Snapshot(w, s, "OnEnter(01)", "out")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "7", "OnEnter(01)"), dir)
	assert.True(t, strings.HasPrefix(read(t, fs, dir, PassSchedule), "Schedule: OnEnter(01) ("))
}

type failFs struct {
	afero.Fs
	name string
}

func (f failFs) Create(name string) (afero.File, error) {
	if filepath.Base(name) == f.name {
		return nil, errors.New("disk full")
	}
	return f.Fs.Create(name)
}

func TestPassFailureIsolation(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := failFs{Fs: mem, name: "archetypes.txt"}
	w, s := sample()

	dir, err := New(fs, nil).Snapshot(w, s, s.Label(), "out")
	require.Error(t, err)

	var pe *PassError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, PassArchetypes, pe.Pass)

	for _, pass := range []string{PassResources, PassSchedule, PassSystems} {
		ok, err := afero.Exists(mem, filepath.Join(dir, pass+".txt"))
		require.NoError(t, err)
		assert.True(t, ok, pass)
	}
	ok, _ := afero.Exists(mem, filepath.Join(dir, "archetypes.txt"))
	assert.False(t, ok)
	assert.Contains(t, read(t, mem, dir, PassSystems), "C W game::Position 1")
}

func TestArchetypeListUnreadable(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, s := sample()
	w.ArchErr = &ecs.TraversalError{What: "archetypes", Addr: 0x10, Err: errors.New("bad read")}

	dir, err := New(fs, nil).Snapshot(w, s, s.Label(), "out")
	var pe *PassError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, PassArchetypes, pe.Pass)

	// 资源仍然可以解析，组件访问被跳过
	systems := read(t, fs, dir, PassSystems)
	assert.Contains(t, systems, "R R game::Clock")
	assert.NotContains(t, systems, "game::Position")
}

func TestDirName(t *testing.T) {
	assert.Equal(t, "Update", dirName("Update"))
	assert.Equal(t, "a_b", dirName("a/b"))
	assert.Equal(t, "_", dirName(".."))
	assert.Equal(t, "_", dirName(""))
}
