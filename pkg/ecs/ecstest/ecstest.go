// Package ecstest provides in-memory worlds and schedules for tests.
package ecstest

import (
	"github.com/hitzhangjie/ecsdump/pkg/ecs"
	"github.com/hitzhangjie/ecsdump/pkg/memory"
)

// Components is a static component table.
type Components map[ecs.ComponentID]ecs.ComponentInfo

func (c Components) Info(id ecs.ComponentID) (ecs.ComponentInfo, error) {
	info, ok := c[id]
	if !ok {
		return ecs.ComponentInfo{}, ecs.ErrUnknownComponent
	}
	return info, nil
}

// World is a static ecs.World. Resource bytes live in Mem.
type World struct {
	WorldID  ecs.WorldID
	Infos    Components
	Res      []ecs.Resource
	NonSend  []ecs.Resource
	Arch     []ecs.Archetype
	Mem      *memory.Image
	ArchErr  error // returned by Archetypes
	nextSlot ecs.SlotID
}

// NewWorld returns an empty world.
func NewWorld(id ecs.WorldID) *World {
	return &World{
		WorldID:  id,
		Infos:    Components{},
		Mem:      memory.NewImage(0x10000),
		nextSlot: 1,
	}
}

// Component registers component metadata and returns its id.
func (w *World) Component(name string, size uint64) ecs.ComponentID {
	id := ecs.ComponentID(len(w.Infos))
	w.Infos[id] = ecs.ComponentInfo{ID: id, Name: name, Size: size}
	return id
}

func (w *World) slot() ecs.SlotID {
	s := w.nextSlot
	w.nextSlot++
	return s
}

// AddResource inserts a resource whose value is data and returns its slot.
func (w *World) AddResource(name string, data []byte) ecs.SlotID {
	id := w.Component(name, uint64(len(data)))
	r := ecs.Resource{Component: id, Slot: w.slot(), Ptr: w.Mem.AllocBytes(data)}
	w.Res = append(w.Res, r)
	return r.Slot
}

// AddNonSendResource inserts a thread-affine resource and returns its slot.
func (w *World) AddNonSendResource(name string, data []byte) ecs.SlotID {
	id := w.Component(name, uint64(len(data)))
	r := ecs.Resource{Component: id, Slot: w.slot(), Ptr: w.Mem.AllocBytes(data)}
	w.NonSend = append(w.NonSend, r)
	return r.Slot
}

// AddArchetype appends an archetype holding the given components, assigning
// a fresh slot to each. It returns the slots in component order.
func (w *World) AddArchetype(entities int, hooks ecs.HookFlags, comps ...ecs.ArchetypeComponent) []ecs.SlotID {
	a := ecs.Archetype{ID: ecs.ArchetypeID(len(w.Arch)), Entities: entities, Hooks: hooks}
	slots := make([]ecs.SlotID, 0, len(comps))
	for _, c := range comps {
		c.Slot = w.slot()
		a.Components = append(a.Components, c)
		slots = append(slots, c.Slot)
	}
	w.Arch = append(w.Arch, a)
	return slots
}

func (w *World) ID() ecs.WorldID                           { return w.WorldID }
func (w *World) Components() ecs.Components                { return w.Infos }
func (w *World) Resources() ([]ecs.Resource, error)        { return w.Res, nil }
func (w *World) NonSendResources() ([]ecs.Resource, error) { return w.NonSend, nil }
func (w *World) Memory() memory.Accessor                   { return w.Mem }

func (w *World) Archetypes() ([]ecs.Archetype, error) {
	if w.ArchErr != nil {
		return nil, w.ArchErr
	}
	return w.Arch, nil
}

// Schedule is a static ecs.Schedule.
type Schedule struct {
	Name     string
	Executor string
	G        ecs.Graph
	Systems  []ecs.System
}

// NewSchedule returns an empty schedule with the given label.
func NewSchedule(label string) *Schedule {
	return &Schedule{
		Name:     label,
		Executor: "SingleThreaded",
		G:        ecs.Graph{Systems: map[int]ecs.GraphSystem{}, Sets: map[int]ecs.SystemSet{}},
	}
}

// AddSystem adds a system to both the graph (appended to the topological
// order) and the executable list.
func (s *Schedule) AddSystem(sys ecs.System, conds ...string) int {
	id := len(s.G.Systems)
	s.G.Systems[id] = ecs.GraphSystem{Name: sys.Name, Conditions: conditions(conds)}
	s.G.Order = append(s.G.Order, ecs.NodeID{Kind: ecs.SystemNode, Index: id})
	s.Systems = append(s.Systems, sys)
	return id
}

// AddSet adds a system set to the graph.
func (s *Schedule) AddSet(debug string, anonymous bool, conds ...string) int {
	id := len(s.G.Sets)
	s.G.Sets[id] = ecs.SystemSet{Anonymous: anonymous, Debug: debug, Conditions: conditions(conds)}
	s.G.Order = append(s.G.Order, ecs.NodeID{Kind: ecs.SetNode, Index: id})
	return id
}

func conditions(names []string) []ecs.Condition {
	var out []ecs.Condition
	for _, n := range names {
		out = append(out, ecs.Condition{Name: n})
	}
	return out
}

func (s *Schedule) Label() string                     { return s.Name }
func (s *Schedule) ExecutorKind() (string, error)     { return s.Executor, nil }
func (s *Schedule) Graph() (*ecs.Graph, error)        { return &s.G, nil }
func (s *Schedule) Executable() ([]ecs.System, error) { return s.Systems, nil }
