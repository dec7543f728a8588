package bevy

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/hitzhangjie/ecsdump/pkg/ecs"
	"github.com/hitzhangjie/ecsdump/pkg/memory"
)

// Schedule reads a bevy_ecs::schedule::Schedule.
type Schedule struct {
	r     *reader
	ptr   uint64
	label string
}

var _ ecs.Schedule = (*Schedule)(nil)

func openSchedule(r *reader, ptr uint64) (*Schedule, error) {
	label, err := r.dyn(ptr + r.l.Schedule.Label)
	if err != nil {
		return nil, traversal("schedule label", ptr, err)
	}
	return &Schedule{r: r, ptr: ptr, label: r.valueName(label, r.l.Schedule.LabelDataMax)}, nil
}

// Open returns handles for the World and Schedule pointers passed to
// Schedule::run. Only the ids needed for gating are read eagerly.
func Open(acc memory.Accessor, mod Module, l *Layout, schedulePtr, worldPtr uint64) (*World, *Schedule, error) {
	if l == nil {
		l = DefaultLayout()
	}
	r := &reader{mem: memory.NewReader(acc), mod: mod, l: l}
	w, err := openWorld(r, acc, worldPtr)
	if err != nil {
		return nil, nil, err
	}
	s, err := openSchedule(r, schedulePtr)
	if err != nil {
		return nil, nil, err
	}
	return w, s, nil
}

func (s *Schedule) Label() string { return s.label }

func (s *Schedule) ExecutorKind() (string, error) {
	f, err := s.r.dyn(s.ptr + s.r.l.Schedule.Executor)
	if err != nil {
		return "", traversal("executor", s.ptr, err)
	}
	return s.r.typeName(f), nil
}

// Graph reads the schedule graph and its cached topological order.
func (s *Schedule) Graph() (*ecs.Graph, error) {
	l := s.r.l.Schedule
	g := s.ptr + l.Graph

	order, err := s.topsort(g + l.Topsort)
	if err != nil {
		return nil, traversal("topsort", g, err)
	}
	graph := &ecs.Graph{
		Order:   order,
		Systems: map[int]ecs.GraphSystem{},
		Sets:    map[int]ecs.SystemSet{},
	}

	var errs *multierror.Error

	systems, err := s.r.vec(g + l.Systems)
	if err != nil {
		return nil, traversal("graph systems", g, err)
	}
	sysConds, err := s.r.vec(g + l.SystemConditions)
	if err != nil {
		return nil, traversal("system conditions", g, err)
	}
	for i := uint64(0); i < systems.len; i++ {
		addr := systems.ptr + i*l.SystemNodeStride
		f, err := s.r.dyn(addr)
		if err != nil {
			errs = multierror.Append(errs, traversal("system node", addr, err))
			continue
		}
		if f.data == 0 {
			// 系统已被移出图(Option::None)
			continue
		}
		name, err := s.r.systemName(f)
		if err != nil {
			errs = multierror.Append(errs, traversal("system name", addr, err))
			continue
		}
		conds, err := s.conditions(sysConds, i)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		graph.Systems[int(i)] = ecs.GraphSystem{Name: name, Conditions: conds}
	}

	sets, err := s.r.vec(g + l.Sets)
	if err != nil {
		return nil, traversal("graph sets", g, err)
	}
	setConds, err := s.r.vec(g + l.SetConditions)
	if err != nil {
		return nil, traversal("set conditions", g, err)
	}
	for i := uint64(0); i < sets.len; i++ {
		addr := sets.ptr + i*l.SetNodeStride
		f, err := s.r.dyn(addr)
		if err != nil {
			errs = multierror.Append(errs, traversal("set node", addr, err))
			continue
		}
		vt := s.r.vtableOffset(f.vtable)
		conds, err := s.conditions(setConds, i)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		graph.Sets[int(i)] = ecs.SystemSet{
			Anonymous:  contains(s.r.l.AnonymousSetVtables, vt),
			Debug:      s.r.typeName(f),
			Conditions: conds,
		}
	}
	return graph, errs.ErrorOrNil()
}

func (s *Schedule) topsort(addr uint64) ([]ecs.NodeID, error) {
	l := s.r.l.Schedule
	v, err := s.r.vec(addr)
	if err != nil {
		return nil, err
	}
	order := make([]ecs.NodeID, 0, v.len)
	for i := uint64(0); i < v.len; i++ {
		node := v.ptr + i*l.NodeStride
		tag, err := s.r.mem.U64(node + l.NodeTag)
		if err != nil {
			return nil, err
		}
		idx, err := s.r.mem.U64(node + l.NodeIndex)
		if err != nil {
			return nil, err
		}
		var kind ecs.NodeKind
		switch tag {
		case l.TagSystem:
			kind = ecs.SystemNode
		case l.TagSet:
			kind = ecs.SetNode
		default:
			return nil, fmt.Errorf("node %d: unknown tag %d", i, tag)
		}
		order = append(order, ecs.NodeID{Kind: kind, Index: int(idx)})
	}
	return order, nil
}

// conditions reads the i-th Vec<BoxedCondition> of a condition table.
func (s *Schedule) conditions(table vec, i uint64) ([]ecs.Condition, error) {
	if i >= table.len {
		return nil, nil
	}
	elem := table.ptr + i*s.r.l.Vec.Size
	list, err := s.r.vec(elem)
	if err != nil {
		return nil, traversal("conditions", elem, err)
	}
	var (
		out  []ecs.Condition
		errs *multierror.Error
	)
	for j := uint64(0); j < list.len; j++ {
		addr := list.ptr + j*s.r.l.Dyn.Size
		f, err := s.r.dyn(addr)
		if err != nil {
			errs = multierror.Append(errs, traversal("condition", addr, err))
			continue
		}
		name, err := s.r.systemName(f)
		if err != nil {
			errs = multierror.Append(errs, traversal("condition name", addr, err))
			continue
		}
		out = append(out, ecs.Condition{Name: name})
	}
	return out, errs.ErrorOrNil()
}

// Executable reads the compiled system list.
func (s *Schedule) Executable() ([]ecs.System, error) {
	l := s.r.l.Schedule
	base := s.ptr + l.Executable
	list, err := s.r.vec(base + l.ExecutableSystems)
	if err != nil {
		return nil, traversal("executable systems", base, err)
	}

	var (
		out  []ecs.System
		errs *multierror.Error
	)
	for i := uint64(0); i < list.len; i++ {
		addr := list.ptr + i*s.r.l.Dyn.Size
		f, err := s.r.dyn(addr)
		if err != nil {
			errs = multierror.Append(errs, traversal("system", addr, err))
			continue
		}
		sys, err := s.r.system(f)
		if err != nil {
			errs = multierror.Append(errs, traversal("system", f.data, err))
			continue
		}
		out = append(out, sys)
	}
	return out, errs.ErrorOrNil()
}

func (r *reader) systemName(f fat) (string, error) {
	m := r.l.meta(r.vtableOffset(f.vtable))
	return r.str(f.data + m.Offset + m.Name)
}

func (r *reader) system(f fat) (ecs.System, error) {
	vt := r.vtableOffset(f.vtable)
	m := r.l.meta(vt)
	meta := f.data + m.Offset

	name, err := r.str(meta + m.Name)
	if err != nil {
		return ecs.System{}, err
	}
	send, err := r.bool(meta + m.IsSend)
	if err != nil {
		return ecs.System{}, err
	}
	deferred, err := r.bool(meta + m.HasDeferred)
	if err != nil {
		return ecs.System{}, err
	}
	sys := ecs.System{
		Name:         name,
		Exclusive:    contains(r.l.ExclusiveVtables, vt),
		ThreadAffine: !send,
		Deferred:     deferred,
	}
	if m.Access == nil {
		return sys, nil
	}

	acc := meta + m.Access.Offset
	rw, err := r.bitset(acc + m.Access.ReadsAndWrites)
	if err != nil {
		return ecs.System{}, err
	}
	writes, err := r.bitset(acc + m.Access.Writes)
	if err != nil {
		return ecs.System{}, err
	}
	sys.Access = splitAccess(rw, writes)
	return sys, nil
}

// splitAccess: reads = reads_and_writes - writes
func splitAccess(rw, writes []uint64) *ecs.Access {
	w := make(map[uint64]struct{}, len(writes))
	a := &ecs.Access{}
	for _, b := range writes {
		w[b] = struct{}{}
		a.Writes = append(a.Writes, ecs.SlotID(b))
	}
	for _, b := range rw {
		if _, ok := w[b]; !ok {
			a.Reads = append(a.Reads, ecs.SlotID(b))
		}
	}
	return a
}
