package bevy

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/hitzhangjie/ecsdump/pkg/ecs"
	"github.com/hitzhangjie/ecsdump/pkg/memory"
)

// World reads a bevy_ecs::world::World.
type World struct {
	r   *reader
	acc memory.Accessor
	ptr uint64
	id  ecs.WorldID

	components *components
}

var _ ecs.World = (*World)(nil)

func openWorld(r *reader, acc memory.Accessor, ptr uint64) (*World, error) {
	id, err := r.mem.U64(ptr + r.l.World.ID)
	if err != nil {
		return nil, traversal("world id", ptr, err)
	}
	w := &World{r: r, acc: acc, ptr: ptr, id: ecs.WorldID(id)}
	w.components = &components{r: r, addr: ptr + r.l.World.Components, cache: map[ecs.ComponentID]ecs.ComponentInfo{}}
	return w, nil
}

func (w *World) ID() ecs.WorldID            { return w.id }
func (w *World) Components() ecs.Components { return w.components }
func (w *World) Memory() memory.Accessor    { return w.acc }

// Resources lists the resources whose value is present.
func (w *World) Resources() ([]ecs.Resource, error) {
	return w.resources(w.ptr + w.r.l.World.Resources)
}

// NonSendResources lists the present thread-affine resources.
func (w *World) NonSendResources() ([]ecs.Resource, error) {
	return w.resources(w.ptr + w.r.l.World.NonSendResources)
}

func (w *World) resources(set uint64) ([]ecs.Resource, error) {
	l := w.r.l.Resource
	dense, err := w.r.vec(set + l.Dense)
	if err != nil {
		return nil, traversal("resource set", set, err)
	}
	indices, err := w.r.vec(set + l.Indices)
	if err != nil {
		return nil, traversal("resource indices", set, err)
	}
	if indices.len != dense.len {
		return nil, traversal("resource set", set, fmt.Errorf("%d indices for %d values", indices.len, dense.len))
	}

	var (
		out  []ecs.Resource
		errs *multierror.Error
	)
	for i := uint64(0); i < dense.len; i++ {
		data := dense.ptr + i*l.Stride
		res, present, err := w.resource(data, indices.ptr+i*8)
		if err != nil {
			errs = multierror.Append(errs, traversal("resource", data, err))
			continue
		}
		if present {
			out = append(out, res)
		}
	}
	return out, errs.ErrorOrNil()
}

func (w *World) resource(data, index uint64) (ecs.Resource, bool, error) {
	l := w.r.l.Resource
	cid, err := w.r.mem.U64(index)
	if err != nil {
		return ecs.Resource{}, false, err
	}
	n, err := w.r.mem.U64(data + l.Data + l.BlobLen)
	if err != nil {
		return ecs.Resource{}, false, err
	}
	if n == 0 {
		return ecs.Resource{}, false, nil
	}
	ptr, err := w.r.mem.Ptr(data + l.Data + l.BlobData)
	if err != nil {
		return ecs.Resource{}, false, err
	}
	slot, err := w.r.mem.U64(data + l.Slot)
	if err != nil {
		return ecs.Resource{}, false, err
	}
	return ecs.Resource{Component: ecs.ComponentID(cid), Slot: ecs.SlotID(slot), Ptr: ptr}, true, nil
}

// Archetypes lists every archetype in id order.
func (w *World) Archetypes() ([]ecs.Archetype, error) {
	l := w.r.l.Archetype
	list, err := w.r.vec(w.ptr + w.r.l.World.Archetypes)
	if err != nil {
		return nil, traversal("archetypes", w.ptr, err)
	}

	var (
		out  []ecs.Archetype
		errs *multierror.Error
	)
	for i := uint64(0); i < list.len; i++ {
		addr := list.ptr + i*l.Stride
		a, err := w.archetype(addr)
		if err != nil {
			errs = multierror.Append(errs, traversal("archetype", addr, err))
			continue
		}
		out = append(out, a)
	}
	return out, errs.ErrorOrNil()
}

func (w *World) archetype(addr uint64) (ecs.Archetype, error) {
	l := w.r.l.Archetype
	id, err := w.r.mem.U32(addr + l.ID)
	if err != nil {
		return ecs.Archetype{}, err
	}
	entities, err := w.r.vec(addr + l.Entities)
	if err != nil {
		return ecs.Archetype{}, err
	}
	flags, err := w.r.mem.U32(addr + l.Flags)
	if err != nil {
		return ecs.Archetype{}, err
	}
	bit := func(n uint) bool { return flags&(1<<n) != 0 }

	a := ecs.Archetype{
		ID:       ecs.ArchetypeID(id),
		Entities: int(entities.len),
		Hooks: ecs.HookFlags{
			AddHook:        bit(l.FlagBits.AddHook),
			InsertHook:     bit(l.FlagBits.InsertHook),
			RemoveHook:     bit(l.FlagBits.RemoveHook),
			AddObserver:    bit(l.FlagBits.AddObserver),
			InsertObserver: bit(l.FlagBits.InsertObserver),
			RemoveObserver: bit(l.FlagBits.RemoveObserver),
		},
	}

	dense, err := w.r.boxed(addr + l.ComponentsDense)
	if err != nil {
		return ecs.Archetype{}, err
	}
	indices, err := w.r.boxed(addr + l.ComponentsIndices)
	if err != nil {
		return ecs.Archetype{}, err
	}
	if indices.len != dense.len {
		return ecs.Archetype{}, fmt.Errorf("%d component ids for %d components", indices.len, dense.len)
	}
	for i := uint64(0); i < dense.len; i++ {
		info := dense.ptr + i*l.ComponentStride
		cid, err := w.r.mem.U64(indices.ptr + i*8)
		if err != nil {
			return ecs.Archetype{}, err
		}
		st, err := w.r.mem.U8(info + l.StorageType)
		if err != nil {
			return ecs.Archetype{}, err
		}
		slot, err := w.r.mem.U64(info + l.Slot)
		if err != nil {
			return ecs.Archetype{}, err
		}
		a.Components = append(a.Components, ecs.ArchetypeComponent{
			Component: ecs.ComponentID(cid),
			Slot:      ecs.SlotID(slot),
			Storage:   ecs.StorageType(st),
		})
	}
	return a, nil
}

// components reads Components.components lazily, one entry at a time.
type components struct {
	r     *reader
	addr  uint64
	cache map[ecs.ComponentID]ecs.ComponentInfo
}

func (c *components) Info(id ecs.ComponentID) (ecs.ComponentInfo, error) {
	if info, ok := c.cache[id]; ok {
		return info, nil
	}
	l := c.r.l.Component
	list, err := c.r.vec(c.addr)
	if err != nil {
		return ecs.ComponentInfo{}, traversal("components", c.addr, err)
	}
	if uint64(id) >= list.len {
		return ecs.ComponentInfo{}, fmt.Errorf("component %d of %d: %w", id, list.len, ecs.ErrUnknownComponent)
	}

	addr := list.ptr + uint64(id)*l.Stride
	name, err := c.r.str(addr + l.Name)
	if err != nil {
		return ecs.ComponentInfo{}, traversal("component name", addr, err)
	}
	size, err := c.r.mem.U64(addr + l.Size)
	if err != nil {
		return ecs.ComponentInfo{}, traversal("component size", addr, err)
	}
	info := ecs.ComponentInfo{ID: id, Name: name, Size: size}
	c.cache[id] = info
	return info, nil
}
