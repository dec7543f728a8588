package bevy

import (
	"github.com/hitzhangjie/ecsdump/pkg/memory"
	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

// vtable offsets of the fixture module
const (
	vtUpdate        = 0x10000
	vtMultiThreaded = 0x10100
	vtOnEnter       = 0x10200
	vtFunction      = 0x20000
	vtExclusive     = 0x20100
	vtTypeSet       = 0x30000
	vtAnonymousSet  = 0x30100
)

type fakeModule uint64

func (m fakeModule) Offset(addr uint64) (symbol.Offset, bool) {
	if addr < uint64(m) || addr >= uint64(m)+0x1000000 {
		return 0, false
	}
	return symbol.Offset(addr - uint64(m)), true
}

func (m fakeModule) vt(off uint64) uint64 { return uint64(m) + off }

func testLayout() *Layout {
	l := DefaultLayout()
	l.Types = map[symbol.Offset]string{
		vtUpdate:        "Update",
		vtMultiThreaded: "MultiThreaded",
		vtOnEnter:       "OnEnter<GameState>",
		vtTypeSet:       "SystemTypeSet<fn()>",
		vtAnonymousSet:  "AnonymousSet(3)",
	}
	l.ExclusiveVtables = []symbol.Offset{vtExclusive}
	l.AnonymousSetVtables = []symbol.Offset{vtAnonymousSet}
	l.System.Overrides = map[symbol.Offset]MetaLayout{
		vtExclusive: {Offset: 0x40, Name: 0x0, IsSend: 0xe8, HasDeferred: 0xe9},
	}
	return l
}

// builder lays out Bevy structures in an Image according to a Layout.
type builder struct {
	img *memory.Image
	l   *Layout
	mod fakeModule
}

func newBuilder(base uint64) *builder {
	return &builder{img: memory.NewImage(0x7f0000000000), l: testLayout(), mod: fakeModule(base)}
}

func (b *builder) vec(at, ptr, n uint64) {
	b.img.PutU64(at+b.l.Vec.Ptr, ptr)
	b.img.PutU64(at+b.l.Vec.Len, n)
}

func (b *builder) boxed(at, ptr, n uint64) {
	b.img.PutU64(at+b.l.Boxed.Ptr, ptr)
	b.img.PutU64(at+b.l.Boxed.Len, n)
}

func (b *builder) str(at uint64, s string) {
	ptr := b.img.AllocBytes([]byte(s))
	b.img.PutU64(at+b.l.Str.Ptr, ptr)
	b.img.PutU64(at+b.l.Str.Len, uint64(len(s)))
}

func (b *builder) dyn(at, data, vtable uint64) {
	b.img.PutU64(at+b.l.Dyn.Data, data)
	b.img.PutU64(at+b.l.Dyn.Vtable, vtable)
}

// vtable maps the header of the vtable at off: drop_in_place, size, align.
func (b *builder) vtable(off, size uint64) {
	at := b.mod.vt(off)
	b.img.Map(at, make([]byte, 24))
	b.img.PutU64(at+b.l.Dyn.VtableSize, size)
	b.img.PutU64(at+b.l.Dyn.VtableSize+8, 1)
}

// label replaces the label of schedule s with a value of the type behind vt.
func (b *builder) label(s, vt uint64, data []byte) {
	b.dyn(s+b.l.Schedule.Label, b.img.AllocBytes(data), b.mod.vt(vt))
}

// array allocates n elements of stride bytes.
func (b *builder) array(n int, stride uint64) uint64 {
	return b.img.Alloc(n * int(stride))
}

type fixtureComponent struct {
	name string
	size uint64
}

type fixtureResource struct {
	component uint64
	slot      uint64
	data      []byte // nil: not present
}

type fixtureArchetype struct {
	id         uint32
	entities   int
	flags      uint32
	components []fixtureArchComponent
}

type fixtureArchComponent struct {
	component uint64
	sparse    bool
	slot      uint64
}

func (b *builder) world(id uint64, comps []fixtureComponent, res, nonSend []fixtureResource, archs []fixtureArchetype) uint64 {
	l := b.l
	w := b.img.Alloc(0x300)
	b.img.PutU64(w+l.World.ID, id)

	infos := b.array(len(comps), l.Component.Stride)
	for i, c := range comps {
		at := infos + uint64(i)*l.Component.Stride
		b.str(at+l.Component.Name, c.name)
		b.img.PutU64(at+l.Component.Size, c.size)
	}
	b.vec(w+l.World.Components, infos, uint64(len(comps)))

	b.resources(w+l.World.Resources, res)
	b.resources(w+l.World.NonSendResources, nonSend)

	list := b.array(len(archs), l.Archetype.Stride)
	for i, a := range archs {
		at := list + uint64(i)*l.Archetype.Stride
		b.img.PutU32(at+l.Archetype.ID, a.id)
		b.img.PutU32(at+l.Archetype.Flags, a.flags)
		b.vec(at+l.Archetype.Entities, b.array(a.entities, 8), uint64(a.entities))

		dense := b.array(len(a.components), l.Archetype.ComponentStride)
		indices := b.array(len(a.components), 8)
		for j, c := range a.components {
			info := dense + uint64(j)*l.Archetype.ComponentStride
			if c.sparse {
				b.img.PutU8(info+l.Archetype.StorageType, 1)
			}
			b.img.PutU64(info+l.Archetype.Slot, c.slot)
			b.img.PutU64(indices+uint64(j)*8, c.component)
		}
		b.boxed(at+l.Archetype.ComponentsDense, dense, uint64(len(a.components)))
		b.boxed(at+l.Archetype.ComponentsIndices, indices, uint64(len(a.components)))
	}
	b.vec(w+l.World.Archetypes, list, uint64(len(archs)))
	return w
}

func (b *builder) resources(set uint64, res []fixtureResource) {
	l := b.l.Resource
	dense := b.array(len(res), l.Stride)
	indices := b.array(len(res), 8)
	for i, r := range res {
		at := dense + uint64(i)*l.Stride
		b.img.PutU64(indices+uint64(i)*8, r.component)
		b.img.PutU64(at+l.Slot, r.slot)
		if r.data != nil {
			b.img.PutU64(at+l.Data+l.BlobData, b.img.AllocBytes(r.data))
			b.img.PutU64(at+l.Data+l.BlobLen, 1)
		}
	}
	b.vec(set+l.Dense, dense, uint64(len(res)))
	b.vec(set+l.Indices, indices, uint64(len(res)))
}

type fixtureSystem struct {
	name      string
	exclusive bool
	send      bool
	deferred  bool
	rw        []uint32 // reads_and_writes bits
	writes    []uint32
}

// system allocates a system object and returns its fat pointer parts.
func (b *builder) system(s fixtureSystem) (data, vtable uint64) {
	vt := b.mod.vt(vtFunction)
	meta := b.l.System.Meta
	if s.exclusive {
		vt = b.mod.vt(vtExclusive)
		meta = b.l.System.Overrides[vtExclusive]
	}
	obj := b.img.Alloc(0x200)
	m := obj + meta.Offset
	b.str(m+meta.Name, s.name)
	if s.send {
		b.img.PutU8(m+meta.IsSend, 1)
	}
	if s.deferred {
		b.img.PutU8(m+meta.HasDeferred, 1)
	}
	if meta.Access != nil {
		acc := m + meta.Access.Offset
		b.bitset(acc+meta.Access.ReadsAndWrites, s.rw)
		b.bitset(acc+meta.Access.Writes, s.writes)
	}
	return obj, vt
}

func (b *builder) bitset(at uint64, bits []uint32) {
	var blocks []uint32
	for _, bit := range bits {
		for int(bit/32) >= len(blocks) {
			blocks = append(blocks, 0)
		}
		blocks[bit/32] |= 1 << (bit % 32)
	}
	ptr := b.array(len(blocks), 4)
	for i, v := range blocks {
		b.img.PutU32(ptr+uint64(i)*4, v)
	}
	b.vec(at+b.l.Bitset.Blocks, ptr, uint64(len(blocks)))
}

type fixtureNode struct {
	set   bool
	index uint64
}

type fixtureGraphSystem struct {
	sys   *fixtureSystem // nil: removed node
	conds []string
}

type fixtureSet struct {
	anonymous bool
	conds     []string
}

func (b *builder) schedule(systems []fixtureGraphSystem, sets []fixtureSet, order []fixtureNode, executable []fixtureSystem) uint64 {
	l := b.l.Schedule
	s := b.img.Alloc(0x400)
	b.dyn(s+l.Label, b.img.Alloc(8), b.mod.vt(vtUpdate))
	b.dyn(s+l.Executor, b.img.Alloc(8), b.mod.vt(vtMultiThreaded))
	g := s + l.Graph

	nodes := b.array(len(systems), l.SystemNodeStride)
	conds := b.array(len(systems), b.l.Vec.Size)
	for i, gs := range systems {
		if gs.sys != nil {
			data, vt := b.system(*gs.sys)
			b.dyn(nodes+uint64(i)*l.SystemNodeStride, data, vt)
		}
		b.conditions(conds+uint64(i)*b.l.Vec.Size, gs.conds)
	}
	b.vec(g+l.Systems, nodes, uint64(len(systems)))
	b.vec(g+l.SystemConditions, conds, uint64(len(systems)))

	setNodes := b.array(len(sets), l.SetNodeStride)
	setConds := b.array(len(sets), b.l.Vec.Size)
	for i, st := range sets {
		vt := b.mod.vt(vtTypeSet)
		if st.anonymous {
			vt = b.mod.vt(vtAnonymousSet)
		}
		b.dyn(setNodes+uint64(i)*l.SetNodeStride, b.img.Alloc(8), vt)
		b.conditions(setConds+uint64(i)*b.l.Vec.Size, st.conds)
	}
	b.vec(g+l.Sets, setNodes, uint64(len(sets)))
	b.vec(g+l.SetConditions, setConds, uint64(len(sets)))

	topo := b.array(len(order), l.NodeStride)
	for i, n := range order {
		at := topo + uint64(i)*l.NodeStride
		tag := l.TagSystem
		if n.set {
			tag = l.TagSet
		}
		b.img.PutU64(at+l.NodeTag, tag)
		b.img.PutU64(at+l.NodeIndex, n.index)
	}
	b.vec(g+l.Topsort, topo, uint64(len(order)))

	exe := b.array(len(executable), b.l.Dyn.Size)
	for i, sys := range executable {
		data, vt := b.system(sys)
		b.dyn(exe+uint64(i)*b.l.Dyn.Size, data, vt)
	}
	b.vec(s+l.Executable+l.ExecutableSystems, exe, uint64(len(executable)))
	return s
}

func (b *builder) conditions(at uint64, names []string) {
	list := b.array(len(names), b.l.Dyn.Size)
	for i, n := range names {
		data, vt := b.system(fixtureSystem{name: n, send: true})
		b.dyn(list+uint64(i)*b.l.Dyn.Size, data, vt)
	}
	b.vec(at, list, uint64(len(names)))
}
