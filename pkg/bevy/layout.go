// Package bevy reads ecs worlds and schedules straight out of a Bevy process.
//
// Rust gives no layout guarantees, so every offset walked comes from a Layout
// which is specific to one build of the target.
package bevy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

// VecLayout Vec<T>/String/Box<[T]>中指针和长度的偏移
type VecLayout struct {
	Size uint64 `yaml:"size"`
	Ptr  uint64 `yaml:"ptr"`
	Len  uint64 `yaml:"len"`
}

// DynLayout &dyn Trait/Box<dyn Trait>胖指针
type DynLayout struct {
	Size   uint64 `yaml:"size"`
	Data   uint64 `yaml:"data"`
	Vtable uint64 `yaml:"vtable"`
	// VtableSize vtable头部size_of_val所在位置: [drop_in_place, size, align, ...]
	VtableSize uint64 `yaml:"vtable_size"`
}

type WorldLayout struct {
	ID               uint64 `yaml:"id"`
	Components       uint64 `yaml:"components"`         // Components.components: Vec<ComponentInfo>
	Archetypes       uint64 `yaml:"archetypes"`         // Archetypes.archetypes: Vec<Archetype>
	Resources        uint64 `yaml:"resources"`          // Storages.resources: SparseSet<ComponentId, ResourceData>
	NonSendResources uint64 `yaml:"non_send_resources"` // Storages.non_send_resources
}

type ComponentLayout struct {
	Stride uint64 `yaml:"stride"`
	Name   uint64 `yaml:"name"` // descriptor.name: Cow<'static, str>
	Size   uint64 `yaml:"size"` // descriptor.layout.size
}

// FlagBits ArchetypeFlags中各标志位的位置
type FlagBits struct {
	AddHook        uint `yaml:"add_hook"`
	InsertHook     uint `yaml:"insert_hook"`
	RemoveHook     uint `yaml:"remove_hook"`
	AddObserver    uint `yaml:"add_observer"`
	InsertObserver uint `yaml:"insert_observer"`
	RemoveObserver uint `yaml:"remove_observer"`
}

type ArchetypeLayout struct {
	Stride   uint64   `yaml:"stride"`
	ID       uint64   `yaml:"id"`
	Entities uint64   `yaml:"entities"` // Vec<ArchetypeEntity>
	Flags    uint64   `yaml:"flags"`    // u32
	FlagBits FlagBits `yaml:"flag_bits"`

	// components: ImmutableSparseSet<ComponentId, ArchetypeComponentInfo>
	ComponentsDense   uint64 `yaml:"components_dense"`   // Box<[ArchetypeComponentInfo]>
	ComponentsIndices uint64 `yaml:"components_indices"` // Box<[ComponentId]>
	ComponentStride   uint64 `yaml:"component_stride"`
	StorageType       uint64 `yaml:"storage_type"` // u8, 0 table, 1 sparse set
	Slot              uint64 `yaml:"slot"`         // archetype_component_id
}

// ResourceLayout SparseSet<ComponentId, ResourceData>
type ResourceLayout struct {
	Dense    uint64 `yaml:"dense"`   // Vec<ResourceData>
	Indices  uint64 `yaml:"indices"` // Vec<ComponentId>
	Stride   uint64 `yaml:"stride"`
	Data     uint64 `yaml:"data"`      // ResourceData.data: BlobVec
	BlobData uint64 `yaml:"blob_data"` // BlobVec.data
	BlobLen  uint64 `yaml:"blob_len"`  // BlobVec.len
	Slot     uint64 `yaml:"slot"`      // ResourceData.id
}

type ScheduleLayout struct {
	Label    uint64 `yaml:"label"`    // InternedScheduleLabel
	Executor uint64 `yaml:"executor"` // Box<dyn SystemExecutor>
	Graph    uint64 `yaml:"graph"`

	// LabelDataMax label值最多读取的字节数，OnEnter(State)之类的label按值区分
	LabelDataMax uint64 `yaml:"label_data_max"`

	// 相对Graph
	Systems          uint64 `yaml:"systems"` // Vec<SystemNode>, Option<BoxedSystem>
	SystemNodeStride uint64 `yaml:"system_node_stride"`
	SystemConditions uint64 `yaml:"system_conditions"` // Vec<Vec<BoxedCondition>>
	Sets             uint64 `yaml:"sets"`              // Vec<SystemSetNode>
	SetNodeStride    uint64 `yaml:"set_node_stride"`
	SetConditions    uint64 `yaml:"set_conditions"`
	Topsort          uint64 `yaml:"topsort"` // dependency.topsort: Vec<NodeId>

	NodeStride uint64 `yaml:"node_stride"`
	NodeTag    uint64 `yaml:"node_tag"`
	NodeIndex  uint64 `yaml:"node_index"`
	TagSystem  uint64 `yaml:"tag_system"`
	TagSet     uint64 `yaml:"tag_set"`

	Executable        uint64 `yaml:"executable"`         // SystemSchedule
	ExecutableSystems uint64 `yaml:"executable_systems"` // 相对SystemSchedule, Vec<BoxedSystem>
}

// BitsetLayout FixedBitSet
type BitsetLayout struct {
	Blocks     uint64 `yaml:"blocks"` // Vec<Block>
	BlockBytes uint64 `yaml:"block_bytes"`
}

// AccessLayout Access<ArchetypeComponentId>，相对SystemMeta
type AccessLayout struct {
	Offset         uint64 `yaml:"offset"`
	ReadsAndWrites uint64 `yaml:"reads_and_writes"`
	Writes         uint64 `yaml:"writes"`
}

// MetaLayout SystemMeta相对系统对象数据指针的位置
type MetaLayout struct {
	Offset      uint64        `yaml:"offset"`
	Name        uint64        `yaml:"name"` // Cow<'static, str>
	IsSend      uint64        `yaml:"is_send"`
	HasDeferred uint64        `yaml:"has_deferred"`
	Access      *AccessLayout `yaml:"access,omitempty"`
}

type SystemLayout struct {
	Meta MetaLayout `yaml:"meta"`
	// Overrides 按vtable区分的SystemMeta位置，例如ExclusiveFunctionSystem
	Overrides map[symbol.Offset]MetaLayout `yaml:"overrides,omitempty"`
}

// Layout describes one build of a Bevy target.
type Layout struct {
	MaxElements uint64 `yaml:"max_elements"`

	Vec   VecLayout `yaml:"vec"`
	Boxed VecLayout `yaml:"boxed_slice"`
	Str   VecLayout `yaml:"str"` // String和Cow<str>
	Dyn   DynLayout `yaml:"dyn"`

	World     WorldLayout     `yaml:"world"`
	Component ComponentLayout `yaml:"component"`
	Archetype ArchetypeLayout `yaml:"archetype"`
	Resource  ResourceLayout  `yaml:"resource"`
	Schedule  ScheduleLayout  `yaml:"schedule"`
	System    SystemLayout    `yaml:"system"`
	Bitset    BitsetLayout    `yaml:"bitset"`

	// Types vtable(相对模块基址) -> 类型名，用于label、系统集和执行器
	Types map[symbol.Offset]string `yaml:"types,omitempty"`
	// ExclusiveVtables 独占系统的vtable
	ExclusiveVtables []symbol.Offset `yaml:"exclusive_vtables,omitempty"`
	// AnonymousSetVtables AnonymousSet的vtable
	AnonymousSetVtables []symbol.Offset `yaml:"anonymous_set_vtables,omitempty"`
}

// DefaultLayout returns the layout of the Bevy 0.14 build the tool was
// written against (x86_64, rustc 1.79).
func DefaultLayout() *Layout {
	return &Layout{
		MaxElements: 1 << 20,
		Vec:         VecLayout{Size: 24, Ptr: 8, Len: 16},
		Boxed:       VecLayout{Size: 16, Ptr: 0, Len: 8},
		Str:         VecLayout{Size: 24, Ptr: 8, Len: 16},
		Dyn:         DynLayout{Size: 16, Data: 0, Vtable: 8, VtableSize: 8},
		World: WorldLayout{
			ID:               0x2a8,
			Components:       0x0,
			Archetypes:       0x88,
			Resources:        0x188,
			NonSendResources: 0x1d0,
		},
		Component: ComponentLayout{Stride: 0xa0, Name: 0x28, Size: 0x48},
		Archetype: ArchetypeLayout{
			Stride:   0x118,
			ID:       0x110,
			Entities: 0x30,
			Flags:    0x114,
			FlagBits: FlagBits{
				AddHook:        0,
				InsertHook:     1,
				RemoveHook:     3,
				AddObserver:    4,
				InsertObserver: 5,
				RemoveObserver: 7,
			},
			ComponentsDense:   0xd0,
			ComponentsIndices: 0xe0,
			ComponentStride:   0x10,
			StorageType:       0x8,
			Slot:              0x0,
		},
		Resource: ResourceLayout{
			Dense:    0x0,
			Indices:  0x18,
			Stride:   0x98,
			Data:     0x0,
			BlobData: 0x20,
			BlobLen:  0x18,
			Slot:     0x88,
		},
		Schedule: ScheduleLayout{
			Label:             0x0,
			LabelDataMax:      64,
			Executor:          0x10,
			Graph:             0x20,
			Systems:           0x0,
			SystemNodeStride:  0x10,
			SystemConditions:  0x18,
			Sets:              0x30,
			SetNodeStride:     0x10,
			SetConditions:     0x48,
			Topsort:           0x200,
			NodeStride:        0x10,
			NodeTag:           0x0,
			NodeIndex:         0x8,
			TagSystem:         0,
			TagSet:            1,
			Executable:        0x3a0,
			ExecutableSystems: 0x48,
		},
		System: SystemLayout{
			Meta: MetaLayout{
				Offset:      0x0,
				Name:        0x0,
				IsSend:      0xe8,
				HasDeferred: 0xe9,
				Access:      &AccessLayout{Offset: 0x18, ReadsAndWrites: 0x0, Writes: 0x20},
			},
		},
		Bitset: BitsetLayout{Blocks: 0x0, BlockBytes: 4},
	}
}

// LoadLayout reads a YAML layout file. Fields not present keep their
// DefaultLayout value.
func LoadLayout(path string) (*Layout, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLayout(b)
}

// ParseLayout parses a YAML layout over DefaultLayout.
func ParseLayout(b []byte) (*Layout, error) {
	l := DefaultLayout()
	if err := yaml.Unmarshal(b, l); err != nil {
		return nil, fmt.Errorf("parse layout: %v", err)
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) validate() error {
	switch {
	case l.MaxElements == 0:
		return fmt.Errorf("layout: max_elements must be positive")
	case l.Vec.Size == 0, l.Dyn.Size == 0:
		return fmt.Errorf("layout: vec and dyn sizes must be positive")
	case l.Component.Stride == 0, l.Archetype.Stride == 0, l.Archetype.ComponentStride == 0,
		l.Resource.Stride == 0, l.Schedule.SystemNodeStride == 0, l.Schedule.SetNodeStride == 0,
		l.Schedule.NodeStride == 0:
		return fmt.Errorf("layout: element strides must be positive")
	case l.Bitset.BlockBytes != 1 && l.Bitset.BlockBytes != 2 && l.Bitset.BlockBytes != 4 && l.Bitset.BlockBytes != 8:
		return fmt.Errorf("layout: bitset block_bytes must be 1, 2, 4 or 8")
	}
	return nil
}

// Warnings reports settings that make dumps hard to read. An empty Types
// table leaves every label as "<vtable 0x..>", so startup labels never match.
func (l *Layout) Warnings() []string {
	var out []string
	if len(l.Types) == 0 {
		out = append(out, "layout has no types: labels and executors are named by vtable offset and startup labels will not match")
	}
	if l.Schedule.LabelDataMax == 0 {
		out = append(out, "layout label_data_max is 0: labels of one type with different values share a dump")
	}
	return out
}

// typeName names the type behind a vtable.
func (l *Layout) typeName(vt symbol.Offset) (string, bool) {
	name, ok := l.Types[vt]
	return name, ok
}

func (l *Layout) meta(vt symbol.Offset) MetaLayout {
	if m, ok := l.System.Overrides[vt]; ok {
		return m
	}
	return l.System.Meta
}

func contains(list []symbol.Offset, vt symbol.Offset) bool {
	for _, v := range list {
		if v == vt {
			return true
		}
	}
	return false
}

// Marshal renders the layout as YAML, e.g. to start a layout file.
func (l *Layout) Marshal() ([]byte, error) {
	return yaml.Marshal(l)
}
