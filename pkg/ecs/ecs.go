// Package ecs describes the structural facts read from a running Bevy world:
// component metadata, resources, archetypes and the schedule graph.
package ecs

import (
	"errors"
	"fmt"

	"github.com/hitzhangjie/ecsdump/pkg/memory"
)

type (
	WorldID     uint64
	ComponentID uint64
	ArchetypeID uint32
	// SlotID 进程内唯一的存储位置编号(ArchetypeComponentId)，系统的读写访问以它表示
	SlotID uint64
)

var (
	ErrUnknownComponent = errors.New("component info not found")
	ErrUnknownSlot      = errors.New("slot not found in any storage")
)

// ComponentInfo 组件元数据
type ComponentInfo struct {
	ID   ComponentID
	Name string
	Size uint64
}

// Components is the component metadata table of a world.
type Components interface {
	Info(id ComponentID) (ComponentInfo, error)
}

// Resource 一个已插入的全局资源
type Resource struct {
	Component ComponentID
	Slot      SlotID
	Ptr       uint64 // 资源数据地址
}

// StorageType 组件存储方式
type StorageType uint8

const (
	Table StorageType = iota
	SparseSet
)

func (s StorageType) String() string {
	if s == SparseSet {
		return "sparse"
	}
	return "table"
}

// ArchetypeComponent 原型中的一个组件
type ArchetypeComponent struct {
	Component ComponentID
	Slot      SlotID
	Storage   StorageType
}

// HookFlags 原型上注册的组件钩子和观察者
type HookFlags struct {
	AddHook, InsertHook, RemoveHook             bool
	AddObserver, InsertObserver, RemoveObserver bool
}

// Archetype 原型
type Archetype struct {
	ID         ArchetypeID
	Entities   int
	Hooks      HookFlags
	Components []ArchetypeComponent // 目标进程中的枚举顺序
}

// TableComponents returns the table-stored components in enumeration order.
func (a *Archetype) TableComponents() []ArchetypeComponent {
	return a.filter(Table)
}

// SparseSetComponents returns the sparse-set components in enumeration order.
func (a *Archetype) SparseSetComponents() []ArchetypeComponent {
	return a.filter(SparseSet)
}

func (a *Archetype) filter(st StorageType) []ArchetypeComponent {
	var out []ArchetypeComponent
	for _, c := range a.Components {
		if c.Storage == st {
			out = append(out, c)
		}
	}
	return out
}

// World is a read-only handle to one live world.
//
// Listing methods return every record that could be read. A non-nil error
// alongside the records lists the ones skipped (see TraversalError).
type World interface {
	ID() WorldID
	Components() Components
	Resources() ([]Resource, error)
	NonSendResources() ([]Resource, error)
	Archetypes() ([]Archetype, error)
	// Memory is the accessor resource bytes are read through.
	Memory() memory.Accessor
}

// TraversalError means one record of the live structure could not be read.
// The record is skipped, the traversal goes on.
type TraversalError struct {
	What string
	Addr uint64
	Err  error
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("%s at %#x: %v", e.What, e.Addr, e.Err)
}

func (e *TraversalError) Unwrap() error { return e.Err }
