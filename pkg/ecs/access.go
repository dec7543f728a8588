package ecs

import "fmt"

// AccessKind 存储位置所属的命名空间
type AccessKind uint8

const (
	ComponentAccess AccessKind = iota
	ResourceAccess
	NonSendResourceAccess
)

// Flag returns the one letter tag used in dumps.
func (k AccessKind) Flag() string {
	switch k {
	case ResourceAccess:
		return "R"
	case NonSendResourceAccess:
		return "N"
	default:
		return "C"
	}
}

// AccessRecord 解析后的一次访问
type AccessRecord struct {
	Kind      AccessKind
	Component ComponentID
	Name      string
	Archetype ArchetypeID // 仅ComponentAccess有效
}

// Resolver maps slot ids back to storages. Lookups try archetype component
// slots first, then resources, then non-send resources; the first match wins.
type Resolver struct {
	archetypes []Archetype
	resources  []Resource
	nonSend    []Resource
	components Components
}

// NewResolver builds a resolver over one consistent read of a world.
func NewResolver(components Components, archetypes []Archetype, resources, nonSend []Resource) *Resolver {
	return &Resolver{
		archetypes: archetypes,
		resources:  resources,
		nonSend:    nonSend,
		components: components,
	}
}

// Resolve returns what slot names. ErrUnknownSlot if no storage owns it.
func (r *Resolver) Resolve(slot SlotID) (AccessRecord, error) {
	rec, ok := r.lookup(slot)
	if !ok {
		return AccessRecord{}, fmt.Errorf("slot %d: %w", slot, ErrUnknownSlot)
	}
	info, err := r.components.Info(rec.Component)
	if err != nil {
		return AccessRecord{}, fmt.Errorf("slot %d: %w", slot, err)
	}
	rec.Name = info.Name
	return rec, nil
}

func (r *Resolver) lookup(slot SlotID) (AccessRecord, bool) {
	for _, a := range r.archetypes {
		for _, c := range a.Components {
			if c.Slot == slot {
				return AccessRecord{Kind: ComponentAccess, Component: c.Component, Archetype: a.ID}, true
			}
		}
	}
	for _, res := range r.resources {
		if res.Slot == slot {
			return AccessRecord{Kind: ResourceAccess, Component: res.Component}, true
		}
	}
	for _, res := range r.nonSend {
		if res.Slot == slot {
			return AccessRecord{Kind: NonSendResourceAccess, Component: res.Component}, true
		}
	}
	return AccessRecord{}, false
}
