package snapshot

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/ecs"
	"github.com/hitzhangjie/ecsdump/pkg/memory"
)

// skipped logs records a listing could not read. With no record at all the
// listing itself failed and the pass cannot go on.
func (e *Engine) skipped(what string, n int, err error) error {
	if err == nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("read %s: %w", what, err)
	}
	e.logger.Warn("records skipped", zap.String("what", what), zap.Error(err))
	return nil
}

func check(b bool) string {
	if b {
		return "+"
	}
	return "-"
}

func flag(b bool, f string) string {
	if b {
		return f
	}
	return " "
}

// resources: "<name> (<size>)", hex dump of the value, blank line.
func (e *Engine) resources(w *bufio.Writer, world ecs.World, _ ecs.Schedule) error {
	list, err := world.Resources()
	if err := e.skipped("resources", len(list), err); err != nil {
		return err
	}

	mem := memory.NewReader(world.Memory())
	components := world.Components()
	for _, res := range list {
		info, err := components.Info(res.Component)
		if err != nil {
			e.logger.Warn("resource skipped", zap.Uint64("component", uint64(res.Component)), zap.Error(err))
			continue
		}

		var ioErr error
		err = mem.View(res.Ptr, int(info.Size), func(b []byte) error {
			fmt.Fprintf(w, "%s (%d)\n", info.Name, info.Size)
			d := hex.Dumper(w)
			if _, err := d.Write(b); err != nil {
				ioErr = err
				return err
			}
			if err := d.Close(); err != nil {
				ioErr = err
				return err
			}
			_, ioErr = w.WriteString("\n\n")
			return ioErr
		})
		if ioErr != nil {
			return ioErr
		}
		if err != nil {
			e.logger.Warn("resource skipped", zap.String("name", info.Name), zap.Error(err))
		}
	}
	return nil
}

// archetypes: header, hook/observer table, then table and sparse-set components.
func (e *Engine) archetypes(w *bufio.Writer, world ecs.World, _ ecs.Schedule) error {
	list, err := world.Archetypes()
	if err := e.skipped("archetypes", len(list), err); err != nil {
		return err
	}

	components := world.Components()
	for i := range list {
		a := &list[i]
		fmt.Fprintf(w, "Archetype: %d (%d entities)\n", a.ID, a.Entities)
		fmt.Fprintf(w, "  A I R\n")
		fmt.Fprintf(w, "H %s %s %s\n", check(a.Hooks.AddHook), check(a.Hooks.InsertHook), check(a.Hooks.RemoveHook))
		fmt.Fprintf(w, "O %s %s %s\n", check(a.Hooks.AddObserver), check(a.Hooks.InsertObserver), check(a.Hooks.RemoveObserver))

		for _, tag := range []struct {
			prefix string
			comps  []ecs.ArchetypeComponent
		}{
			{"T", a.TableComponents()},
			{"S", a.SparseSetComponents()},
		} {
			for _, c := range tag.comps {
				info, err := components.Info(c.Component)
				if err != nil {
					e.logger.Warn("component skipped",
						zap.Uint32("archetype", uint32(a.ID)),
						zap.Uint64("component", uint64(c.Component)),
						zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "%s %s (%d)\n", tag.prefix, info.Name, info.Size)
			}
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

// schedule: header, then every node of the cached topological order followed
// by its run conditions.
func (e *Engine) schedule(w *bufio.Writer, _ ecs.World, sched ecs.Schedule) error {
	kind, err := sched.ExecutorKind()
	if err != nil {
		e.logger.Warn("executor kind unknown", zap.Error(err))
		kind = "?"
	}
	fmt.Fprintf(w, "Schedule: %s (%s)\n", sched.Label(), kind)

	g, err := sched.Graph()
	if g == nil {
		return fmt.Errorf("read graph: %w", err)
	}
	if err != nil {
		e.logger.Warn("graph records skipped", zap.Error(err))
	}

	for _, node := range g.Order {
		var conds []ecs.Condition
		switch node.Kind {
		case ecs.SystemNode:
			if sys, ok := g.Systems[node.Index]; ok {
				fmt.Fprintf(w, "%d %s\n", node.Index, sys.Name)
				conds = sys.Conditions
			}
		case ecs.SetNode:
			if set, ok := g.Sets[node.Index]; ok {
				fmt.Fprintf(w, "%d %s %s\n", node.Index, flag(set.Anonymous, "A"), set.Debug)
				conds = set.Conditions
			}
		}
		for _, c := range conds {
			if _, err := fmt.Fprintf(w, "   %s\n", c.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// systems: "<name> <E> <S> <D>" then every resolved read and write.
func (e *Engine) systems(w *bufio.Writer, world ecs.World, sched ecs.Schedule) error {
	list, err := sched.Executable()
	if err := e.skipped("executable systems", len(list), err); err != nil {
		return err
	}

	resolver, err := e.resolver(world)
	if err != nil {
		return err
	}

	for _, sys := range list {
		fmt.Fprintf(w, "%s %s %s %s\n", sys.Name, flag(sys.Exclusive, "E"), flag(!sys.ThreadAffine, "S"), flag(sys.Deferred, "D"))
		if sys.Access != nil {
			e.access(w, resolver, sys.Name, "R", sys.Access.Reads)
			e.access(w, resolver, sys.Name, "W", sys.Access.Writes)
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) access(w *bufio.Writer, r *ecs.Resolver, system, mode string, slots []ecs.SlotID) {
	for _, slot := range slots {
		rec, err := r.Resolve(slot)
		if err != nil {
			e.logger.Warn("access skipped", zap.String("system", system), zap.Uint64("slot", uint64(slot)), zap.Error(err))
			continue
		}
		if rec.Kind == ecs.ComponentAccess {
			fmt.Fprintf(w, "%s %s %s %d\n", rec.Kind.Flag(), mode, rec.Name, rec.Archetype)
		} else {
			fmt.Fprintf(w, "%s %s %s\n", rec.Kind.Flag(), mode, rec.Name)
		}
	}
}

// resolver reads the storages once for all systems of the pass.
func (e *Engine) resolver(world ecs.World) (*ecs.Resolver, error) {
	var errs []error
	archetypes, err := world.Archetypes()
	if err != nil {
		errs = append(errs, err)
	}
	resources, err := world.Resources()
	if err != nil {
		errs = append(errs, err)
	}
	nonSend, err := world.NonSendResources()
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		// 部分存储读不到时仍然解析其余的访问
		e.logger.Warn("storages partially read", zap.Errors("errors", errs))
	}
	if len(errs) == 3 && len(archetypes)+len(resources)+len(nonSend) == 0 {
		return nil, errors.New("no storage readable")
	}
	return ecs.NewResolver(world.Components(), archetypes, resources, nonSend), nil
}
