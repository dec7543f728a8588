// Package agent wires the hook, the gate and the snapshot engine together.
package agent

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/bevy"
	"github.com/hitzhangjie/ecsdump/pkg/ecs"
	"github.com/hitzhangjie/ecsdump/pkg/gate"
	"github.com/hitzhangjie/ecsdump/pkg/hook"
	"github.com/hitzhangjie/ecsdump/pkg/memory"
	"github.com/hitzhangjie/ecsdump/pkg/snapshot"
	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

// DumpTimeFormat names the default output root, one per attach.
const DumpTimeFormat = "2006-01-02-15-04-05"

// Config 一次attach的配置，attach之后不再修改
type Config struct {
	Delay         time.Duration
	OutputRoot    string   // 为空时使用DefaultOutputRoot
	StartupLabels []string // 为nil时使用gate.DefaultStartupLabels
}

// DefaultOutputRoot returns dump/<timestamp>.
func DefaultOutputRoot(now time.Time) string {
	return filepath.Join("dump", now.UTC().Format(DumpTimeFormat))
}

// Opener turns the pointers captured at the hooked call into handles.
type Opener interface {
	Open(schedulePtr, worldPtr uint64) (ecs.World, ecs.Schedule, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(schedulePtr, worldPtr uint64) (ecs.World, ecs.Schedule, error)

func (f OpenerFunc) Open(schedulePtr, worldPtr uint64) (ecs.World, ecs.Schedule, error) {
	return f(schedulePtr, worldPtr)
}

// BevyOpener reads bevy_ecs structures from acc using layout l.
func BevyOpener(acc memory.Accessor, mod bevy.Module, l *bevy.Layout) Opener {
	return OpenerFunc(func(schedulePtr, worldPtr uint64) (ecs.World, ecs.Schedule, error) {
		w, s, err := bevy.Open(acc, mod, l, schedulePtr, worldPtr)
		if err != nil {
			return nil, nil, err
		}
		return w, s, nil
	})
}

// Installer is the part of hook.Installer used at attach.
type Installer interface {
	Install(module hook.Module, off symbol.Offset, fn hook.Replacement) (*hook.Record, error)
	Enable(rec *hook.Record) error
}

// Agent observes every completed Schedule::run.
type Agent struct {
	cfg    Config
	opener Opener
	engine *snapshot.Engine
	gate   *gate.Gate
	logger *zap.Logger
}

// Option configures an Agent.
type Option func(*options)

type options struct {
	gate []gate.Option
}

// WithClock replaces the clock used by the gate.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.gate = append(o.gate, gate.WithClock(now)) }
}

// New returns an Agent whose gate is not armed yet.
func New(cfg Config, opener Opener, engine *snapshot.Engine, logger *zap.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = DefaultOutputRoot(time.Now())
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.gate = append(o.gate, gate.WithLogger(logger))

	return &Agent{
		cfg:    cfg,
		opener: opener,
		engine: engine,
		gate:   gate.New(gate.Config{Delay: cfg.Delay, StartupLabels: cfg.StartupLabels}, o.gate...),
		logger: logger,
	}
}

// OutputRoot is where dumps are written.
func (a *Agent) OutputRoot() string { return a.cfg.OutputRoot }

// Gate exposes the trigger state.
func (a *Agent) Gate() *gate.Gate { return a.gate }

// Attach installs and enables the hook at off in module, then arms the gate.
// An error leaves the agent inert.
func (a *Agent) Attach(in Installer, module hook.Module, off symbol.Offset) (*hook.Record, error) {
	rec, err := in.Install(module, off, a.Observe)
	if err != nil {
		a.logger.Error("install hook failed", zap.Stringer("offset", off), zap.Error(err))
		return nil, err
	}
	if err := in.Enable(rec); err != nil {
		a.logger.Error("enable hook failed", zap.Stringer("offset", off), zap.Error(err))
		return nil, err
	}
	a.gate.Arm()
	a.logger.Info("attached",
		zap.Stringer("offset", off),
		zap.String("addr", fmt.Sprintf("%#x", rec.Addr)),
		zap.Duration("delay", a.cfg.Delay),
		zap.String("output", a.cfg.OutputRoot))
	return rec, nil
}

// Observe is the hook replacement. Args[0] is the schedule, Args[1] the world.
func (a *Agent) Observe(c hook.Call) {
	world, sched, err := a.opener.Open(c.Args[0], c.Args[1])
	if err != nil {
		a.logger.Warn("open world failed",
			zap.Int("tid", c.Tid),
			zap.String("schedule", fmt.Sprintf("%#x", c.Args[0])),
			zap.String("world", fmt.Sprintf("%#x", c.Args[1])),
			zap.Error(err))
		return
	}

	label := sched.Label()
	fired, err := a.gate.Observe(world.ID(), label, func() error {
		dir, err := a.engine.Snapshot(world, sched, label, a.cfg.OutputRoot)
		if dir != "" {
			a.logger.Info("dumped", zap.String("dir", dir))
		}
		return err
	})
	if fired == gate.None {
		return
	}
	if err != nil {
		a.logger.Warn("dump incomplete",
			zap.Uint64("world", uint64(world.ID())),
			zap.String("label", label),
			zap.Stringer("trigger", fired),
			zap.Error(err))
	}
}
