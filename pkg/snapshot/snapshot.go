// Package snapshot writes the structural dump of one world, one file per pass.
package snapshot

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/hitzhangjie/ecsdump/pkg/ecs"
)

// Pass names, also the file stem each pass writes.
const (
	PassResources  = "resources"
	PassArchetypes = "archetypes"
	PassSchedule   = "schedule"
	PassSystems    = "systems"
)

// PassError means one pass could not produce its file. Other passes still run.
type PassError struct {
	Pass string
	Err  error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("%s pass: %v", e.Pass, e.Err)
}

func (e *PassError) Unwrap() error { return e.Err }

// Engine runs the four dump passes.
type Engine struct {
	fs     afero.Fs
	logger *zap.Logger
}

// New returns an Engine writing to fs.
func New(fs afero.Fs, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{fs: fs, logger: logger}
}

// labeled reports the gated label instead of the one read from memory.
type labeled struct {
	ecs.Schedule
	label string
}

func (l labeled) Label() string { return l.label }

type pass struct {
	name string
	run  func(w *bufio.Writer, world ecs.World, sched ecs.Schedule) error
}

// Snapshot dumps world and schedule into root/<world-id>/<label>/ and returns
// that directory. label is the key the caller gated on; it also heads
// schedule.txt. A label dumped before in the same world gets a numbered
// directory (<label>-2, <label>-3, ...). A failing pass does not stop the
// others; the returned error then collects every *PassError.
func (e *Engine) Snapshot(world ecs.World, sched ecs.Schedule, label, root string) (string, error) {
	start := time.Now()
	sched = labeled{Schedule: sched, label: label}

	dir, err := e.claimDir(filepath.Join(root, strconv.FormatUint(uint64(world.ID()), 10)), label)
	if err != nil {
		return "", err
	}
	e.logger.Info("dumping", zap.Uint64("world", uint64(world.ID())), zap.String("label", label), zap.String("dir", dir))

	passes := []pass{
		{PassResources, e.resources},
		{PassArchetypes, e.archetypes},
		{PassSchedule, e.schedule},
		{PassSystems, e.systems},
	}

	var (
		errs  *multierror.Error
		total int64
	)
	for _, p := range passes {
		n, err := e.runPass(dir, p, world, sched)
		total += n
		if err != nil {
			pe := &PassError{Pass: p.name, Err: err}
			e.logger.Error("pass failed", zap.String("pass", p.name), zap.Error(err))
			errs = multierror.Append(errs, pe)
		}
	}

	e.logger.Info("dump finished",
		zap.String("dir", dir),
		zap.String("size", humanize.Bytes(uint64(total))),
		zap.Duration("took", time.Since(start)))
	return dir, errs.ErrorOrNil()
}

func (e *Engine) runPass(dir string, p pass, world ecs.World, sched ecs.Schedule) (int64, error) {
	f, err := e.fs.Create(filepath.Join(dir, p.name+".txt"))
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: f}
	bw := bufio.NewWriter(cw)

	err = p.run(bw, world, sched)
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return cw.n, err
}

// claimDir creates a fresh directory for label under parent.
func (e *Engine) claimDir(parent, label string) (string, error) {
	if err := e.fs.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", parent, err)
	}
	base := dirName(label)
	for n := 1; ; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		dir := filepath.Join(parent, name)
		err := e.fs.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
}

// dirName makes a label safe as a single path element.
func dirName(label string) string {
	label = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, label)
	if label == "" || label == "." || label == ".." {
		return "_"
	}
	return label
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
