package target

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

var ErrModuleNotFound = errors.New("module not mapped")

// Module is the target image as loaded in the traced process.
type Module struct {
	Name string
	Path string
	Base uint64 // start of the lowest mapping of the image
	End  uint64 // end of the highest mapping of the image
}

// Resolve returns the live address of a relative offset.
func (m Module) Resolve(off symbol.Offset) uint64 {
	return m.Base + uint64(off)
}

// Offset converts a live address inside the module back to a relative offset.
func (m Module) Offset(addr uint64) (symbol.Offset, bool) {
	if addr < m.Base || addr >= m.End {
		return 0, false
	}
	return symbol.Offset(addr - m.Base), true
}

func (m Module) String() string {
	return fmt.Sprintf("%s [%#x-%#x]", m.Name, m.Base, m.End)
}

// FindModule locates the image called name in the address space of the traced
// process. An empty name selects the main executable.
func (t *DebuggedProcess) FindModule(name string) (Module, error) {
	return FindModule(*t.fs, t.Process.Pid, name)
}

// FindModule locates the image called name in /proc/<pid>/maps. The base is
// the start of its lowest mapping, which is where the static link base lands.
func FindModule(fs procfs.FS, pid int, name string) (Module, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return Module{}, err
	}

	match := func(pathname string) bool {
		return strings.EqualFold(imageName(pathname), name)
	}
	if name == "" {
		exe, err := p.Executable()
		if err != nil {
			return Module{}, fmt.Errorf("read exe link: %v", err)
		}
		match = func(pathname string) bool { return pathname == exe }
	}

	maps, err := p.ProcMaps()
	if err != nil {
		return Module{}, fmt.Errorf("read maps: %v", err)
	}

	var (
		mod   Module
		found bool
	)
	for _, m := range maps {
		if m.Pathname == "" || !match(m.Pathname) {
			continue
		}
		start, end := uint64(m.StartAddr), uint64(m.EndAddr)
		if !found || start < mod.Base {
			mod.Base = start
		}
		if end > mod.End {
			mod.End = end
		}
		mod.Path = m.Pathname
		found = true
	}
	if !found {
		return Module{}, fmt.Errorf("%w: %q in process %d", ErrModuleNotFound, name, pid)
	}
	mod.Name = imageName(mod.Path)
	return mod, nil
}

// imageName returns the file name of a mapping, accepting both unix and
// windows separators (images mapped by wine keep their dos path).
func imageName(pathname string) string {
	pathname = strings.TrimSuffix(pathname, " (deleted)")
	if i := strings.LastIndexByte(pathname, '\\'); i >= 0 {
		pathname = pathname[i+1:]
	}
	return path.Base(pathname)
}
