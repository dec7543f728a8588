package symbol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Offset is a function address relative to its module's static link base. It
// does not depend on where the loader placed the module.
type Offset uint64

func (o Offset) String() string {
	return fmt.Sprintf("%#x", uint64(o))
}

// Rebase converts an absolute address recorded against the static link base
// (e.g. copied from a disassembler) into an Offset.
func Rebase(absolute, linkBase uint64) (Offset, error) {
	if absolute < linkBase {
		return 0, fmt.Errorf("address %#x below link base %#x", absolute, linkBase)
	}
	return Offset(absolute - linkBase), nil
}

// Symbol 符号信息
type Symbol struct {
	Name     string // demangled name
	Mangled  string // name as recorded in the database
	RVA      Offset // module relative address
	Function bool   // public function symbol
}

// Table is the read-only symbol list of one database.
type Table struct {
	Format  string
	Symbols []Symbol
}

// Predicate selects symbols by demangled name.
type Predicate func(name string) bool

// HasPrefix matches names starting with prefix.
func HasPrefix(prefix string) Predicate {
	return func(name string) bool { return strings.HasPrefix(name, prefix) }
}

// Contains matches names containing sub.
func Contains(sub string) Predicate {
	return func(name string) bool { return strings.Contains(name, sub) }
}

// ErrNotFound no symbol matched the predicate
var ErrNotFound = errors.New("symbol not found")

// DatabaseError reports a database that cannot be parsed or lacks a table the
// resolver needs.
type DatabaseError struct {
	Path string
	Err  error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("symbol database %s: %v", e.Path, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

var (
	msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")
	elfMagic = []byte("\x7fELF")
)

// Load reads the symbol database at path. PDB (MSF 7.00) and ELF files are
// recognized by their magic.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DatabaseError{Path: path, Err: err}
	}
	defer f.Close()

	head := make([]byte, len(msfMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, &DatabaseError{Path: path, Err: err}
	}
	head = head[:n]

	var tab *Table
	switch {
	case bytes.Equal(head, msfMagic):
		tab, err = loadPDB(f)
	case bytes.HasPrefix(head, elfMagic):
		tab, err = loadELF(f)
	default:
		err = errors.New("unrecognized file format")
	}
	if err != nil {
		return nil, &DatabaseError{Path: path, Err: err}
	}
	return tab, nil
}

// Find returns the first function symbol, in database order, whose demangled
// name satisfies pred.
func (t *Table) Find(pred Predicate) (Symbol, error) {
	for _, s := range t.Symbols {
		if s.Function && pred(s.Name) {
			return s, nil
		}
	}
	return Symbol{}, ErrNotFound
}

// Filter returns every function symbol satisfying pred, in database order.
func (t *Table) Filter(pred Predicate) []Symbol {
	var out []Symbol
	for _, s := range t.Symbols {
		if s.Function && pred(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

// FilterAll is Filter including data symbols such as vtables.
func (t *Table) FilterAll(pred Predicate) []Symbol {
	var out []Symbol
	for _, s := range t.Symbols {
		if pred(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

// Resolve loads the database at path and returns the offset of the first
// function matching pred.
func Resolve(path string, pred Predicate) (Offset, error) {
	tab, err := Load(path)
	if err != nil {
		return 0, err
	}
	s, err := tab.Find(pred)
	if err != nil {
		return 0, err
	}
	return s.RVA, nil
}
