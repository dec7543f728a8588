package symbol

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

// loadELF reads STT_FUNC symbols from .symtab and .dynsym, or the DWARF
// subprograms when both tables were stripped. Addresses are rebased against
// the lowest PT_LOAD vaddr, which is where the first mapping of the module
// starts at runtime.
func loadELF(r io.ReaderAt) (*Table, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse elf")
	}
	defer f.Close()

	linkBase, ok := staticLinkBase(f)
	if !ok {
		return nil, errors.New("no PT_LOAD segment (address map)")
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.Wrap(err, "read .symtab")
	}
	dyn, err := f.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.Wrap(err, "read .dynsym")
	}
	if len(syms) == 0 && len(dyn) == 0 {
		return loadDWARF(f, linkBase)
	}

	tab := &Table{Format: "elf"}
	for _, s := range append(syms, dyn...) {
		if s.Value == 0 || s.Value < linkBase || s.Section == elf.SHN_UNDEF {
			continue
		}
		tab.Symbols = append(tab.Symbols, Symbol{
			Name:     demangleName(s.Name),
			Mangled:  s.Name,
			RVA:      Offset(s.Value - linkBase),
			Function: elf.ST_TYPE(s.Info) == elf.STT_FUNC,
		})
	}
	return tab, nil
}

func loadDWARF(f *elf.File, linkBase uint64) (*Table, error) {
	d, err := f.DWARF()
	if err != nil {
		return nil, errors.Wrap(err, "no symbol table and no DWARF")
	}
	syms, err := dwarfFunctions(d, linkBase)
	if err != nil {
		return nil, err
	}
	return &Table{Format: "dwarf", Symbols: syms}, nil
}

// pageSize 映射按页对齐，p_align可能是更大的段对齐
const pageSize = 0x1000

func staticLinkBase(f *elf.File) (uint64, bool) {
	var (
		base  uint64
		found bool
	)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		vaddr := p.Vaddr &^ (pageSize - 1)
		if !found || vaddr < base {
			base, found = vaddr, true
		}
	}
	return base, found
}
