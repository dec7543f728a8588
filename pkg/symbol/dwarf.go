package symbol

import (
	"debug/dwarf"

	"github.com/pkg/errors"
)

// function DW_TAG_subprogram中与符号解析相关的属性
//
// see DWARFv4 3.3 subroutine and entry point entries
type function struct {
	name        string
	linkageName string
	lowpc       uint64
	declaration bool
}

func (f *function) parseFrom(entry *dwarf.Entry) {
	for _, field := range entry.Field {
		switch field.Attr {
		case dwarf.AttrName:
			if val, ok := field.Val.(string); ok {
				f.name = val
			}
		case dwarf.AttrLinkageName:
			if val, ok := field.Val.(string); ok {
				f.linkageName = val
			}
		case dwarf.AttrLowpc:
			if val, ok := field.Val.(uint64); ok {
				f.lowpc = val
			}
		case dwarf.AttrDeclaration:
			if val, ok := field.Val.(bool); ok {
				f.declaration = val
			}
		}
	}
}

// symbol prefers the linkage name, which demangles to the full path.
func (f *function) symbol(linkBase uint64) (Symbol, bool) {
	if f.declaration || f.lowpc == 0 || f.lowpc < linkBase {
		return Symbol{}, false
	}
	mangled := f.linkageName
	if mangled == "" {
		mangled = f.name
	}
	if mangled == "" {
		return Symbol{}, false
	}
	return Symbol{
		Name:     demangleName(mangled),
		Mangled:  mangled,
		RVA:      Offset(f.lowpc - linkBase),
		Function: true,
	}, true
}

// dwarfFunctions lists every subprogram with code, in .debug_info order.
// Inlined-only and declared functions carry no low pc and are left out.
func dwarfFunctions(d *dwarf.Data, linkBase uint64) ([]Symbol, error) {
	var out []Symbol
	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read .debug_info")
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		var f function
		f.parseFrom(entry)
		if s, ok := f.symbol(linkBase); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
