package bevy

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hitzhangjie/ecsdump/pkg/ecs"
	"github.com/hitzhangjie/ecsdump/pkg/memory"
	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

var ErrTooManyElements = errors.New("element count above limit")

// Module maps live addresses back into the target module.
type Module interface {
	Offset(addr uint64) (symbol.Offset, bool)
}

// reader 按Layout读取Rust基础类型
type reader struct {
	mem *memory.Reader
	mod Module
	l   *Layout
}

type vec struct {
	ptr uint64
	len uint64
}

func (r *reader) vec(addr uint64) (vec, error) {
	return r.slice(addr, r.l.Vec)
}

func (r *reader) boxed(addr uint64) (vec, error) {
	return r.slice(addr, r.l.Boxed)
}

func (r *reader) slice(addr uint64, vl VecLayout) (vec, error) {
	ptr, err := r.mem.Ptr(addr + vl.Ptr)
	if err != nil {
		return vec{}, err
	}
	n, err := r.mem.U64(addr + vl.Len)
	if err != nil {
		return vec{}, err
	}
	if n > r.l.MaxElements {
		return vec{}, fmt.Errorf("%w: %d", ErrTooManyElements, n)
	}
	return vec{ptr: ptr, len: n}, nil
}

// str reads a String or Cow<str>.
func (r *reader) str(addr uint64) (string, error) {
	s, err := r.slice(addr, r.l.Str)
	if err != nil {
		return "", err
	}
	if s.len == 0 {
		return "", nil
	}
	return r.mem.String(s.ptr, int(s.len))
}

type fat struct {
	data   uint64
	vtable uint64
}

func (r *reader) dyn(addr uint64) (fat, error) {
	data, err := r.mem.Ptr(addr + r.l.Dyn.Data)
	if err != nil {
		return fat{}, err
	}
	vt, err := r.mem.Ptr(addr + r.l.Dyn.Vtable)
	if err != nil {
		return fat{}, err
	}
	return fat{data: data, vtable: vt}, nil
}

// vtableOffset 将vtable地址转换为模块内偏移，使Layout与加载地址无关
func (r *reader) vtableOffset(vt uint64) symbol.Offset {
	if off, ok := r.mod.Offset(vt); ok {
		return off
	}
	return symbol.Offset(vt)
}

// typeName 按vtable命名类型，未知类型以vtable偏移表示
func (r *reader) typeName(f fat) string {
	off := r.vtableOffset(f.vtable)
	if name, ok := r.l.typeName(off); ok {
		return name
	}
	return fmt.Sprintf("<vtable %s>", off)
}

// valueName 在typeName之后附加值的字节，同一类型的不同值得到不同名字。
// 零大小类型或读不到vtable时只返回类型名。
func (r *reader) valueName(f fat, max uint64) string {
	name := r.typeName(f)
	if max == 0 || f.data == 0 {
		return name
	}
	size, err := r.mem.U64(f.vtable + r.l.Dyn.VtableSize)
	if err != nil || size == 0 {
		return name
	}
	n, more := size, ""
	if n > max {
		n, more = max, "..."
	}
	b, err := r.mem.Bytes(f.data, int(n))
	if err != nil {
		return name
	}
	return fmt.Sprintf("%s(%s%s)", name, hex.EncodeToString(b), more)
}

func (r *reader) bool(addr uint64) (bool, error) {
	b, err := r.mem.U8(addr)
	return b != 0, err
}

// bitset 返回FixedBitSet中所有置位的下标
func (r *reader) bitset(addr uint64) ([]uint64, error) {
	blocks, err := r.vec(addr + r.l.Bitset.Blocks)
	if err != nil {
		return nil, err
	}
	size := r.l.Bitset.BlockBytes
	var ones []uint64
	err = r.mem.View(blocks.ptr, int(blocks.len*size), func(b []byte) error {
		for i := uint64(0); i < blocks.len; i++ {
			var v uint64
			for j := uint64(0); j < size; j++ {
				v |= uint64(b[i*size+j]) << (8 * j)
			}
			for bit := uint64(0); v != 0; bit++ {
				if v&1 != 0 {
					ones = append(ones, i*size*8+bit)
				}
				v >>= 1
			}
		}
		return nil
	})
	return ones, err
}

func traversal(what string, addr uint64, err error) error {
	return &ecs.TraversalError{What: what, Addr: addr, Err: err}
}
