// Package memory funnels every read of the target's address space through
// one narrow accessor.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Accessor reads the memory at addr into buf and returns the number of bytes
// actually read.
type Accessor interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
}

// DefaultViewLimit 单次读取的最大字节数
const DefaultViewLimit = 64 << 20

var (
	ErrNullPointer = errors.New("null pointer")
	ErrTooLarge    = errors.New("read exceeds view limit")
)

// ReadError describes a failed or short read.
type ReadError struct {
	Addr uint64
	Size int
	Read int
	Err  error
}

func (e *ReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
	}
	return fmt.Sprintf("short read at %#x: %d of %d bytes", e.Addr, e.Read, e.Size)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Reader wraps an Accessor with bounded, typed reads. A Reader is not safe for
// concurrent use.
type Reader struct {
	acc   Accessor
	limit int
	order binary.ByteOrder

	scratch []byte
	busy    bool
}

// Option configures a Reader.
type Option func(*Reader)

// WithLimit caps the size of a single view.
func WithLimit(n int) Option {
	return func(r *Reader) { r.limit = n }
}

// NewReader returns a little-endian Reader over acc.
func NewReader(acc Accessor, opts ...Option) *Reader {
	r := &Reader{acc: acc, limit: DefaultViewLimit, order: binary.LittleEndian}
	for _, o := range opts {
		o(r)
	}
	return r
}

// View reads n bytes at addr and lends them to fn. The slice must not be
// retained after fn returns.
func (r *Reader) View(addr uint64, n int, fn func(b []byte) error) error {
	if n == 0 {
		return fn(nil)
	}
	if addr == 0 {
		return &ReadError{Addr: addr, Size: n, Err: ErrNullPointer}
	}
	if n < 0 || n > r.limit {
		return &ReadError{Addr: addr, Size: n, Err: ErrTooLarge}
	}

	// nested views get their own buffer
	var buf []byte
	if r.busy {
		buf = make([]byte, n)
	} else {
		if cap(r.scratch) < n {
			r.scratch = make([]byte, n)
		}
		buf = r.scratch[:n]
		r.busy = true
		defer func() { r.busy = false }()
	}

	got, err := r.acc.ReadMemory(addr, buf)
	if err != nil {
		return &ReadError{Addr: addr, Size: n, Read: got, Err: err}
	}
	if got != n {
		return &ReadError{Addr: addr, Size: n, Read: got}
	}
	return fn(buf)
}

// Bytes returns a copy of n bytes at addr.
func (r *Reader) Bytes(addr uint64, n int) ([]byte, error) {
	var out []byte
	err := r.View(addr, n, func(b []byte) error {
		out = append([]byte(nil), b...)
		return nil
	})
	return out, err
}

func (r *Reader) U8(addr uint64) (uint8, error) {
	var v uint8
	err := r.View(addr, 1, func(b []byte) error {
		v = b[0]
		return nil
	})
	return v, err
}

func (r *Reader) U32(addr uint64) (uint32, error) {
	var v uint32
	err := r.View(addr, 4, func(b []byte) error {
		v = r.order.Uint32(b)
		return nil
	})
	return v, err
}

func (r *Reader) U64(addr uint64) (uint64, error) {
	var v uint64
	err := r.View(addr, 8, func(b []byte) error {
		v = r.order.Uint64(b)
		return nil
	})
	return v, err
}

// Ptr reads a pointer-sized word at addr.
func (r *Reader) Ptr(addr uint64) (uint64, error) {
	return r.U64(addr)
}

// String reads n bytes at addr as a string.
func (r *Reader) String(addr uint64, n int) (string, error) {
	var s string
	err := r.View(addr, n, func(b []byte) error {
		s = string(b)
		return nil
	})
	return s, err
}
