// Package hook patches a function entry with a software breakpoint and calls
// a replacement after every completed call of the original.
package hook

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/hitzhangjie/ecsdump/pkg/memory"
	"github.com/hitzhangjie/ecsdump/pkg/symbol"
)

const int3 = 0xCC

var (
	recSeqNo = atomic.NewUint64(0)

	// ErrForeignTrap 断点不是由Installer设置的，信号应当交还给被跟踪进程
	ErrForeignTrap = errors.New("trap not owned by any hook")
)

// Registers 线程停止时的寄存器快照，Args为按调用约定取出的前4个整数参数
type Registers struct {
	PC   uint64
	SP   uint64
	Args [4]uint64
}

// Tracee is a stopped-thread view of the target process.
type Tracee interface {
	memory.Accessor
	WriteMemory(addr uint64, data []byte) error
	Registers(tid int) (Registers, error)
	SetPC(tid int, pc uint64) error
	// SingleStep executes one instruction of tid and returns once it stopped again.
	SingleStep(tid int) error
}

// Module maps a relative offset to its live address.
type Module interface {
	Resolve(off symbol.Offset) uint64
}

// Call 一次已返回的调用
type Call struct {
	Tid    int       // 调用线程
	Args   [4]uint64 // 入口处的参数
	Return uint64    // 返回地址
}

// Replacement runs on the tracer while the calling thread is stopped right
// after the original function returned.
type Replacement func(c Call)

// Record 一个函数入口hook
type Record struct {
	ID      uint64        // 编号
	Addr    uint64        // 入口地址
	Offset  symbol.Offset // 相对模块的偏移
	Orig    byte          // 原内存数据
	Inst    string        // 入口处第一条指令
	Enabled bool          // 是否已写入0xCC
	Calls   *atomic.Uint64

	fn Replacement
}

// InstallError means the hook site cannot be patched. Instrumentation stays off.
type InstallError struct {
	Addr uint64
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install hook at %#x: %v", e.Addr, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Installer owns all hooks of one tracee. It is also the tracee's TrapHandler.
type Installer struct {
	tracee Tracee
	mem    *memory.Reader
	logger *zap.Logger

	mu      sync.Mutex
	hooks   map[uint64]*Record  // entry traps by address
	returns map[uint64]*retTrap // return traps by address
	steps   *atomic.Uint64      // single steps taken over patched bytes
}

// NewInstaller creates an Installer patching tracee.
func NewInstaller(tracee Tracee, logger *zap.Logger) *Installer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Installer{
		tracee:  tracee,
		mem:     memory.NewReader(tracee),
		logger:  logger,
		hooks:   map[uint64]*Record{},
		returns: map[uint64]*retTrap{},
		steps:   atomic.NewUint64(0),
	}
}

// Install 在module+off处创建hook，此时尚未修改代码，需调用Enable
//
// 同一地址重复Install返回已存在的Record。
func (in *Installer) Install(module Module, off symbol.Offset, fn Replacement) (*Record, error) {
	addr := module.Resolve(off)

	in.mu.Lock()
	defer in.mu.Unlock()

	if rec, ok := in.hooks[addr]; ok {
		return rec, nil
	}

	code := make([]byte, 16)
	n, err := in.tracee.ReadMemory(addr, code)
	if err != nil {
		return nil, &InstallError{Addr: addr, Err: err}
	}
	code = code[:n]
	if n == 0 {
		return nil, &InstallError{Addr: addr, Err: errors.New("address not mapped")}
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, &InstallError{Addr: addr, Err: fmt.Errorf("x86asm decode error: %v", err)}
	}
	if code[0] == int3 || inst.Op == x86asm.INT {
		return nil, &InstallError{Addr: addr, Err: errors.New("int3 at hook site (padding or patched already)")}
	}
	if isZeroFill(code) {
		return nil, &InstallError{Addr: addr, Err: errors.New("zero fill at hook site")}
	}

	rec := &Record{
		ID:     recSeqNo.Add(1),
		Addr:   addr,
		Offset: off,
		Orig:   code[0],
		Inst:   x86asm.GNUSyntax(inst, addr, nil),
		Calls:  atomic.NewUint64(0),
		fn:     fn,
	}
	in.hooks[addr] = rec
	in.logger.Info("hook installed",
		zap.Uint64("id", rec.ID),
		zap.String("addr", fmt.Sprintf("%#x", addr)),
		zap.Stringer("offset", off),
		zap.String("inst", rec.Inst))
	return rec, nil
}

func isZeroFill(code []byte) bool {
	if len(code) < 4 {
		return false
	}
	for _, b := range code[:4] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Enable 写入0xCC，已启用时什么也不做
func (in *Installer) Enable(rec *Record) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.enable(rec)
}

func (in *Installer) enable(rec *Record) error {
	if rec.Enabled {
		return nil
	}
	if err := in.tracee.WriteMemory(rec.Addr, []byte{int3}); err != nil {
		return &InstallError{Addr: rec.Addr, Err: err}
	}
	rec.Enabled = true
	return nil
}

// Disable 恢复原内存数据，未启用时什么也不做
func (in *Installer) Disable(rec *Record) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.disable(rec)
}

func (in *Installer) disable(rec *Record) error {
	if !rec.Enabled {
		return nil
	}
	if err := in.tracee.WriteMemory(rec.Addr, []byte{rec.Orig}); err != nil {
		return fmt.Errorf("restore %#x: %v", rec.Addr, err)
	}
	rec.Enabled = false
	return nil
}

// Records 返回所有hook
func (in *Installer) Records() []*Record {
	in.mu.Lock()
	defer in.mu.Unlock()
	recs := make([]*Record, 0, len(in.hooks))
	for _, r := range in.hooks {
		recs = append(recs, r)
	}
	return recs
}

// Steps returns how many instructions were single stepped over patched bytes.
func (in *Installer) Steps() uint64 {
	return in.steps.Load()
}
