package hook

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// frame 一次尚未返回的调用，按(线程, 返回后的栈指针)匹配
type frame struct {
	tid  int
	sp   uint64
	rec  *Record
	call Call
}

// retTrap 返回地址处的临时断点，多个线程(或递归调用)可共享同一个返回地址
type retTrap struct {
	addr   uint64
	orig   byte
	frames []frame
}

// HandleTrap 处理线程tid命中的断点
//
// 入口断点：记录参数和返回地址，在返回地址处设置断点，然后单步执行原指令。
// 返回断点：线程与栈指针都匹配时调用Replacement，否则单步越过。
func (in *Installer) HandleTrap(tid int) error {
	regs, err := in.tracee.Registers(tid)
	if err != nil {
		return err
	}
	addr := regs.PC - 1

	in.mu.Lock()
	rec, isEntry := in.hooks[addr]
	rt, isReturn := in.returns[addr]
	in.mu.Unlock()

	switch {
	case isEntry && rec.Enabled:
		return in.enter(tid, regs, rec)
	case isReturn:
		return in.leave(tid, regs, rt)
	case isEntry:
		// 命中后hook被禁用，原指令已恢复，回退PC重新执行
		return in.tracee.SetPC(tid, addr)
	}
	return fmt.Errorf("%w: thread %d at %#x", ErrForeignTrap, tid, addr)
}

func (in *Installer) enter(tid int, regs Registers, rec *Record) error {
	ret, err := in.mem.Ptr(regs.SP)
	if err != nil {
		// 读不到返回地址，只能放弃这次调用
		in.logger.Warn("cannot read return address", zap.Int("tid", tid), zap.Error(err))
		return in.stepOver(tid, rec.Addr, rec.Orig)
	}

	f := frame{
		tid:  tid,
		sp:   regs.SP + 8,
		rec:  rec,
		call: Call{Tid: tid, Args: regs.Args, Return: ret},
	}
	if err := in.armReturn(ret, f); err != nil {
		in.logger.Warn("cannot arm return trap", zap.Int("tid", tid), zap.Error(err))
	}
	return in.stepOver(tid, rec.Addr, rec.Orig)
}

func (in *Installer) armReturn(addr uint64, f frame) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if rt, ok := in.returns[addr]; ok {
		rt.frames = append(rt.frames, f)
		return nil
	}
	if rec, ok := in.hooks[addr]; ok && rec.Enabled {
		return fmt.Errorf("return address %#x is a hook entry", addr)
	}

	orig, err := in.mem.U8(addr)
	if err != nil {
		return err
	}
	if err := in.tracee.WriteMemory(addr, []byte{int3}); err != nil {
		return err
	}
	in.returns[addr] = &retTrap{addr: addr, orig: orig, frames: []frame{f}}
	return nil
}

func (in *Installer) leave(tid int, regs Registers, rt *retTrap) error {
	in.mu.Lock()
	idx := -1
	for i, f := range rt.frames {
		if f.tid == tid && f.sp == regs.SP {
			idx = i
			break
		}
	}
	if idx < 0 {
		in.mu.Unlock()
		// 其他线程或者更外层的调用经过这里
		return in.stepOver(tid, rt.addr, rt.orig)
	}
	f := rt.frames[idx]
	rt.frames = append(rt.frames[:idx], rt.frames[idx+1:]...)
	last := len(rt.frames) == 0
	if last {
		delete(in.returns, rt.addr)
	}
	in.mu.Unlock()

	in.invoke(f)

	if !last {
		return in.stepOver(tid, rt.addr, rt.orig)
	}
	if err := in.tracee.WriteMemory(rt.addr, []byte{rt.orig}); err != nil {
		return err
	}
	return in.tracee.SetPC(tid, rt.addr)
}

// invoke 调用Replacement，其panic不能影响tracer
func (in *Installer) invoke(f frame) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("hook replacement panicked", zap.Uint64("id", f.rec.ID), zap.Any("panic", r))
		}
	}()
	f.rec.Calls.Inc()
	if f.rec.fn != nil {
		f.rec.fn(f.call)
	}
}

// stepOver 恢复原指令单步执行一次，然后重新写入0xCC
func (in *Installer) stepOver(tid int, addr uint64, orig byte) error {
	if err := in.tracee.WriteMemory(addr, []byte{orig}); err != nil {
		return err
	}
	if err := in.tracee.SetPC(tid, addr); err != nil {
		return err
	}
	in.steps.Inc()
	stepErr := in.tracee.SingleStep(tid)
	if err := in.tracee.WriteMemory(addr, []byte{int3}); err != nil {
		return err
	}
	return stepErr
}

// Release 停止跟踪时tid停在断点上：回退PC，待Close恢复原指令后重新执行
func (in *Installer) Release(tid int) error {
	regs, err := in.tracee.Registers(tid)
	if err != nil {
		return err
	}
	addr := regs.PC - 1

	in.mu.Lock()
	_, isEntry := in.hooks[addr]
	_, isReturn := in.returns[addr]
	in.mu.Unlock()

	if !isEntry && !isReturn {
		return fmt.Errorf("%w: thread %d at %#x", ErrForeignTrap, tid, addr)
	}
	return in.tracee.SetPC(tid, addr)
}

// Close 禁用所有hook并移除返回断点，未返回的调用不再触发Replacement
func (in *Installer) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	var errs *multierror.Error
	for _, rec := range in.hooks {
		if err := in.disable(rec); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for addr, rt := range in.returns {
		if err := in.tracee.WriteMemory(addr, []byte{rt.orig}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("restore %#x: %v", addr, err))
			continue
		}
		if len(rt.frames) > 0 {
			in.logger.Debug("dropping pending calls", zap.String("addr", fmt.Sprintf("%#x", addr)), zap.Int("frames", len(rt.frames)))
		}
		delete(in.returns, addr)
	}
	return errs.ErrorOrNil()
}
