package target

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/ecsdump/pkg/hook"
)

// ABI 被hook函数的调用约定，决定参数所在的寄存器
type ABI int

const (
	SysV  ABI = iota // linux原生ELF: rdi, rsi, rdx, rcx
	Win64            // wine下运行的PE镜像: rcx, rdx, r8, r9
)

func (a ABI) String() string {
	if a == Win64 {
		return "win64"
	}
	return "sysv"
}

// ParseABI parses "sysv" or "win64".
func ParseABI(s string) (ABI, error) {
	switch strings.ToLower(s) {
	case "", "sysv":
		return SysV, nil
	case "win64", "windows":
		return Win64, nil
	}
	return 0, fmt.Errorf("unknown abi %q", s)
}

func (a ABI) args(regs *unix.PtraceRegs) [4]uint64 {
	if a == Win64 {
		return [4]uint64{regs.Rcx, regs.Rdx, regs.R8, regs.R9}
	}
	return [4]uint64{regs.Rdi, regs.Rsi, regs.Rdx, regs.Rcx}
}

func (t *DebuggedProcess) getRegs(tid int) (*unix.PtraceRegs, error) {
	var (
		regs unix.PtraceRegs
		err  error
	)
	t.ExecPtrace(func() {
		err = unix.PtraceGetRegs(tid, &regs)
	})
	if err != nil {
		return nil, fmt.Errorf("get regs of %d error: %v", tid, err)
	}
	return &regs, nil
}

// Registers 读取线程tid的pc、sp以及前4个整数参数
func (t *DebuggedProcess) Registers(tid int) (hook.Registers, error) {
	regs, err := t.getRegs(tid)
	if err != nil {
		return hook.Registers{}, err
	}
	return hook.Registers{
		PC:   regs.Rip,
		SP:   regs.Rsp,
		Args: t.ABI.args(regs),
	}, nil
}

// SetPC 设置线程tid的指令地址
func (t *DebuggedProcess) SetPC(tid int, pc uint64) error {
	regs, err := t.getRegs(tid)
	if err != nil {
		return err
	}
	regs.Rip = pc
	t.ExecPtrace(func() {
		err = unix.PtraceSetRegs(tid, regs)
	})
	if err != nil {
		return fmt.Errorf("set regs of %d error: %v", tid, err)
	}
	return nil
}

// SingleStep 线程tid执行一条指令，返回时线程处于停止状态
//
// 单步期间线程可能先收到其他信号，这些信号被记录下来，等线程恢复执行时再注入。
func (t *DebuggedProcess) SingleStep(tid int) error {
	for {
		var err error
		t.ExecPtrace(func() {
			err = unix.PtraceSingleStep(tid)
		})
		if err != nil {
			return fmt.Errorf("single step %d err: %v", tid, err)
		}

		// MUST: 发起了对tracee执行控制的ptrace request之后，要调用wait等待并获取tracee状态变化
		_, status, err := t.wait(tid, 0)
		if err != nil {
			return fmt.Errorf("wait %d err: %v", tid, err)
		}
		if status == nil || status.Exited() || status.Signaled() {
			t.removeThread(tid)
			return fmt.Errorf("thread %d %s during single step: %w", tid, desc(status), ErrProcessExited)
		}

		sig := status.StopSignal()
		if sig == unix.SIGTRAP && status.TrapCause() <= 0 {
			return nil
		}
		// 信号先于单步到达，指令还未执行，记录信号后重新单步
		t.deferSignal(tid, status)
	}
}

// deferSignal 记录单步期间到达的事件，由事件循环在线程恢复时处理
func (t *DebuggedProcess) deferSignal(tid int, status *unix.WaitStatus) {
	sig := status.StopSignal()
	switch {
	case sig == unix.SIGTRAP && status.TrapCause() == unix.PTRACE_EVENT_CLONE:
		t.trackClone(tid)
	case sig == unix.SIGSTOP && t.interrupted.Load():
		t.setParked(tid)
	case sig == unix.SIGSTOP:
		// 外部发送的SIGSTOP，忽略
	default:
		t.threadsMu.Lock()
		if th, ok := t.Threads[tid]; ok {
			th.pending = sig
		}
		t.threadsMu.Unlock()
	}
}
