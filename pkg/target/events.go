package target

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/ecsdump/pkg/hook"
)

// TrapHandler 处理线程因断点(SIGTRAP)停下的事件
//
// 所有方法都在事件循环中同步调用，调用期间对应线程保持停止状态。
type TrapHandler interface {
	// HandleTrap 处理tid命中的断点，返回后线程从当前PC继续执行
	HandleTrap(tid int) error
	// Release 停止跟踪过程中tid命中断点，撤销这次命中(回退PC)而不执行回调
	Release(tid int) error
	// Close 所有线程均已停下，恢复被修改的代码
	Close() error
}

// Run 事件循环：等待所有线程的状态变化，将断点事件交给h处理，其他信号原样注入
//
// ctx取消后停下所有线程，调用h.Close()恢复代码，然后detach，进程继续正常运行。
func (t *DebuggedProcess) Run(ctx context.Context, h TrapHandler) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			t.interrupt()
		case <-done:
		}
	}()

	// attach之后所有线程都处于停止状态
	for _, tid := range t.threadIDs() {
		t.resume(tid, t.takePending(tid))
	}

	for {
		wpid, status, err := t.waitAny()
		if err != nil {
			if err == unix.ECHILD {
				return ErrProcessExited
			}
			return err
		}

		if status.Exited() || status.Signaled() {
			t.removeThread(wpid)
			t.logger.Debug("thread exited", zap.Int("tid", wpid), zap.String("status", desc(status)))
			if len(t.threadIDs()) == 0 {
				return ErrProcessExited
			}
		} else if status.Stopped() {
			t.handleStop(wpid, status, h)
		}

		if t.interrupted.Load() && t.allParked() {
			return t.shutdown(h)
		}
	}
}

func (t *DebuggedProcess) waitAny() (int, *unix.WaitStatus, error) {
	var s unix.WaitStatus
	for {
		wpid, err := unix.Wait4(-1, &s, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		return wpid, &s, err
	}
}

func (t *DebuggedProcess) handleStop(tid int, status *unix.WaitStatus, h TrapHandler) {
	th, known := t.thread(tid)
	if !known {
		// 新线程的SIGSTOP先于clone事件到达
		t.addThread(tid, *status)
		th, _ = t.thread(tid)
		th.fresh = true
	}
	t.threadsMu.Lock()
	th.Status = *status
	t.threadsMu.Unlock()

	sig := status.StopSignal()
	switch {
	case sig == unix.SIGTRAP && status.TrapCause() == unix.PTRACE_EVENT_CLONE:
		t.trackClone(tid)
		t.resume(tid, 0)

	case sig == unix.SIGTRAP && status.TrapCause() > 0:
		t.resume(tid, 0)

	case sig == unix.SIGTRAP:
		t.stoppedTid = tid
		var err error
		if t.interrupted.Load() {
			err = h.Release(tid)
		} else {
			err = h.HandleTrap(tid)
		}
		resumeSig := 0
		switch {
		case errors.Is(err, hook.ErrForeignTrap):
			// 进程自身的SIGTRAP，原样交还
			resumeSig = int(unix.SIGTRAP)
		case err != nil:
			t.logger.Warn("trap handling failed", zap.Int("tid", tid), zap.Error(err))
		}
		if th, ok := t.thread(tid); ok && !th.parked {
			if sig := t.takePending(tid); sig != 0 {
				resumeSig = sig
			}
			t.resume(tid, resumeSig)
		}

	case sig == unix.SIGSTOP:
		if t.interrupted.Load() {
			t.setParked(tid)
			t.stoppedTid = tid
			return
		}
		if !th.fresh {
			t.logger.Debug("dropping SIGSTOP", zap.Int("tid", tid))
		}
		t.threadsMu.Lock()
		th.fresh = false
		t.threadsMu.Unlock()
		t.resume(tid, 0)

	default:
		t.resume(tid, int(sig))
	}
}

// trackClone 线程tid创建了新线程，新线程已被自动跟踪
func (t *DebuggedProcess) trackClone(tid int) {
	var (
		cloned uint
		err    error
	)
	t.ExecPtrace(func() {
		cloned, err = unix.PtraceGetEventMsg(tid)
	})
	if err != nil {
		// thread died while we were adding it
		t.logger.Debug("could not get event message", zap.Int("tid", tid), zap.Error(err))
		return
	}
	if _, ok := t.thread(int(cloned)); ok {
		return
	}
	t.addThread(int(cloned), 0)
	if th, ok := t.thread(int(cloned)); ok {
		t.threadsMu.Lock()
		th.fresh = true
		t.threadsMu.Unlock()
	}
	t.logger.Debug("thread created", zap.Int("parent", tid), zap.Uint("tid", cloned))
}

func (t *DebuggedProcess) resume(tid, sig int) {
	var err error
	t.ExecPtrace(func() {
		err = unix.PtraceCont(tid, sig)
	})
	if err == unix.ESRCH {
		t.removeThread(tid)
		return
	}
	if err != nil {
		t.logger.Warn("ptrace cont failed", zap.Int("tid", tid), zap.Error(err))
	}
}

// interrupt 向所有线程发送SIGSTOP，事件循环在线程停下后将其标记为parked
func (t *DebuggedProcess) interrupt() {
	t.interrupted.Store(true)
	t.logger.Info("stopping trace", zap.Int("pid", t.Process.Pid))
	for _, tid := range t.threadIDs() {
		if err := unix.Tgkill(t.Process.Pid, tid, unix.SIGSTOP); err != nil && err != unix.ESRCH {
			t.logger.Warn("tgkill failed", zap.Int("tid", tid), zap.Error(err))
		}
	}
}

func (t *DebuggedProcess) shutdown(h TrapHandler) error {
	var errs *multierror.Error
	start := time.Now()
	if err := h.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := t.Detach(); err != nil {
		errs = multierror.Append(errs, err)
	}
	t.StopPtrace()
	t.logger.Debug("trace stopped", zap.Duration("took", time.Since(start)))
	return errs.ErrorOrNil()
}

// Interrupted reports whether Run has been asked to stop.
func (t *DebuggedProcess) Interrupted() bool {
	return t.interrupted.Load()
}

// IsExited reports whether err means the target went away.
func IsExited(err error) bool {
	return errors.Is(err, ErrProcessExited)
}
