package target

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/procfs"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Kind 发起跟踪的方式
type Kind int

const (
	ATTACH Kind = iota // attach到运行中进程
	LAUNCH             // 由tracer启动的进程
)

func (k Kind) String() string {
	if k == LAUNCH {
		return "launch"
	}
	return "attach"
}

var (
	ErrProcessExited = errors.New("process exited")
)

// DebuggedProcess 被跟踪进程信息
type DebuggedProcess struct {
	Process *os.Process     // 进程信息
	Threads map[int]*Thread // 包含的线程列表,k=tid,v=thread

	Command string   // 进程启动命令
	Args    []string // 进程启动参数
	Kind    Kind     // 发起跟踪的类型
	ABI     ABI      // 被hook函数的调用约定

	fs     *procfs.FS
	logger *zap.Logger

	// any stopped traced thread, used for memory pokes
	stoppedTid int

	interrupted *atomic.Bool
	threadsMu   sync.Mutex

	once       *sync.Once
	ptraceCh   chan func() // ptrace请求统一发送到这里，由专门协程处理
	ptraceDone chan int    // ptrace请求完成
	stopCh     chan int    // 通知需要停止跟踪
}

// Option 配置DebuggedProcess
type Option func(*DebuggedProcess)

// WithLogger sets the logger used for process events.
func WithLogger(l *zap.Logger) Option {
	return func(t *DebuggedProcess) { t.logger = l }
}

// WithABI selects the calling convention used to decode hooked arguments.
func WithABI(abi ABI) Option {
	return func(t *DebuggedProcess) { t.ABI = abi }
}

// WithProcFS reads process information from a procfs mounted elsewhere.
func WithProcFS(fs procfs.FS) Option {
	return func(t *DebuggedProcess) { t.fs = &fs }
}

func newDebuggedProcess(kind Kind, opts ...Option) (*DebuggedProcess, error) {
	t := &DebuggedProcess{
		Threads:     map[int]*Thread{},
		Kind:        kind,
		ABI:         SysV,
		logger:      zap.NewNop(),
		interrupted: atomic.NewBool(false),
		once:        &sync.Once{},
		ptraceCh:    make(chan func()),
		ptraceDone:  make(chan int),
		stopCh:      make(chan int),
	}
	for _, o := range opts {
		o(t)
	}
	if t.fs == nil {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, err
		}
		t.fs = &fs
	}
	return t, nil
}

// AttachTargetProcess trace一个运行中的进程及其全部线程
func AttachTargetProcess(pid int, opts ...Option) (*DebuggedProcess, error) {
	t, err := newDebuggedProcess(ATTACH, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.attachAll(pid); err != nil {
		return nil, err
	}
	return t, nil
}

// LaunchTargetProcess 启动进程，等待delay之后再attach
//
// 和直接以PTRACE_TRACEME方式启动相比，延迟attach使得目标进程可以先完成
// 模块加载（例如wine下的PE镜像），之后再安装hook。
func LaunchTargetProcess(cmd string, args []string, delay time.Duration, opts ...Option) (*DebuggedProcess, error) {
	t, err := newDebuggedProcess(LAUNCH, opts...)
	if err != nil {
		return nil, err
	}

	progCmd := exec.Command(cmd, args...)
	progCmd.Stdin = os.Stdin
	progCmd.Stdout = os.Stdout
	progCmd.Stderr = os.Stderr
	progCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	progCmd.Env = os.Environ()

	if err := progCmd.Start(); err != nil {
		return nil, err
	}
	t.logger.Info("launched target", zap.Int("pid", progCmd.Process.Pid), zap.String("cmd", cmd))

	time.Sleep(delay)

	if err := t.attachAll(progCmd.Process.Pid); err != nil {
		_ = progCmd.Process.Kill()
		return nil, err
	}
	return t, nil
}

func (t *DebuggedProcess) attachAll(pid int) error {
	var err error
	defer func() {
		if err != nil {
			t.StopPtrace()
		}
	}()

	if t.Process, err = os.FindProcess(pid); err != nil {
		return err
	}

	if t.Command, err = readProcComm(*t.fs, pid); err != nil {
		return err
	}
	if t.Args, err = readProcCommArgs(*t.fs, pid); err != nil {
		return err
	}

	t.ExecPtrace(func() {
		err = t.updateThreadList()
	})
	if err != nil {
		return err
	}
	t.logger.Info("attached", zap.Int("pid", pid), zap.String("comm", t.Command), zap.Int("threads", len(t.Threads)))
	return nil
}

// ExecPtrace runs fn on the tracer thread.
func (t *DebuggedProcess) ExecPtrace(fn func()) {
	t.once.Do(func() {
		go func() {
			// ensure all ptrace requests goes via the same tracer (thread)
			//
			// issue: https://github.com/golang/go/issues/7699
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-t.ptraceCh:
					reqFn()
					t.ptraceDone <- 1
				case <-t.stopCh:
					return
				}
			}
		}()
	})
	t.ptraceCh <- fn
	<-t.ptraceDone
}

// StopPtrace stops the tracer thread. No ptrace request may follow.
func (t *DebuggedProcess) StopPtrace() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// Pid returns the thread group id of the target.
func (t *DebuggedProcess) Pid() int {
	return t.Process.Pid
}

// updateThreadList attach到/proc/<pid>/task下所有线程，并设置PTRACE_O_TRACECLONE，
// 使得之后新创建的线程自动被跟踪
//
// 必须在tracer线程中执行
func (t *DebuggedProcess) updateThreadList() error {
	tids, err := t.loadThreadList()
	if err != nil {
		return fmt.Errorf("load threads err: %v", err)
	}

	for _, tid := range tids {
		if _, ok := t.Threads[tid]; ok {
			continue
		}

		err = unix.PtraceAttach(tid)
		if err == unix.ESRCH {
			// thread exited before we got to it
			continue
		}
		if err != nil && err != unix.EPERM {
			// Maybe we have traced tid via PTRACE_O_TRACECLONE.
			return fmt.Errorf("attach thread %d err: %v", tid, err)
		}

		_, status, err := t.wait(tid, 0)
		if err != nil {
			return fmt.Errorf("wait thread %d err: %v", tid, err)
		}
		if status == nil || status.Exited() {
			t.logger.Debug("thread already exited", zap.Int("tid", tid))
			continue
		}

		if err = unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil {
			return fmt.Errorf("set PTRACE_O_TRACECLONE on %d err: %v", tid, err)
		}

		t.addThread(tid, *status)
		t.stoppedTid = tid
	}
	if len(t.Threads) == 0 {
		return ErrProcessExited
	}
	return nil
}

func (t *DebuggedProcess) loadThreadList() ([]int, error) {
	procs, err := t.fs.AllThreads(t.Process.Pid)
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(procs))
	for _, p := range procs {
		tids = append(tids, p.PID)
	}
	return tids, nil
}

func (t *DebuggedProcess) addThread(tid int, status unix.WaitStatus) {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	t.Threads[tid] = &Thread{Tid: tid, Status: status, Process: t}
}

func (t *DebuggedProcess) removeThread(tid int) {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	delete(t.Threads, tid)
}

func (t *DebuggedProcess) threadIDs() []int {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	tids := make([]int, 0, len(t.Threads))
	for tid := range t.Threads {
		tids = append(tids, tid)
	}
	return tids
}

// Detach 解除对所有线程的跟踪，线程必须处于停止状态
func (t *DebuggedProcess) Detach() error {
	var errs *multierror.Error
	for _, tid := range t.threadIDs() {
		var err error
		t.ExecPtrace(func() {
			err = unix.PtraceDetach(tid)
		})
		if err != nil && err != unix.ESRCH {
			errs = multierror.Append(errs, fmt.Errorf("thread %d detach: %v", tid, err))
			continue
		}
		t.removeThread(tid)
	}
	t.logger.Info("detached", zap.Int("pid", t.Process.Pid))
	return errs.ErrorOrNil()
}

// Kill terminates a launched target.
func (t *DebuggedProcess) Kill() error {
	return unix.Kill(t.Process.Pid, unix.SIGKILL)
}
