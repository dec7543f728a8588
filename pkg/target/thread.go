package target

import (
	"golang.org/x/sys/unix"
)

// Thread 线程信息
type Thread struct {
	Tid     int              // thread ID
	Status  unix.WaitStatus  // wait status
	Process *DebuggedProcess // process this thread belongs to

	fresh   bool        // clone出来的线程，初始SIGSTOP尚未上报
	parked  bool        // 停止跟踪时已停下的线程
	pending unix.Signal // 恢复执行时需要注入的信号
}

func (t *DebuggedProcess) thread(tid int) (*Thread, bool) {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	th, ok := t.Threads[tid]
	return th, ok
}

func (t *DebuggedProcess) setParked(tid int) {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	if th, ok := t.Threads[tid]; ok {
		th.parked = true
		th.fresh = false
	}
}

// allParked 所有线程都已停下
func (t *DebuggedProcess) allParked() bool {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	for _, th := range t.Threads {
		if !th.parked {
			return false
		}
	}
	return true
}

// takePending 取出需要注入的信号
func (t *DebuggedProcess) takePending(tid int) int {
	t.threadsMu.Lock()
	defer t.threadsMu.Unlock()
	th, ok := t.Threads[tid]
	if !ok {
		return 0
	}
	sig := th.pending
	th.pending = 0
	return int(sig)
}
