package target

import (
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// wait 等待线程pid的状态变化，必须在tracer线程中执行
func (t *DebuggedProcess) wait(pid, options int) (int, *unix.WaitStatus, error) {
	var s unix.WaitStatus
	if (t.Process.Pid != pid) || (options != 0) {
		wpid, err := unix.Wait4(pid, &s, unix.WALL|options, nil)
		return wpid, &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// with options == 0, while ptracing and the thread leader has exited leaving
	// zombies of its own then waitpid hangs forever this is apparently intended
	// behaviour in the linux kernel because it's just so convenient.
	// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
	// calls and exiting when either wait4 succeeds or we find out that the thread
	// has become a zombie.
	// References:
	// https://sourceware.org/bugzilla/show_bug.cgi?id=12702
	// https://sourceware.org/bugzilla/show_bug.cgi?id=10095
	for {
		wpid, err := unix.Wait4(pid, &s, unix.WNOHANG|unix.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, err
		}
		if t.procState(pid) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func desc(status *unix.WaitStatus) string {
	switch {
	case status == nil:
		return "zombie"
	case status.Continued():
		return "continued"
	case status.Exited():
		return "exited: " + strconv.Itoa(status.ExitStatus())
	case status.Signaled():
		return "signaled: " + status.Signal().String()
	case status.Stopped():
		return "stopped: " + status.StopSignal().String()
	case status.CoreDump():
		return "coredump"
	default:
		return strconv.Itoa(int(*status))
	}
}

// procState 读取/proc/<pid>/stat中的进程状态
func (t *DebuggedProcess) procState(pid int) string {
	p, err := t.fs.Proc(pid)
	if err != nil {
		return ""
	}
	stat, err := p.Stat()
	if err != nil {
		return ""
	}
	return stat.State
}

// Process statuses
const (
	statusSleeping  = "S"
	statusRunning   = "R"
	statusTraceStop = "t"
	statusZombie    = "Z"
)
