package target

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadMemory 读取内存地址addr处的数据，并存储到buf中，函数返回实际读取的字节数
//
// 优先使用process_vm_readv，一次系统调用即可读取大块内存；内核不支持或者
// 权限不足时退回到PTRACE_PEEKDATA。
func (t *DebuggedProcess) ReadMemory(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}

	n, err := unix.ProcessVMReadv(t.Process.Pid, local, remote, 0)
	if err == nil {
		return n, nil
	}
	if err != unix.ENOSYS && err != unix.EPERM {
		return n, fmt.Errorf("process_vm_readv err: %v", err)
	}

	t.ExecPtrace(func() {
		// PtracePeekText 与 PtracePeekData 效果相同
		n, err = unix.PtracePeekData(t.stoppedTid, uintptr(addr), buf)
	})
	return n, err
}

// WriteMemory 将data写入内存地址addr处，代码段同样可写
//
// 必须存在一个处于ptrace-stop状态的线程
func (t *DebuggedProcess) WriteMemory(addr uint64, data []byte) error {
	var (
		n   int
		err error
	)
	t.ExecPtrace(func() {
		n, err = unix.PtracePokeData(t.stoppedTid, uintptr(addr), data)
	})
	if err != nil {
		return fmt.Errorf("ptrace poke data err: %v", err)
	}
	if n != len(data) {
		return fmt.Errorf("ptrace poke data: wrote %d of %d bytes", n, len(data))
	}
	return nil
}
