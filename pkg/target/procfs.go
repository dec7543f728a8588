package target

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// readProcComm read /proc/pid/comm to load the command name of process.
func readProcComm(fs procfs.FS, pid int) (string, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return "", fmt.Errorf("process %d not existed: %v", pid, err)
	}
	comm, err := p.Comm()
	if err != nil {
		return "", fmt.Errorf("could not read proc comm: %v", err)
	}
	return strings.TrimSpace(comm), nil
}

// readProcCommArgs read /proc/pid/cmdline to load the command arguments of process
func readProcCommArgs(fs procfs.FS, pid int) ([]string, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	args, err := p.CmdLine()
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		args = args[1:]
	}
	return args, nil
}
