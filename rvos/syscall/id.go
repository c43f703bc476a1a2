// Package syscall decodes system calls issued by user programs and routes
// them to kernel operations.
package syscall

import "fmt"

// ID is a system call number. The values are a fixed ABI.
type ID uintptr

const (
	SysWrite       ID = 64
	SysExit        ID = 93
	SysYield       ID = 124
	SysSetPriority ID = 140
	SysGetTime     ID = 169
	SysGetPid      ID = 172
	SysSbrk        ID = 214
	SysMunmap      ID = 215
	SysMmap        ID = 222
	SysTaskInfo    ID = 410
)

var names = map[ID]string{
	SysWrite:       "write",
	SysExit:        "exit",
	SysYield:       "yield",
	SysSetPriority: "set_priority",
	SysGetTime:     "get_time",
	SysGetPid:      "getpid",
	SysSbrk:        "sbrk",
	SysMunmap:      "munmap",
	SysMmap:        "mmap",
	SysTaskInfo:    "task_info",
}

func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("syscall(%d)", uintptr(id))
}

// Known reports whether id is served by the dispatcher.
func (id ID) Known() bool {
	_, ok := names[id]
	return ok
}

// FdStdout is the only file descriptor write accepts.
const FdStdout = 1

// Port bits of mmap: bit 0 read, bit 1 write, bit 2 execute.
const (
	PortRead  = 1 << 0
	PortWrite = 1 << 1
	PortExec  = 1 << 2
	portMask  = PortRead | PortWrite | PortExec
)
