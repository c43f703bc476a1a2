package kernel

import (
	"errors"

	"rvcore/rvos/mm"
	"rvcore/rvos/syscall"
	"rvcore/rvos/task"
)

// Exit codes the kernel assigns to tasks it kills.
const (
	ExitPageFault          int32 = -2
	ExitIllegalInstruction int32 = -3
)

// Program is a user application. It runs on its task's goroutine and talks
// to the kernel only through u. The returned value is its exit code.
type Program func(u *User) int32

// User is the user-mode side of a task: its trap into the kernel and its
// loads and stores through the task's page table.
type User struct {
	k    *Kernel
	tcb  *task.ControlBlock
	args []string
	sp   uintptr
}

// Pid is the task id.
func (u *User) Pid() int { return u.tcb.Pid }

// Args is argv; Args()[0] is the app name.
func (u *User) Args() []string { return u.args }

// Syscall traps into the kernel.
func (u *User) Syscall(id syscall.ID, a0, a1, a2 uintptr) int {
	return u.k.disp.Syscall(uintptr(id), [3]uintptr{a0, a1, a2})
}

// Store writes data at va. A store the page table refuses kills the task.
func (u *User) Store(va uintptr, data []byte) {
	var err error
	u.tcb.Access(func(in *task.Inner) {
		err = in.MemorySet.CopyOut(mm.VirtAddr(va), data)
	})
	if err != nil {
		u.fault(va, err)
	}
}

// Load reads n bytes at va. A load the page table refuses kills the task.
func (u *User) Load(va uintptr, n int) []byte {
	var (
		b   []byte
		err error
	)
	u.tcb.Access(func(in *task.Inner) {
		b, err = in.MemorySet.CopyIn(mm.VirtAddr(va), n)
	})
	if err != nil {
		u.fault(va, err)
	}
	return b
}

// Alloca reserves n bytes on the user stack, 8-byte aligned, and returns
// their address with a func that pops them again.
func (u *User) Alloca(n int) (uintptr, func()) {
	old := u.sp
	u.sp = (u.sp - uintptr(n)) &^ 7
	return u.sp, func() { u.sp = old }
}

// Illegal kills the task as if it executed an illegal instruction.
func (u *User) Illegal() {
	u.k.log.Errorf("[kernel] IllegalInstruction in application, kernel killed it.")
	u.k.ExitCurrentAndRunNext(ExitIllegalInstruction)
}

func (u *User) fault(va uintptr, err error) {
	if errors.Is(err, mm.ErrAccess) || errors.Is(err, mm.ErrNotMapped) || errors.Is(err, mm.ErrBadAddress) {
		u.k.log.Errorf("[kernel] PageFault in application, bad addr = %#x, kernel killed it.", va)
		u.k.ExitCurrentAndRunNext(ExitPageFault)
	}
	panic(err)
}
