// Package user is the user-mode side of the system: a small system call
// library and the builtin applications loaded at boot.
//
// Everything here runs on a task goroutine and reaches the kernel only
// through kernel.User. Arguments that live in memory are placed on the user
// stack first, so the kernel sees them through the task's page table.
package user

import (
	"fmt"

	"rvcore/rvos/kernel"
	"rvcore/rvos/syscall"
)

// chunk bounds how much of the user stack a single write borrows.
const chunk = 1024

// Write writes b to fd and returns the number of bytes written, or -1.
func Write(u *kernel.User, fd uintptr, b []byte) int {
	n := 0
	for len(b) > 0 {
		part := b
		if len(part) > chunk {
			part = part[:chunk]
		}
		va, pop := u.Alloca(len(part))
		u.Store(va, part)
		ret := u.Syscall(syscall.SysWrite, fd, va, uintptr(len(part)))
		pop()
		if ret < 0 {
			return ret
		}
		n += ret
		b = b[len(part):]
	}
	return n
}

// Print formats to stdout.
func Print(u *kernel.User, format string, args ...any) {
	Write(u, syscall.FdStdout, []byte(fmt.Sprintf(format, args...)))
}

// Println prints its operands followed by a newline.
func Println(u *kernel.User, args ...any) {
	Write(u, syscall.FdStdout, []byte(fmt.Sprintln(args...)))
}

// Exit ends the task. It does not return.
func Exit(u *kernel.User, code int32) {
	u.Syscall(syscall.SysExit, uintptr(code), 0, 0)
	panic("user: exit returned")
}

func Yield(u *kernel.User) int {
	return u.Syscall(syscall.SysYield, 0, 0, 0)
}

// GetTimeVal reads the machine time.
func GetTimeVal(u *kernel.User) (syscall.TimeVal, int) {
	var tv syscall.TimeVal
	va, pop := u.Alloca(syscall.TimeValSize)
	defer pop()
	if ret := u.Syscall(syscall.SysGetTime, va, 0, 0); ret != 0 {
		return tv, ret
	}
	if err := tv.UnmarshalBinary(u.Load(va, syscall.TimeValSize)); err != nil {
		return tv, -1
	}
	return tv, 0
}

// GetTime returns the machine time in milliseconds, or -1.
func GetTime(u *kernel.User) int64 {
	tv, ret := GetTimeVal(u)
	if ret != 0 {
		return -1
	}
	return int64(tv.Sec*1000 + tv.Usec/1000)
}

// TaskInfo reads the accounting record of the calling task.
func TaskInfo(u *kernel.User) (syscall.TaskInfo, int) {
	var info syscall.TaskInfo
	va, pop := u.Alloca(syscall.TaskInfoSize)
	defer pop()
	if ret := u.Syscall(syscall.SysTaskInfo, va, 0, 0); ret != 0 {
		return info, ret
	}
	if err := info.UnmarshalBinary(u.Load(va, syscall.TaskInfoSize)); err != nil {
		return info, -1
	}
	return info, 0
}

func Mmap(u *kernel.User, start, length, port uintptr) int {
	return u.Syscall(syscall.SysMmap, start, length, port)
}

func Munmap(u *kernel.User, start, length uintptr) int {
	return u.Syscall(syscall.SysMunmap, start, length, 0)
}

// Sbrk moves the program break by delta and returns the old break, or -1.
func Sbrk(u *kernel.User, delta int64) int {
	return u.Syscall(syscall.SysSbrk, uintptr(delta), 0, 0)
}

func SetPriority(u *kernel.User, prio int64) int {
	return u.Syscall(syscall.SysSetPriority, uintptr(prio), 0, 0)
}

func GetPid(u *kernel.User) int {
	return u.Syscall(syscall.SysGetPid, 0, 0, 0)
}
