package user

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"rvcore/rvos/kernel"
	"rvcore/rvos/mm"
	"rvcore/rvos/syscall"
	"rvcore/rvos/task"
)

var builtins = map[string]kernel.Program{
	"hello":    hello,
	"power":    power,
	"sleep":    sleep,
	"mmap":     mmapTest,
	"sbrk":     sbrkTest,
	"taskinfo": taskInfoTest,
	"stride":   stride,
	"fault":    fault,
}

// Lookup returns the builtin program called name.
func Lookup(name string) (kernel.Program, bool) {
	p, ok := builtins[name]
	return p, ok
}

// Names lists the builtin programs in sorted order.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for n := range builtins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func argInt(u *kernel.User, i int, def int64) int64 {
	args := u.Args()
	if i >= len(args) {
		return def
	}
	v, err := strconv.ParseInt(args[i], 0, 64)
	if err != nil {
		return def
	}
	return v
}

func fail(u *kernel.User, format string, args ...any) int32 {
	Print(u, "[%s] FAIL: %s\n", u.Args()[0], fmt.Sprintf(format, args...))
	return 1
}

func hello(u *kernel.User) int32 {
	Println(u, "Hello, world from user mode program!")
	return 0
}

// power computes base^iterations mod m, yielding every step.
func power(u *kernel.User) int32 {
	base := uint64(argInt(u, 1, 3))
	mod := uint64(argInt(u, 2, 10007))
	if mod == 0 {
		return fail(u, "modulus is zero")
	}
	const (
		iterations = 100000
		step       = 10000
	)
	acc := uint64(1)
	for i := 1; i <= iterations; i++ {
		acc = acc * base % mod
		if i%step == 0 {
			Print(u, "power_%d [%d/%d]\n", base, i, iterations)
			Yield(u)
		}
	}
	Print(u, "%d^%d = %d(MOD %d)\n", base, iterations, acc, mod)
	Print(u, "Test power_%d OK!\n", base)
	return 0
}

// sleep yields until the given number of milliseconds has passed.
func sleep(u *kernel.User) int32 {
	ms := argInt(u, 1, 100)
	start := GetTime(u)
	if start < 0 {
		return fail(u, "get_time")
	}
	for GetTime(u) < start+ms {
		Yield(u)
	}
	Println(u, "Test sleep OK!")
	return 0
}

const mmapStart = 0x1000_0000

func mmapTest(u *kernel.User) int32 {
	const length = 2 * mm.PageSize
	if ret := Mmap(u, mmapStart, length, syscall.PortRead|syscall.PortWrite); ret != 0 {
		return fail(u, "mmap = %d", ret)
	}
	pattern := bytes.Repeat([]byte{0xa5}, length)
	u.Store(mmapStart, pattern)
	if !bytes.Equal(u.Load(mmapStart, length), pattern) {
		return fail(u, "readback mismatch")
	}
	if ret := Mmap(u, mmapStart, mm.PageSize, syscall.PortRead); ret != -1 {
		return fail(u, "overlapping mmap = %d", ret)
	}
	if ret := Mmap(u, mmapStart+length, mm.PageSize, 0); ret != -1 {
		return fail(u, "mmap with port 0 = %d", ret)
	}
	if ret := Munmap(u, mmapStart, length); ret != 0 {
		return fail(u, "munmap = %d", ret)
	}
	if ret := Munmap(u, mmapStart, length); ret != -1 {
		return fail(u, "second munmap = %d", ret)
	}
	Println(u, "Test mmap OK!")
	return 0
}

func sbrkTest(u *kernel.User) int32 {
	origin := Sbrk(u, 0)
	if origin < 0 {
		return fail(u, "sbrk(0) = %d", origin)
	}
	if ret := Sbrk(u, mm.PageSize); ret != origin {
		return fail(u, "sbrk(+page) = %#x, want %#x", ret, origin)
	}
	u.Store(uintptr(origin), []byte("heap"))
	if got := string(u.Load(uintptr(origin), 4)); got != "heap" {
		return fail(u, "heap readback %q", got)
	}
	if ret := Sbrk(u, -mm.PageSize); ret != origin+mm.PageSize {
		return fail(u, "sbrk(-page) = %#x", ret)
	}
	if ret := Sbrk(u, -mm.PageSize); ret != -1 {
		return fail(u, "sbrk below heap bottom = %d", ret)
	}
	Println(u, "Test sbrk OK!")
	return 0
}

func taskInfoTest(u *kernel.User) int32 {
	t1 := GetTime(u)
	Yield(u)
	info, ret := TaskInfo(u)
	if ret != 0 {
		return fail(u, "task_info = %d", ret)
	}
	t2 := GetTime(u)
	switch {
	case info.Status != task.Running:
		return fail(u, "status %v", info.Status)
	case info.SyscallTimes[syscall.SysGetTime] != 1:
		return fail(u, "get_time count %d", info.SyscallTimes[syscall.SysGetTime])
	case info.SyscallTimes[syscall.SysYield] != 1:
		return fail(u, "yield count %d", info.SyscallTimes[syscall.SysYield])
	case info.SyscallTimes[syscall.SysTaskInfo] != 1:
		return fail(u, "task_info count %d", info.SyscallTimes[syscall.SysTaskInfo])
	case t1 < 0 || t2 < t1:
		return fail(u, "clock went from %d to %d", t1, t2)
	}
	Println(u, "Test task info OK!")
	return 0
}

// stride sets its priority from argv[1] and counts how often it is scheduled
// until the deadline in argv[2] milliseconds has passed.
func stride(u *kernel.User) int32 {
	prio := argInt(u, 1, 16)
	if SetPriority(u, prio) != int(prio) {
		return fail(u, "set_priority(%d)", prio)
	}
	deadline := GetTime(u) + argInt(u, 2, 200)
	count := 0
	for GetTime(u) < deadline {
		count++
		Yield(u)
	}
	Print(u, "priority = %d, exitcode = %d\n", prio, count)
	return int32(count)
}

// fault stores to an unmapped address and is killed by the kernel.
func fault(u *kernel.User) int32 {
	Println(u, "Into Test store_fault, we will insert an invalid store operation...")
	Println(u, "Kernel should kill this application!")
	u.Store(0, []byte{0})
	return 0
}
