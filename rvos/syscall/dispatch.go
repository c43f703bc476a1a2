package syscall

import (
	"context"
	"errors"
	"fmt"
	"io"

	"rvcore/rvos/klog"
	"rvcore/rvos/task"
	"rvcore/rvos/tracing"
)

var (
	// ErrUnsupported is the panic value for an unknown syscall number.
	ErrUnsupported = errors.New("unsupported syscall")
	// ErrUnsupportedFd is the panic value for write to anything but stdout.
	ErrUnsupportedFd = errors.New("unsupported fd in sys_write")
	// ErrNoTask is the panic value for a trap with no task running.
	ErrNoTask = errors.New("syscall outside of a task")
)

// Kernel is the part of the kernel the handlers drive.
type Kernel interface {
	// Current is the running task, nil on the idle path.
	Current() *task.ControlBlock
	// SuspendCurrentAndRunNext returns once the task is scheduled again.
	SuspendCurrentAndRunNext()
	// ExitCurrentAndRunNext does not return.
	ExitCurrentAndRunNext(code int32)
	// Micros is the monotonic machine time.
	Micros() uint64
	// Stdout is the console.
	Stdout() io.Writer
}

// Dispatcher is the single trap entry point for system calls.
type Dispatcher struct {
	k      Kernel
	log    *klog.Logger
	tracer *tracing.Tracer
}

// NewDispatcher returns a dispatcher for k. log and tracer may be nil.
func NewDispatcher(k Kernel, log *klog.Logger, tracer *tracing.Tracer) *Dispatcher {
	return &Dispatcher{k: k, log: log, tracer: tracer}
}

// Syscall serves one system call of the current task and returns its result
// as a signed machine word. The call is counted before it is served, so
// task_info always sees itself.
//
// Unknown ids and writes to fds other than stdout panic.
func (d *Dispatcher) Syscall(id uintptr, args [3]uintptr) int {
	cur := d.k.Current()
	if cur == nil {
		panic(ErrNoTask)
	}
	cur.Access(func(in *task.Inner) { in.IncreaseSyscallCount(id) })

	sid := ID(id)
	if !sid.Known() {
		panic(fmt.Errorf("%w: %d", ErrUnsupported, id))
	}
	d.log.Tracef("[kernel] pid %d: %v(%#x, %#x, %#x)", cur.Pid, sid, args[0], args[1], args[2])

	_, span := d.tracer.StartSpan(context.Background(), "syscall."+sid.String())
	span.SetInt("pid", int64(cur.Pid))
	// deferred so the span also ends when sys_exit ends the task.
	defer tracing.EndSpan(span, nil)
	ret := d.route(cur, sid, args)
	span.SetInt("ret", int64(ret))
	return ret
}

func (d *Dispatcher) route(cur *task.ControlBlock, id ID, args [3]uintptr) int {
	switch id {
	case SysWrite:
		return d.sysWrite(cur, args[0], args[1], args[2])
	case SysExit:
		d.sysExit(int32(args[0]))
		panic("unreachable: sys_exit returned")
	case SysYield:
		return d.sysYield()
	case SysGetTime:
		return d.sysGetTime(cur, args[0], args[1])
	case SysTaskInfo:
		return d.sysTaskInfo(cur, args[0])
	case SysMmap:
		return d.sysMmap(cur, args[0], args[1], args[2])
	case SysMunmap:
		return d.sysMunmap(cur, args[0], args[1])
	case SysSbrk:
		return d.sysSbrk(cur, int64(args[0]))
	case SysSetPriority:
		return d.sysSetPriority(cur, int64(args[0]))
	case SysGetPid:
		return cur.Pid
	}
	panic(fmt.Errorf("%w: %d", ErrUnsupported, uintptr(id)))
}
