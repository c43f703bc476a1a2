package kernel

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"rvcore/rvos/task"
)

// PanicInfo describes the first kernel panic. Pid is -1 when the idle loop
// panicked.
type PanicInfo struct {
	Pid   int
	Name  string
	Value any
	Stack []byte
}

// PanicError is what Run returns after a kernel panic.
type PanicError struct {
	Info PanicInfo
}

func (e *PanicError) Error() string {
	if e.Info.Pid < 0 {
		return fmt.Sprintf("kernel panic: %v", e.Info.Value)
	}
	return fmt.Sprintf("kernel panic in task %d (%s): %v", e.Info.Pid, e.Info.Name, e.Info.Value)
}

// Unwrap exposes an error panic value to errors.Is.
func (e *PanicError) Unwrap() error {
	err, _ := e.Info.Value.(error)
	return err
}

type panicState struct {
	active  atomic.Bool
	once    sync.Once
	handler atomic.Value // func(PanicInfo)
	first   atomic.Pointer[PanicError]
}

func (p *panicState) err() error {
	if e := p.first.Load(); e != nil {
		return e
	}
	return nil
}

// InPanicMode reports whether the kernel has panicked.
func (k *Kernel) InPanicMode() bool {
	return k.panics.active.Load()
}

// SetPanicHandler installs the handler called on the first kernel panic.
// It must not panic.
func (k *Kernel) SetPanicHandler(fn func(PanicInfo)) {
	k.panics.handler.Store(fn)
}

func (k *Kernel) raisePanic(tcb *task.ControlBlock, v any) error {
	k.panics.once.Do(func() {
		info := PanicInfo{Pid: -1, Value: v, Stack: debug.Stack()}
		if tcb != nil {
			info.Pid, info.Name = tcb.Pid, tcb.Name
		}
		k.panics.first.Store(&PanicError{Info: info})
		k.panics.active.Store(true)
		k.log.Errorf("[kernel] panic: %v", v)
		if fn, ok := k.panics.handler.Load().(func(PanicInfo)); ok && fn != nil {
			fn(info)
		}
	})
	return k.panics.err()
}
