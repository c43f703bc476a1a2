// Package task holds task control blocks and the stride scheduler.
package task

import (
	"fmt"

	"rvcore/rvos/mm"
	"rvcore/rvos/upsafe"
)

const (
	// MaxSyscallNum bounds the per-task syscall accounting table.
	MaxSyscallNum = 500

	// DefaultBigStride is the stride numerator when none is configured.
	DefaultBigStride = 0x10000
	// DefaultPriority is the priority of a new task.
	DefaultPriority = 16
	// MinPriority is the lowest priority a task may be given.
	MinPriority = 2
)

// Status is the lifecycle state of a task.
type Status uint32

const (
	UnInit Status = iota
	Ready
	Running
	Exited
)

func (s Status) String() string {
	switch s {
	case UnInit:
		return "uninit"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// CanBecome reports whether s -> next is a legal transition.
func (s Status) CanBecome(next Status) bool {
	switch s {
	case UnInit:
		return next == Ready
	case Ready:
		return next == Running
	case Running:
		return next == Ready || next == Exited
	default:
		return false
	}
}

// Stride is a wrapping scheduling counter.
type Stride uint64

// Less compares two strides as a signed distance, so the order stays right
// after one of them wraps past the maximum value.
func (s Stride) Less(o Stride) bool {
	return int64(s-o) < 0
}

// Inner is the mutable part of a control block, reached only through the
// block's exclusive cell.
type Inner struct {
	Status       Status
	Context      Context
	SyscallTimes [MaxSyscallNum]uint32
	Started      bool
	StartTime    uint64 // ms
	Stride       Stride
	Priority     uint64
	Pass         Stride
	MemorySet    *mm.MemorySet
	ExitCode     int32
}

// ControlBlock is a task handle. Handles are shared between the ready queue
// and the processor's current slot.
type ControlBlock struct {
	Pid  int
	Name string

	bigStride uint64
	inner     *upsafe.Cell[Inner]
}

// Options configure a new control block.
type Options struct {
	Priority  uint64
	BigStride uint64
	Stride    Stride
}

// New returns an UnInit control block owning ms.
func New(pid int, name string, ms *mm.MemorySet, opts Options) *ControlBlock {
	if opts.BigStride == 0 {
		opts.BigStride = DefaultBigStride
	}
	if opts.Priority < MinPriority {
		opts.Priority = DefaultPriority
	}
	if opts.Priority > opts.BigStride {
		opts.Priority = opts.BigStride
	}
	tcb := &ControlBlock{Pid: pid, Name: name, bigStride: opts.BigStride}
	tcb.inner = upsafe.New(Inner{
		Status:    UnInit,
		Context:   NewContext(),
		Stride:    opts.Stride,
		Priority:  opts.Priority,
		Pass:      Stride(opts.BigStride / opts.Priority),
		MemorySet: ms,
	})
	return tcb
}

// InnerExclusiveAccess returns a scoped handle to the mutable state.
func (t *ControlBlock) InnerExclusiveAccess() *upsafe.RefMut[Inner] {
	return t.inner.Exclusive()
}

// Access runs fn with the mutable state borrowed.
func (t *ControlBlock) Access(fn func(*Inner)) {
	t.inner.Access(fn)
}

// Status returns a snapshot of the task status.
func (t *ControlBlock) Status() Status {
	var s Status
	t.inner.Access(func(in *Inner) { s = in.Status })
	return s
}

// Stride returns a snapshot of the task stride.
func (t *ControlBlock) Stride() Stride {
	var s Stride
	t.inner.Access(func(in *Inner) { s = in.Stride })
	return s
}

func (t *ControlBlock) String() string {
	return fmt.Sprintf("task %d (%s)", t.Pid, t.Name)
}

// SetStatus moves the task to next. Illegal transitions are kernel bugs.
func (in *Inner) SetStatus(next Status) {
	if !in.Status.CanBecome(next) {
		panic(fmt.Sprintf("task: illegal transition %v -> %v", in.Status, next))
	}
	in.Status = next
}

// IncreaseSyscallCount records one call of syscall id. Ids outside the
// accounting table are ignored.
func (in *Inner) IncreaseSyscallCount(id uintptr) {
	if id < MaxSyscallNum {
		in.SyscallTimes[id]++
	}
}

// UpdateStride advances the stride by one pass. Only Manager.Fetch calls it.
func (in *Inner) UpdateStride() {
	in.Stride += in.Pass
}

// SetPriority changes the priority and the pass derived from it. The pass
// must stay positive, so prio may not exceed the big stride.
func (t *ControlBlock) SetPriority(prio uint64) bool {
	if prio < MinPriority || prio > t.bigStride {
		return false
	}
	t.inner.Access(func(in *Inner) {
		in.Priority = prio
		in.Pass = Stride(t.bigStride / prio)
	})
	return true
}
