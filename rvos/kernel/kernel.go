// Package kernel ties the task manager, the processor and the syscall
// dispatcher into one kernel instance.
//
// Every task runs on its own goroutine, but only one goroutine executes at a
// time: the processor hands the CPU over explicitly with task.Switch. The
// goroutine calling Run is the idle control flow that picks the next task.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"rvcore/hal"
	"rvcore/rvos/klog"
	"rvcore/rvos/mm"
	"rvcore/rvos/syscall"
	"rvcore/rvos/task"
	"rvcore/rvos/tracing"
	"rvcore/rvos/upsafe"
)

var (
	ErrNoClock = errors.New("kernel: no clock")
	ErrRunning = errors.New("kernel: already running")
	ErrHalted  = errors.New("kernel: halted")
)

// Config holds the boot parameters.
type Config struct {
	Frames          int
	BigStride       uint64
	DefaultPriority uint64
}

// Deps are the collaborators the kernel talks to. Only Clock is required.
type Deps struct {
	Clock  hal.Time
	Stdout io.Writer
	Log    *klog.Logger
	Tracer *tracing.Tracer
}

// Kernel is one kernel instance. Instances share nothing, so tests can run
// several side by side.
type Kernel struct {
	cfg    Config
	mem    *mm.Memory
	clock  hal.Time
	stdout io.Writer
	log    *klog.Logger
	tracer *tracing.Tracer
	disp   *syscall.Dispatcher

	manager   *upsafe.Cell[*task.Manager]
	processor *upsafe.Cell[processor]
	table     *upsafe.Cell[taskTable]

	running atomic.Bool
	halted  atomic.Bool
	live    errgroup.Group
	panics  panicState
}

type processor struct {
	current *task.ControlBlock
	idle    task.Context
}

type taskTable struct {
	nextPid int
	tasks   []*task.ControlBlock
}

// New returns a kernel with an empty ready queue.
func New(cfg Config, deps Deps) (*Kernel, error) {
	if deps.Clock == nil {
		return nil, ErrNoClock
	}
	if cfg.Frames <= 0 {
		return nil, fmt.Errorf("kernel: invalid frame count %d", cfg.Frames)
	}
	if cfg.BigStride == 0 {
		cfg.BigStride = task.DefaultBigStride
	}
	if cfg.DefaultPriority < task.MinPriority {
		cfg.DefaultPriority = task.DefaultPriority
	}
	if deps.Stdout == nil {
		deps.Stdout = io.Discard
	}

	k := &Kernel{
		cfg:       cfg,
		mem:       mm.NewMemory(mm.DefaultBase, cfg.Frames),
		clock:     deps.Clock,
		stdout:    deps.Stdout,
		log:       deps.Log,
		tracer:    deps.Tracer,
		manager:   upsafe.New(task.NewManager()),
		processor: upsafe.New(processor{idle: task.NewContext()}),
		table:     upsafe.New(taskTable{}),
	}
	k.disp = syscall.NewDispatcher(k, deps.Log, deps.Tracer)
	return k, nil
}

// Memory is the physical frame pool.
func (k *Kernel) Memory() *mm.Memory { return k.mem }

// Micros is the machine time in microseconds.
func (k *Kernel) Micros() uint64 { return k.clock.Micros() }

func (k *Kernel) nowMs() uint64 { return k.clock.Micros() / 1000 }

// Stdout is the console the write syscall prints to.
func (k *Kernel) Stdout() io.Writer { return k.stdout }

// Current returns the running task, or nil on the idle path.
func (k *Kernel) Current() *task.ControlBlock {
	var cur *task.ControlBlock
	k.processor.Access(func(p *processor) { cur = p.current })
	return cur
}

// Tasks returns every task spawned so far, in pid order.
func (k *Kernel) Tasks() []*task.ControlBlock {
	var out []*task.ControlBlock
	k.table.Access(func(t *taskTable) {
		out = append(out, t.tasks...)
	})
	return out
}

// SpawnOptions tune a new task. Zero values select the defaults.
type SpawnOptions struct {
	Priority uint64
	Image    mm.Image
	Args     []string
}

// Spawn loads prog into a fresh address space and makes it Ready.
func (k *Kernel) Spawn(name string, prog Program, opts SpawnOptions) (*task.ControlBlock, error) {
	if k.halted.Load() {
		return nil, ErrHalted
	}
	img := opts.Image
	if img == (mm.Image{}) {
		img = mm.DefaultImage
	}
	ms, err := mm.NewUserSpace(k.mem, img)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	prio := opts.Priority
	if prio == 0 {
		prio = k.cfg.DefaultPriority
	}
	if prio < task.MinPriority {
		ms.Release()
		return nil, fmt.Errorf("spawn %s: priority %d below %d", name, prio, task.MinPriority)
	}
	if prio > k.cfg.BigStride {
		ms.Release()
		return nil, fmt.Errorf("spawn %s: priority %d above big stride %d", name, prio, k.cfg.BigStride)
	}

	var pid int
	k.table.Access(func(t *taskTable) {
		pid = t.nextPid
		t.nextPid++
	})
	tcb := task.New(pid, name, ms, task.Options{Priority: prio, BigStride: k.cfg.BigStride})

	var start task.Context
	tcb.Access(func(in *task.Inner) {
		in.SetStatus(task.Ready)
		start = in.Context
	})
	u := &User{k: k, tcb: tcb, args: append([]string{name}, opts.Args...), sp: uintptr(ms.StackTop())}
	k.live.Go(func() error {
		k.runTask(tcb, prog, u, start)
		return nil
	})

	k.table.Access(func(t *taskTable) { t.tasks = append(t.tasks, tcb) })
	k.manager.Access(func(m **task.Manager) { (*m).Add(tcb) })
	k.log.Debugf("[kernel] loaded app %d %q, token %#x", pid, name, ms.Token())
	return tcb, nil
}

// runTask is the body of a task goroutine. It waits for its first schedule,
// runs the program and exits with its result.
func (k *Kernel) runTask(tcb *task.ControlBlock, prog Program, u *User, start task.Context) {
	defer k.recoverTask(tcb)
	start.Park()
	if k.halted.Load() {
		return
	}
	code := prog(u)
	u.Syscall(syscall.SysExit, uintptr(code), 0, 0)
}

// Run is the processor's idle loop: it fetches the ready task with the
// smallest stride, switches to it and regains control when the task yields
// or exits. Run returns nil once every task has exited, ctx.Err() when ctx
// is done and a *PanicError when the kernel panicked.
//
// Stopping early halts the kernel: the remaining tasks are ended without
// running again and their frames go back to the pool.
func (k *Kernel) Run(ctx context.Context) (err error) {
	if !k.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer k.running.Store(false)

	_, span := k.tracer.StartSpan(ctx, "kernel.run")
	defer func() { tracing.EndSpan(span, err) }()
	defer func() {
		if err != nil {
			k.halt()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = k.raisePanic(nil, r)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if perr := k.panics.err(); perr != nil {
			return perr
		}
		if k.halted.Load() {
			return ErrHalted
		}

		var next *task.ControlBlock
		k.manager.Access(func(m **task.Manager) { next = (*m).Fetch() })
		if next == nil {
			k.log.Infof("[kernel] All applications completed!")
			return nil
		}

		var nextCtx task.Context
		next.Access(func(in *task.Inner) {
			in.SetStatus(task.Running)
			if !in.Started {
				in.Started = true
				in.StartTime = k.nowMs()
			}
			nextCtx = in.Context
		})
		var idle task.Context
		k.processor.Access(func(p *processor) {
			p.current = next
			idle = p.idle
		})
		task.Switch(&idle, &nextCtx)
	}
}

func (k *Kernel) takeCurrent() (*task.ControlBlock, task.Context) {
	var (
		cur  *task.ControlBlock
		idle task.Context
	)
	k.processor.Access(func(p *processor) {
		cur, p.current = p.current, nil
		idle = p.idle
	})
	if cur == nil {
		panic("kernel: no current task")
	}
	return cur, idle
}

// SuspendCurrentAndRunNext puts the running task back on the ready queue and
// switches to the idle loop. It returns when the task is scheduled again.
func (k *Kernel) SuspendCurrentAndRunNext() {
	cur, idle := k.takeCurrent()
	var taskCtx task.Context
	cur.Access(func(in *task.Inner) {
		in.SetStatus(task.Ready)
		taskCtx = in.Context
	})
	k.manager.Access(func(m **task.Manager) { (*m).Add(cur) })
	task.Switch(&taskCtx, &idle)
	if k.halted.Load() {
		runtime.Goexit()
	}
}

// halt ends every task goroutine still parked and frees the address spaces
// left behind. Only the idle control flow calls it.
func (k *Kernel) halt() {
	if k.halted.Swap(true) {
		return
	}
	var parked []*task.ControlBlock
	k.manager.Access(func(m **task.Manager) {
		for t := (*m).Fetch(); t != nil; t = (*m).Fetch() {
			parked = append(parked, t)
		}
	})
	k.processor.Access(func(p *processor) {
		if p.current != nil {
			parked = append(parked, p.current)
			p.current = nil
		}
	})
	for _, t := range parked {
		var c task.Context
		t.Access(func(in *task.Inner) { c = in.Context })
		c.Resume()
	}
	_ = k.live.Wait()

	freed := 0
	for _, t := range k.Tasks() {
		var ms *mm.MemorySet
		t.Access(func(in *task.Inner) { ms, in.MemorySet = in.MemorySet, nil })
		if ms != nil {
			ms.Release()
			freed++
		}
	}
	k.log.Debugf("[kernel] halted, %d address spaces freed, %d frames free", freed, k.mem.FreeFrames())
}

// ExitCurrentAndRunNext marks the running task Exited, frees its address
// space and ends its goroutine. It does not return.
func (k *Kernel) ExitCurrentAndRunNext(code int32) {
	cur, idle := k.takeCurrent()
	var ms *mm.MemorySet
	cur.Access(func(in *task.Inner) {
		in.SetStatus(task.Exited)
		in.ExitCode = code
		ms, in.MemorySet = in.MemorySet, nil
	})
	if ms != nil {
		ms.Release()
	}
	k.log.Debugf("[kernel] %v exited with %d, %d frames free", cur, code, k.mem.FreeFrames())
	idle.Resume()
	runtime.Goexit()
}

// recoverTask turns a panic on a task goroutine into a kernel panic and hands
// the CPU back to the idle loop, which then stops.
func (k *Kernel) recoverTask(tcb *task.ControlBlock) {
	r := recover()
	if r == nil {
		return
	}
	k.raisePanic(tcb, r)
	var idle task.Context
	k.processor.Access(func(p *processor) { idle = p.idle })
	idle.Resume()
}
