package syscall

import (
	"encoding"
	"fmt"

	"rvcore/rvos/mm"
	"rvcore/rvos/task"
)

func (d *Dispatcher) sysWrite(cur *task.ControlBlock, fd, buf, n uintptr) int {
	if fd != FdStdout {
		panic(fmt.Errorf("%w: %d", ErrUnsupportedFd, fd))
	}
	if limit := uintptr(mm.AddrLimit); n > limit || buf > limit-n {
		d.log.Debugf("[kernel] pid %d: write: buffer %#x+%d outside user space", cur.Pid, buf, n)
		return -1
	}
	var (
		bufs [][]byte
		err  error
	)
	cur.Access(func(in *task.Inner) {
		bufs, err = in.MemorySet.TranslatedByteBuffer(mm.VirtAddr(buf), int(n), mm.AccessRead)
	})
	if err != nil {
		d.log.Debugf("[kernel] pid %d: write: %v", cur.Pid, err)
		return -1
	}
	out := d.k.Stdout()
	for _, b := range bufs {
		if _, err := out.Write(b); err != nil {
			d.log.Warnf("[kernel] stdout: %v", err)
			return -1
		}
	}
	return int(n)
}

func (d *Dispatcher) sysExit(code int32) {
	d.log.Infof("[kernel] Application exited with code %d", code)
	d.k.ExitCurrentAndRunNext(code)
}

func (d *Dispatcher) sysYield() int {
	d.k.SuspendCurrentAndRunNext()
	return 0
}

func (d *Dispatcher) sysGetTime(cur *task.ControlBlock, ts, _tz uintptr) int {
	return d.copyOut(cur, "get_time", ts, TimeValFromMicros(d.k.Micros()))
}

func (d *Dispatcher) sysTaskInfo(cur *task.ControlBlock, ti uintptr) int {
	nowMs := d.k.Micros() / 1000
	var info TaskInfo
	cur.Access(func(in *task.Inner) {
		info.Status = in.Status
		info.SyscallTimes = in.SyscallTimes
		if in.Started {
			info.Time = nowMs - in.StartTime
		}
	})
	return d.copyOut(cur, "task_info", ti, info)
}

func (d *Dispatcher) copyOut(cur *task.ControlBlock, what string, va uintptr, rec encoding.BinaryMarshaler) int {
	b, err := rec.MarshalBinary()
	if err == nil {
		cur.Access(func(in *task.Inner) {
			err = in.MemorySet.CopyOut(mm.VirtAddr(va), b)
		})
	}
	if err != nil {
		d.log.Debugf("[kernel] pid %d: %s: %v", cur.Pid, what, err)
		return -1
	}
	return 0
}

// userRange checks the arguments shared by mmap and munmap and returns the
// page range covering [start, start+length).
func userRange(start, length uintptr) (mm.VPNRange, bool) {
	if !mm.VirtAddr(start).Aligned() {
		return mm.VPNRange{}, false
	}
	end := start + length
	if end < start || mm.VirtAddr(end) > mm.AddrLimit {
		return mm.VPNRange{}, false
	}
	return mm.RangeOf(mm.VirtAddr(start), length), true
}

func (d *Dispatcher) sysMmap(cur *task.ControlBlock, start, length, port uintptr) int {
	if !mm.VirtAddr(start).Aligned() {
		return -1
	}
	if port&^portMask != 0 || port&portMask == 0 {
		return -1
	}
	if length == 0 {
		return 0
	}
	r, ok := userRange(start, length)
	if !ok {
		return -1
	}
	perm := mm.MapPermission(port << 1)

	var err error
	cur.Access(func(in *task.Inner) {
		err = in.MemorySet.Mmap(r.Start, r.End, perm)
	})
	if err != nil {
		d.log.Debugf("[kernel] pid %d: mmap %#x+%#x: %v", cur.Pid, start, length, err)
		return -1
	}
	return 0
}

func (d *Dispatcher) sysMunmap(cur *task.ControlBlock, start, length uintptr) int {
	r, ok := userRange(start, length)
	if !ok {
		return -1
	}
	var err error
	cur.Access(func(in *task.Inner) {
		err = in.MemorySet.Munmap(r.Start, r.End)
	})
	if err != nil {
		d.log.Debugf("[kernel] pid %d: munmap %#x+%#x: %v", cur.Pid, start, length, err)
		return -1
	}
	return 0
}

func (d *Dispatcher) sysSbrk(cur *task.ControlBlock, delta int64) int {
	var (
		old mm.VirtAddr
		err error
	)
	cur.Access(func(in *task.Inner) {
		old, err = in.MemorySet.ChangeBrk(delta)
	})
	if err != nil {
		d.log.Debugf("[kernel] pid %d: sbrk %d: %v", cur.Pid, delta, err)
		return -1
	}
	return int(old)
}

func (d *Dispatcher) sysSetPriority(cur *task.ControlBlock, prio int64) int {
	if prio < task.MinPriority || !cur.SetPriority(uint64(prio)) {
		return -1
	}
	return int(prio)
}
