package syscall

import (
	"bytes"
	"io"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"rvcore/rvos/mm"
	"rvcore/rvos/task"
	"rvcore/rvos/tracing"
)

type fakeKernel struct {
	cur      *task.ControlBlock
	out      bytes.Buffer
	now      uint64
	yields   int
	exitCode *int32
}

func (k *fakeKernel) Current() *task.ControlBlock { return k.cur }
func (k *fakeKernel) SuspendCurrentAndRunNext()   { k.yields++ }
func (k *fakeKernel) Micros() uint64              { return k.now }
func (k *fakeKernel) Stdout() io.Writer           { return &k.out }

func (k *fakeKernel) ExitCurrentAndRunNext(code int32) {
	k.exitCode = &code
	runtime.Goexit()
}

type fixture struct {
	k   *fakeKernel
	d   *Dispatcher
	mem *mm.Memory
	ms  *mm.MemorySet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := mm.NewMemory(mm.DefaultBase, 128)
	ms, err := mm.NewUserSpace(mem, mm.DefaultImage)
	require.NoError(t, err)

	tcb := task.New(1, "t", ms, task.Options{})
	tcb.Access(func(in *task.Inner) {
		in.SetStatus(task.Ready)
		in.SetStatus(task.Running)
		in.Started = true
		in.StartTime = 1000
	})
	k := &fakeKernel{cur: tcb, now: 1_500_000}
	return &fixture{k: k, d: NewDispatcher(k, nil, nil), mem: mem, ms: ms}
}

func (f *fixture) call(id ID, a0, a1, a2 uintptr) int {
	return f.d.Syscall(uintptr(id), [3]uintptr{a0, a1, a2})
}

const mmapBase = uintptr(0x1000_0000)

func TestRecordRoundTrip(t *testing.T) {
	b, err := TimeVal{Sec: 12, Usec: 345}.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, TimeValSize)
	assert.Equal(t, []byte{12, 0, 0, 0, 0, 0, 0, 0, 0x59, 1, 0, 0, 0, 0, 0, 0}, b)
	var tv TimeVal
	require.NoError(t, tv.UnmarshalBinary(b))
	assert.Equal(t, TimeVal{Sec: 12, Usec: 345}, tv)
	assert.Error(t, tv.UnmarshalBinary(b[:8]))

	in := TaskInfo{Status: task.Running, Time: 999}
	in.SyscallTimes[64] = 3
	in.SyscallTimes[410] = 1
	b, err = in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 2016)
	assert.Equal(t, byte(2), b[0])
	assert.Equal(t, byte(3), b[4+4*64])
	assert.Equal(t, []byte{0xe7, 0x03}, b[2008:2010])

	var out TaskInfo
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)
	assert.Error(t, out.UnmarshalBinary(b[1:]))

	assert.Equal(t, TimeVal{Sec: 3, Usec: 7}, TimeValFromMicros(3_000_007))
}

func TestWrite(t *testing.T) {
	f := newFixture(t)
	va := f.ms.DataBase() + mm.PageSize - 2
	require.NoError(t, f.ms.CopyOut(va, []byte("hello")))

	assert.Equal(t, 5, f.call(SysWrite, FdStdout, uintptr(va), 5))
	assert.Equal(t, "hello", f.k.out.String())

	assert.Equal(t, -1, f.call(SysWrite, FdStdout, mmapBase, 5), "unmapped buffer")
	assert.Equal(t, 0, f.call(SysWrite, FdStdout, mmapBase, 0))
	assert.Equal(t, -1, f.call(SysWrite, FdStdout, uintptr(va), 1<<63), "length does not fit")
	assert.Equal(t, -1, f.call(SysWrite, FdStdout, ^uintptr(0)-1, 4), "range wraps")
	assert.Equal(t, -1, f.call(SysWrite, FdStdout, uintptr(mm.AddrLimit)-2, 4), "range leaves user space")
	assert.Equal(t, "hello", f.k.out.String())

	assert.PanicsWithError(t, "unsupported fd in sys_write: 2", func() {
		f.call(SysWrite, 2, uintptr(va), 5)
	})
}

func TestUnknownSyscallPanicsAfterCounting(t *testing.T) {
	f := newFixture(t)
	assert.PanicsWithError(t, "unsupported syscall: 300", func() {
		f.d.Syscall(300, [3]uintptr{})
	})
	f.k.cur.Access(func(in *task.Inner) {
		assert.Equal(t, uint32(1), in.SyscallTimes[300])
	})

	f.k.cur = nil
	assert.PanicsWithError(t, ErrNoTask.Error(), func() { f.call(SysGetPid, 0, 0, 0) })
}

func TestMmapPortValidation(t *testing.T) {
	for port := uintptr(0); port < 16; port++ {
		f := newFixture(t)
		ret := f.call(SysMmap, mmapBase, mm.PageSize, port)
		if port >= 1 && port <= 7 {
			require.Equal(t, 0, ret, "port %d", port)
			e, ok := f.ms.Translate(mm.VirtAddr(mmapBase).Floor())
			require.True(t, ok)
			assert.Equal(t, mm.PTEValid|mm.PTEUser|mm.PTEFlags(port<<1), e.Flags(), "port %d", port)
		} else {
			assert.Equal(t, -1, ret, "port %d", port)
			_, ok := f.ms.Translate(mm.VirtAddr(mmapBase).Floor())
			assert.False(t, ok)
		}
	}
}

func TestMmapAlignmentAndLength(t *testing.T) {
	f := newFixture(t)
	for _, length := range []uintptr{0, 1, mm.PageSize, 3 * mm.PageSize} {
		assert.Equal(t, -1, f.call(SysMmap, mmapBase+1, length, PortRead), "len %d", length)
		assert.Equal(t, -1, f.call(SysMmap, mmapBase+mm.PageSize/2, length, PortRead), "len %d", length)
	}

	mapped, free := f.ms.MappedPages(), f.mem.FreeFrames()
	assert.Equal(t, 0, f.call(SysMmap, mmapBase, 0, PortRead|PortWrite))
	assert.Equal(t, mapped, f.ms.MappedPages())
	assert.Equal(t, free, f.mem.FreeFrames())

	assert.Equal(t, 0, f.call(SysMmap, mmapBase, mm.PageSize+1, PortRead|PortWrite))
	assert.Equal(t, mapped+2, f.ms.MappedPages(), "length rounds up to whole pages")

	assert.Equal(t, -1, f.call(SysMmap, mmapBase, mm.PageSize, PortRead), "already mapped")
	assert.Equal(t, -1, f.call(SysMmap, mmapBase+4*mm.PageSize, ^uintptr(0)-mm.PageSize, PortRead), "range overflows")
}

func TestMunmapPolicy(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 0, f.call(SysMmap, mmapBase, 2*mm.PageSize, PortRead|PortWrite))

	assert.Equal(t, -1, f.call(SysMunmap, mmapBase, 3*mm.PageSize, 0))
	for i := uintptr(0); i < 2; i++ {
		_, ok := f.ms.Translate(mm.VirtAddr(mmapBase + i*mm.PageSize).Floor())
		assert.True(t, ok, "page %d must stay mapped", i)
	}
	assert.Equal(t, -1, f.call(SysMunmap, mmapBase+1, mm.PageSize, 0))

	free := f.mem.FreeFrames()
	assert.Equal(t, 0, f.call(SysMunmap, mmapBase, 2*mm.PageSize, 0))
	assert.Equal(t, free+2, f.mem.FreeFrames())
	assert.Equal(t, -1, f.call(SysMunmap, mmapBase, mm.PageSize, 0))
}

func TestSbrk(t *testing.T) {
	f := newFixture(t)
	bottom := f.ms.HeapBottom()

	assert.Equal(t, int(bottom), f.call(SysSbrk, 2*mm.PageSize, 0, 0))
	assert.Equal(t, int(bottom+2*mm.PageSize), f.call(SysSbrk, 0, 0, 0))

	shrink := int64(-mm.PageSize)
	assert.Equal(t, int(bottom+2*mm.PageSize), f.call(SysSbrk, uintptr(shrink), 0, 0))

	tooFar := int64(-100 * mm.PageSize)
	assert.Equal(t, -1, f.call(SysSbrk, uintptr(tooFar), 0, 0))
	assert.Equal(t, bottom+mm.PageSize, f.ms.Brk())
}

func TestGetTimeStraddlesPages(t *testing.T) {
	f := newFixture(t)
	f.k.now = 12_000_345
	va := f.ms.DataBase() + mm.PageSize - 8

	require.Equal(t, 0, f.call(SysGetTime, uintptr(va), 0, 0))
	b, err := f.ms.CopyIn(va, TimeValSize)
	require.NoError(t, err)
	var tv TimeVal
	require.NoError(t, tv.UnmarshalBinary(b))
	assert.Equal(t, TimeVal{Sec: 12, Usec: 345}, tv)

	assert.Equal(t, -1, f.call(SysGetTime, uintptr(mm.TextBase), 0, 0), "text is not writable")
}

func TestTaskInfoCountsInFlightCall(t *testing.T) {
	f := newFixture(t)
	va := f.ms.DataBase()

	f.call(SysGetTime, uintptr(va), 0, 0)
	f.call(SysYield, 0, 0, 0)
	f.call(SysYield, 0, 0, 0)
	assert.Equal(t, 2, f.k.yields)

	f.k.now = 2_500_000
	require.Equal(t, 0, f.call(SysTaskInfo, uintptr(va), 0, 0))

	b, err := f.ms.CopyIn(va, TaskInfoSize)
	require.NoError(t, err)
	var info TaskInfo
	require.NoError(t, info.UnmarshalBinary(b))
	assert.Equal(t, task.Running, info.Status)
	assert.Equal(t, uint32(1), info.SyscallTimes[SysGetTime])
	assert.Equal(t, uint32(2), info.SyscallTimes[SysYield])
	assert.Equal(t, uint32(1), info.SyscallTimes[SysTaskInfo])
	assert.Equal(t, uint64(1500), info.Time)

	assert.Equal(t, -1, f.call(SysTaskInfo, mmapBase, 0, 0))
}

func TestPriorityAndPid(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, -1, f.call(SysSetPriority, 1, 0, 0))
	assert.Equal(t, -1, f.call(SysSetPriority, 0, 0, 0))
	assert.Equal(t, -1, f.call(SysSetPriority, 1<<20, 0, 0))
	f.k.cur.Access(func(in *task.Inner) {
		assert.Equal(t, uint64(task.DefaultPriority), in.Priority)
		assert.NotZero(t, in.Pass)
	})
	assert.Equal(t, 5, f.call(SysSetPriority, 5, 0, 0))
	f.k.cur.Access(func(in *task.Inner) {
		assert.Equal(t, uint64(5), in.Priority)
	})
	assert.Equal(t, 1, f.call(SysGetPid, 0, 0, 0))
}

func TestExitDoesNotReturn(t *testing.T) {
	f := newFixture(t)
	returned := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.call(SysExit, uintptr(3), 0, 0)
		returned = true
	}()
	<-done
	assert.False(t, returned)
	require.NotNil(t, f.k.exitCode)
	assert.Equal(t, int32(3), *f.k.exitCode)
}

func TestSyscallSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tr, err := tracing.NewWithExporter(tracing.Resource{Service: "test"}, exp)
	require.NoError(t, err)

	f := newFixture(t)
	f.d = NewDispatcher(f.k, nil, tr)
	f.call(SysGetPid, 0, 0, 0)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "syscall.getpid", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.Int64("pid", 1))
	assert.Contains(t, spans[0].Attributes, attribute.Int64("ret", 1))
}

func TestIDNames(t *testing.T) {
	assert.Equal(t, "task_info", SysTaskInfo.String())
	assert.Equal(t, "syscall(7)", ID(7).String())
	assert.True(t, SysSbrk.Known())
	assert.False(t, ID(0).Known())
}
