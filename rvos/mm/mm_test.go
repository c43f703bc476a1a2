package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtAddrRounding(t *testing.T) {
	assert.True(t, VirtAddr(0x1000).Aligned())
	assert.False(t, VirtAddr(0x1001).Aligned())
	assert.Equal(t, VirtPageNum(1), VirtAddr(0x1fff).Floor())
	assert.Equal(t, VirtPageNum(2), VirtAddr(0x1001).Ceil())
	assert.Equal(t, VirtPageNum(1), VirtAddr(0x1000).Ceil())

	r := RangeOf(0x10000000, 1)
	assert.Equal(t, VPNRange{Start: 0x10000, End: 0x10001}, r)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 0, RangeOf(0x10000000, 0).Len())
	assert.Equal(t, 3, RangeOf(0x10000000, 2*PageSize+1).Len())
}

func TestVirtPageNumIndexes(t *testing.T) {
	vpn := VirtPageNum(0x1<<18 | 0x2<<9 | 0x3)
	assert.Equal(t, [3]uintptr{1, 2, 3}, vpn.Indexes())
	assert.True(t, vpn.Valid())
	assert.False(t, VirtPageNum(1<<27).Valid())
}

func TestMemoryAllocFree(t *testing.T) {
	mem := NewMemory(DefaultBase, 3)
	a, err := mem.AllocFrame()
	require.NoError(t, err)
	assert.Equal(t, DefaultBase, a)

	mem.Page(a)[0] = 0xAA
	b, err := mem.AllocFrame()
	require.NoError(t, err)
	c, err := mem.AllocFrame()
	require.NoError(t, err)
	assert.Equal(t, 0, mem.FreeFrames())

	_, err = mem.AllocFrame()
	assert.ErrorIs(t, err, ErrOutOfFrames)

	mem.FreeFrame(a)
	assert.Equal(t, 1, mem.FreeFrames())
	again, err := mem.AllocFrame()
	require.NoError(t, err)
	assert.Equal(t, a, again, "recycled frames are reused first")
	assert.Equal(t, byte(0), mem.Page(again)[0], "frames are zeroed on allocation")

	mem.FreeFrame(b)
	assert.Panics(t, func() { mem.FreeFrame(b) })
	assert.Panics(t, func() { mem.FreeFrame(DefaultBase + 10) })
	_ = c
}

func TestPageTableMapTranslateUnmap(t *testing.T) {
	mem := NewMemory(DefaultBase, 16)
	pt, err := NewPageTable(mem)
	require.NoError(t, err)

	vpn := VirtPageNum(0x12345)
	ppn, err := mem.AllocFrame()
	require.NoError(t, err)

	require.NoError(t, pt.Map(vpn, ppn, PTERead|PTEWrite|PTEUser))
	assert.Equal(t, 3, pt.DirectoryFrames(), "root plus two intermediate directories")

	e, ok := pt.Translate(vpn)
	require.True(t, ok)
	assert.Equal(t, ppn, e.PPN())
	assert.True(t, e.Valid())
	assert.True(t, e.Readable())
	assert.True(t, e.Writable())
	assert.False(t, e.Executable())
	assert.Equal(t, "VRW-U---", e.Flags().String())

	pa, ok := pt.TranslateVA(vpn.Addr() + 0x10)
	require.True(t, ok)
	assert.Equal(t, ppn.Addr()+0x10, pa)

	err = pt.Map(vpn, ppn, PTERead)
	assert.ErrorIs(t, err, ErrAlreadyMapped)

	got, err := pt.Unmap(vpn)
	require.NoError(t, err)
	assert.Equal(t, ppn, got)
	_, ok = pt.Translate(vpn)
	assert.False(t, ok)

	_, err = pt.Unmap(vpn)
	assert.ErrorIs(t, err, ErrNotMapped)
	_, err = pt.Unmap(0x7777)
	assert.ErrorIs(t, err, ErrNotMapped)

	assert.ErrorIs(t, pt.Map(vpn, ppn, PTEUser), ErrNoPermission)
	assert.ErrorIs(t, pt.Map(1<<27, ppn, PTERead), ErrBadAddress)

	assert.Equal(t, uint64(8)<<60|uint64(pt.Root()), pt.Token())

	mem.FreeFrame(ppn)
	pt.Release()
	assert.Equal(t, 16, mem.FreeFrames())
}

func TestPageTableEntriesLiveInPhysicalMemory(t *testing.T) {
	mem := NewMemory(DefaultBase, 8)
	pt, err := NewPageTable(mem)
	require.NoError(t, err)

	vpn := VirtPageNum(0x10000)
	require.NoError(t, pt.Map(vpn, DefaultBase+7, PTERead))

	idx := vpn.Indexes()
	root := pt.entry(pt.Root(), idx[0])
	require.True(t, root.Valid())
	assert.False(t, root.leaf())
	mid := pt.entry(root.PPN(), idx[1])
	require.True(t, mid.Valid())
	leaf := pt.entry(mid.PPN(), idx[2])
	assert.Equal(t, DefaultBase+7, leaf.PPN())
}

func newSpace(t *testing.T, frames int) (*Memory, *MemorySet) {
	t.Helper()
	mem := NewMemory(DefaultBase, frames)
	ms, err := NewUserSpace(mem, DefaultImage)
	require.NoError(t, err)
	return mem, ms
}

func TestNewUserSpaceLayout(t *testing.T) {
	_, ms := newSpace(t, 64)

	e, ok := ms.Translate(TextBase.Floor())
	require.True(t, ok)
	assert.Equal(t, PTEValid|PTERead|PTEExec|PTEUser, e.Flags())

	e, ok = ms.Translate(ms.DataBase().Floor())
	require.True(t, ok)
	assert.Equal(t, PTEValid|PTERead|PTEWrite|PTEUser, e.Flags())

	_, ok = ms.Translate(UserStackTop.Floor() - 1)
	assert.True(t, ok)
	_, ok = ms.Translate(ms.HeapBottom().Floor())
	assert.False(t, ok, "heap starts empty")

	assert.Equal(t, 5, ms.MappedPages())
	assert.Equal(t, ms.HeapBottom(), ms.Brk())
	assert.Equal(t, UserStackTop, ms.StackTop())

	_, err := NewUserSpace(NewMemory(DefaultBase, 64), Image{})
	assert.Error(t, err)
}

func TestMmapAtomicOnConflict(t *testing.T) {
	mem, ms := newSpace(t, 64)
	base := VirtAddr(0x10000000).Floor()

	require.NoError(t, ms.Mmap(base+2, base+3, PermR))
	free := mem.FreeFrames()
	mapped := ms.MappedPages()

	err := ms.Mmap(base, base+4, PermR|PermW)
	assert.ErrorIs(t, err, ErrAlreadyMapped)
	assert.Equal(t, free, mem.FreeFrames())
	assert.Equal(t, mapped, ms.MappedPages())
	_, ok := ms.Translate(base)
	assert.False(t, ok, "no page of a rejected call stays mapped")
}

func TestMmapRollsBackOnExhaustion(t *testing.T) {
	mem, ms := newSpace(t, 16)
	base := VirtAddr(0x10000000).Floor()

	free := mem.FreeFrames()
	err := ms.Mmap(base, base+VirtPageNum(free+1), PermR)
	assert.ErrorIs(t, err, ErrOutOfFrames)
	for vpn := base; vpn < base+VirtPageNum(free+1); vpn++ {
		_, ok := ms.Translate(vpn)
		assert.False(t, ok, "%v stayed mapped", vpn)
	}
	assert.Equal(t, 5, ms.MappedPages())
	// directory frames created on the way may stay with the page table.
	assert.GreaterOrEqual(t, mem.FreeFrames(), free-2)
}

func TestMunmapAtomic(t *testing.T) {
	mem, ms := newSpace(t, 64)
	base := VirtAddr(0x10000000).Floor()
	require.NoError(t, ms.Mmap(base, base+2, PermR|PermW))

	err := ms.Munmap(base, base+3)
	assert.ErrorIs(t, err, ErrNotMapped)
	for _, vpn := range []VirtPageNum{base, base + 1} {
		_, ok := ms.Translate(vpn)
		assert.True(t, ok, "%v must remain mapped", vpn)
	}

	free := mem.FreeFrames()
	require.NoError(t, ms.Munmap(base, base+2))
	assert.Equal(t, free+2, mem.FreeFrames())
	assert.ErrorIs(t, ms.Munmap(base, base+1), ErrNotMapped)
}

func TestChangeBrk(t *testing.T) {
	mem, ms := newSpace(t, 64)
	bottom := ms.HeapBottom()
	free := mem.FreeFrames()

	old, err := ms.ChangeBrk(10)
	require.NoError(t, err)
	assert.Equal(t, bottom, old)
	assert.Equal(t, bottom+10, ms.Brk())
	assert.Equal(t, free-1, mem.FreeFrames())

	old, err = ms.ChangeBrk(PageSize)
	require.NoError(t, err)
	assert.Equal(t, bottom+10, old)
	require.NoError(t, ms.CopyOut(bottom+PageSize, []byte{1, 2, 3}))

	old, err = ms.ChangeBrk(-PageSize)
	require.NoError(t, err)
	assert.Equal(t, bottom+10+PageSize, old)
	assert.Equal(t, free-1, mem.FreeFrames())

	_, err = ms.ChangeBrk(-11)
	assert.ErrorIs(t, err, ErrBadBreak)
	assert.Equal(t, bottom+10, ms.Brk(), "failed call keeps the break")

	_, err = ms.ChangeBrk(-10)
	require.NoError(t, err)
	assert.Equal(t, free, mem.FreeFrames())
}

func TestChangeBrkConflictsWithMapping(t *testing.T) {
	_, ms := newSpace(t, 64)
	bottom := ms.HeapBottom()
	require.NoError(t, ms.Mmap(bottom.Floor()+1, bottom.Floor()+2, PermR))

	_, err := ms.ChangeBrk(2 * PageSize)
	assert.ErrorIs(t, err, ErrAlreadyMapped)
	assert.Equal(t, bottom, ms.Brk())
	_, ok := ms.Translate(bottom.Floor())
	assert.False(t, ok)
}

func TestTranslatedByteBufferAcrossPages(t *testing.T) {
	_, ms := newSpace(t, 64)
	va := ms.DataBase() + PageSize - 3

	require.NoError(t, ms.CopyOut(va, []byte("abcdef")))
	bufs, err := ms.TranslatedByteBuffer(va, 6, AccessRead)
	require.NoError(t, err)
	require.Len(t, bufs, 2)
	assert.Equal(t, "abc", string(bufs[0]))
	assert.Equal(t, "def", string(bufs[1]))

	got, err := ms.CopyIn(va, 6)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))

	_, err = ms.TranslatedByteBuffer(TextBase, 4, AccessWrite)
	assert.ErrorIs(t, err, ErrAccess)
	_, err = ms.TranslatedByteBuffer(0x10000000, 4, AccessRead)
	assert.ErrorIs(t, err, ErrNotMapped)

	bufs, err = ms.TranslatedByteBuffer(va, 0, AccessRead)
	assert.NoError(t, err)
	assert.Nil(t, bufs)
}

func TestReleaseReturnsEveryFrame(t *testing.T) {
	mem := NewMemory(DefaultBase, 64)
	ms, err := NewUserSpace(mem, DefaultImage)
	require.NoError(t, err)
	require.NoError(t, ms.Mmap(0x10000, 0x10004, PermR|PermW))
	_, err = ms.ChangeBrk(3 * PageSize)
	require.NoError(t, err)

	ms.Release()
	assert.Equal(t, 64, mem.FreeFrames())
}
