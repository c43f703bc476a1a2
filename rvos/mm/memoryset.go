package mm

import (
	"fmt"
	"sort"
)

// MapPermission is the subset of PTE flags a user mapping may carry.
type MapPermission uint8

const (
	PermR MapPermission = MapPermission(PTERead)
	PermW MapPermission = MapPermission(PTEWrite)
	PermX MapPermission = MapPermission(PTEExec)
	PermU MapPermission = MapPermission(PTEUser)
)

// User address-space layout.
const (
	TextBase     VirtAddr = 0x10000
	UserStackTop VirtAddr = 0x8000_0000
)

// Image describes the user program an address space is built for. The ELF
// loader is not part of this kernel; page counts stand in for its segments.
type Image struct {
	TextPages  int
	DataPages  int
	StackPages int
}

// DefaultImage is used when an app does not specify its own layout.
var DefaultImage = Image{TextPages: 1, DataPages: 2, StackPages: 2}

// MemorySet is a task address space: a page table plus the frames backing
// every user page mapped through it.
type MemorySet struct {
	mem    *Memory
	pt     *PageTable
	frames map[VirtPageNum]PhysPageNum

	dataBase   VirtAddr
	heapBottom VirtAddr
	brk        VirtAddr
	stackTop   VirtAddr
}

// NewMemorySet returns an empty address space.
func NewMemorySet(mem *Memory) (*MemorySet, error) {
	pt, err := NewPageTable(mem)
	if err != nil {
		return nil, err
	}
	return &MemorySet{
		mem:    mem,
		pt:     pt,
		frames: make(map[VirtPageNum]PhysPageNum),
	}, nil
}

// NewUserSpace builds the address space of a freshly loaded program:
// text (R|X), data (R|W), an empty heap right after data and the user stack
// below UserStackTop.
func NewUserSpace(mem *Memory, img Image) (*MemorySet, error) {
	if img.TextPages <= 0 || img.DataPages < 0 || img.StackPages <= 0 {
		return nil, fmt.Errorf("invalid image layout %+v", img)
	}
	ms, err := NewMemorySet(mem)
	if err != nil {
		return nil, err
	}

	text := VPNRange{Start: TextBase.Floor(), End: TextBase.Floor() + VirtPageNum(img.TextPages)}
	data := VPNRange{Start: text.End, End: text.End + VirtPageNum(img.DataPages)}
	stack := VPNRange{Start: UserStackTop.Floor() - VirtPageNum(img.StackPages), End: UserStackTop.Floor()}

	for _, a := range []struct {
		r    VPNRange
		perm MapPermission
	}{
		{text, PermR | PermX | PermU},
		{data, PermR | PermW | PermU},
		{stack, PermR | PermW | PermU},
	} {
		if err := ms.MapRange(a.r, a.perm); err != nil {
			ms.Release()
			return nil, fmt.Errorf("load image: %w", err)
		}
	}

	ms.dataBase = data.Start.Addr()
	ms.heapBottom = data.End.Addr()
	ms.brk = ms.heapBottom
	ms.stackTop = UserStackTop
	return ms, nil
}

// Token is the satp value of the page table.
func (ms *MemorySet) Token() uint64 { return ms.pt.Token() }

// Translate returns the leaf entry of vpn.
func (ms *MemorySet) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	return ms.pt.Translate(vpn)
}

// MappedPages is the number of user pages backed by a frame.
func (ms *MemorySet) MappedPages() int { return len(ms.frames) }

// DataBase is the first address of the data segment.
func (ms *MemorySet) DataBase() VirtAddr { return ms.dataBase }

// HeapBottom is the lowest legal program break.
func (ms *MemorySet) HeapBottom() VirtAddr { return ms.heapBottom }

// Brk is the current program break.
func (ms *MemorySet) Brk() VirtAddr { return ms.brk }

// StackTop is the initial user stack pointer.
func (ms *MemorySet) StackTop() VirtAddr { return ms.stackTop }

func (ms *MemorySet) mapPage(vpn VirtPageNum, perm MapPermission) error {
	ppn, err := ms.mem.AllocFrame()
	if err != nil {
		return fmt.Errorf("map %v: %w", vpn, err)
	}
	if err := ms.pt.Map(vpn, ppn, PTEFlags(perm)); err != nil {
		ms.mem.FreeFrame(ppn)
		return err
	}
	ms.frames[vpn] = ppn
	return nil
}

func (ms *MemorySet) unmapPage(vpn VirtPageNum) error {
	if _, ok := ms.frames[vpn]; !ok {
		return fmt.Errorf("unmap %v: %w", vpn, ErrNotMapped)
	}
	ppn, err := ms.pt.Unmap(vpn)
	if err != nil {
		return err
	}
	delete(ms.frames, vpn)
	ms.mem.FreeFrame(ppn)
	return nil
}

// MapRange backs every page of r with a fresh frame. It is all or nothing:
// a page that is already mapped fails the call before anything changes, and
// running out of frames undoes the pages mapped so far.
func (ms *MemorySet) MapRange(r VPNRange, perm MapPermission) error {
	if !r.End.Valid() || r.End < r.Start {
		return fmt.Errorf("map %v..%v: %w", r.Start, r.End, ErrBadAddress)
	}
	if err := r.Each(func(vpn VirtPageNum) error {
		if _, ok := ms.pt.Translate(vpn); ok {
			return fmt.Errorf("map %v: %w", vpn, ErrAlreadyMapped)
		}
		return nil
	}); err != nil {
		return err
	}

	var done []VirtPageNum
	err := r.Each(func(vpn VirtPageNum) error {
		if err := ms.mapPage(vpn, perm); err != nil {
			return err
		}
		done = append(done, vpn)
		return nil
	})
	if err != nil {
		for _, vpn := range done {
			_ = ms.unmapPage(vpn)
		}
		return err
	}
	return nil
}

// UnmapRange releases every page of r. Every page must be mapped by this
// address space, otherwise nothing is unmapped.
func (ms *MemorySet) UnmapRange(r VPNRange) error {
	if err := r.Each(func(vpn VirtPageNum) error {
		if _, ok := ms.frames[vpn]; !ok {
			return fmt.Errorf("unmap %v: %w", vpn, ErrNotMapped)
		}
		if _, ok := ms.pt.Translate(vpn); !ok {
			return fmt.Errorf("unmap %v: %w", vpn, ErrNotMapped)
		}
		return nil
	}); err != nil {
		return err
	}
	return r.Each(ms.unmapPage)
}

// Mmap maps [start, end) with perm; see MapRange.
func (ms *MemorySet) Mmap(start, end VirtPageNum, perm MapPermission) error {
	return ms.MapRange(VPNRange{Start: start, End: end}, perm|PermU)
}

// Munmap unmaps [start, end); see UnmapRange.
func (ms *MemorySet) Munmap(start, end VirtPageNum) error {
	return ms.UnmapRange(VPNRange{Start: start, End: end})
}

// ChangeBrk moves the program break by delta bytes and returns the old break.
// Growing maps the newly covered heap pages, shrinking unmaps the pages no
// longer covered.
func (ms *MemorySet) ChangeBrk(delta int64) (VirtAddr, error) {
	old := ms.brk
	next := int64(old) + delta
	if next < int64(ms.heapBottom) {
		return 0, ErrBadBreak
	}
	newBrk := VirtAddr(next)
	if !newBrk.Ceil().Valid() {
		return 0, ErrBadAddress
	}

	oldEnd, newEnd := old.Ceil(), newBrk.Ceil()
	switch {
	case newEnd > oldEnd:
		if err := ms.MapRange(VPNRange{Start: oldEnd, End: newEnd}, PermR|PermW|PermU); err != nil {
			return 0, err
		}
	case newEnd < oldEnd:
		for vpn := newEnd; vpn < oldEnd; vpn++ {
			// heap pages the program munmapped itself are already gone.
			_ = ms.unmapPage(vpn)
		}
	}
	ms.brk = newBrk
	return old, nil
}

// Access selects the permission a user buffer needs.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
)

// TranslatedByteBuffer resolves the user buffer [va, va+n) into kernel-side
// slices, one per page touched. Every page must be a valid user page that
// allows the requested access.
func (ms *MemorySet) TranslatedByteBuffer(va VirtAddr, n int, access Access) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	var bufs [][]byte
	start := uintptr(va)
	end := start + uintptr(n)
	if end < start {
		return nil, ErrBadAddress
	}
	for start < end {
		cur := VirtAddr(start)
		e, ok := ms.pt.Translate(cur.Floor())
		if !ok {
			return nil, fmt.Errorf("%v: %w", cur, ErrNotMapped)
		}
		f := e.Flags()
		if f&PTEUser == 0 ||
			(access == AccessRead && f&PTERead == 0) ||
			(access == AccessWrite && f&PTEWrite == 0) {
			return nil, fmt.Errorf("%v [%v]: %w", cur, f, ErrAccess)
		}
		pageEnd := uintptr(cur.Floor()+1) << PageSizeBits
		if pageEnd > end {
			pageEnd = end
		}
		page := ms.mem.Page(e.PPN())
		off := cur.PageOffset()
		bufs = append(bufs, page[off:off+(pageEnd-start)])
		start = pageEnd
	}
	return bufs, nil
}

// CopyOut writes data into user memory at va.
func (ms *MemorySet) CopyOut(va VirtAddr, data []byte) error {
	bufs, err := ms.TranslatedByteBuffer(va, len(data), AccessWrite)
	if err != nil {
		return err
	}
	for _, b := range bufs {
		data = data[copy(b, data):]
	}
	return nil
}

// CopyIn reads n bytes of user memory at va.
func (ms *MemorySet) CopyIn(va VirtAddr, n int) ([]byte, error) {
	bufs, err := ms.TranslatedByteBuffer(va, n, AccessRead)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out, nil
}

// Release unmaps every page, returns all frames to the pool and frees the
// page table. The MemorySet must not be used afterwards.
func (ms *MemorySet) Release() {
	vpns := make([]VirtPageNum, 0, len(ms.frames))
	for vpn := range ms.frames {
		vpns = append(vpns, vpn)
	}
	sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })
	for _, vpn := range vpns {
		_ = ms.unmapPage(vpn)
	}
	ms.pt.Release()
}
