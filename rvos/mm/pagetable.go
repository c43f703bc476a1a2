package mm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// PTEFlags are the low bits of a page-table entry.
type PTEFlags uint8

const (
	PTEValid PTEFlags = 1 << iota
	PTERead
	PTEWrite
	PTEExec
	PTEUser
	PTEGlobal
	PTEAccessed
	PTEDirty
)

func (f PTEFlags) String() string {
	const names = "VRWXUGAD"
	var b strings.Builder
	for i := 0; i < len(names); i++ {
		if f&(1<<i) != 0 {
			b.WriteByte(names[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PageTableEntry is a raw Sv39 entry: flags in bits 0..7, PPN in bits 10..53.
type PageTableEntry uint64

func newPTE(ppn PhysPageNum, flags PTEFlags) PageTableEntry {
	return PageTableEntry(uint64(ppn)<<10 | uint64(flags))
}

func (e PageTableEntry) PPN() PhysPageNum {
	return PhysPageNum((uint64(e) >> 10) & (1<<ppnWidth - 1))
}

func (e PageTableEntry) Flags() PTEFlags { return PTEFlags(e) }
func (e PageTableEntry) Valid() bool     { return e.Flags()&PTEValid != 0 }
func (e PageTableEntry) Readable() bool  { return e.Flags()&PTERead != 0 }
func (e PageTableEntry) Writable() bool  { return e.Flags()&PTEWrite != 0 }
func (e PageTableEntry) Executable() bool {
	return e.Flags()&PTEExec != 0
}

// leaf reports whether e maps a page rather than pointing to the next level.
func (e PageTableEntry) leaf() bool {
	return e.Flags()&(PTERead|PTEWrite|PTEExec) != 0
}

// PageTable is a three-level Sv39 page table whose directory pages live in
// frames of the simulated physical memory. The table owns those directory
// frames; leaf frames belong to whoever mapped them.
type PageTable struct {
	mem    *Memory
	root   PhysPageNum
	frames []PhysPageNum
}

// NewPageTable allocates an empty root directory.
func NewPageTable(mem *Memory) (*PageTable, error) {
	root, err := mem.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("page table root: %w", err)
	}
	return &PageTable{mem: mem, root: root, frames: []PhysPageNum{root}}, nil
}

// Token is the satp value selecting this table in Sv39 mode.
func (pt *PageTable) Token() uint64 {
	return 8<<60 | uint64(pt.root)
}

// Root is the root directory frame.
func (pt *PageTable) Root() PhysPageNum { return pt.root }

// DirectoryFrames is the number of frames used by the directory itself.
func (pt *PageTable) DirectoryFrames() int { return len(pt.frames) }

func (pt *PageTable) entry(dir PhysPageNum, idx uintptr) PageTableEntry {
	page := pt.mem.Page(dir)
	return PageTableEntry(binary.LittleEndian.Uint64(page[idx*pteBytes:]))
}

func (pt *PageTable) setEntry(dir PhysPageNum, idx uintptr, e PageTableEntry) {
	page := pt.mem.Page(dir)
	binary.LittleEndian.PutUint64(page[idx*pteBytes:], uint64(e))
}

// walk returns the directory frame and index holding the leaf entry of vpn.
// With create set, missing intermediate directories are allocated.
func (pt *PageTable) walk(vpn VirtPageNum, create bool) (PhysPageNum, uintptr, bool, error) {
	if !vpn.Valid() {
		return 0, 0, false, ErrBadAddress
	}
	idx := vpn.Indexes()
	dir := pt.root
	for level := 0; level < levels-1; level++ {
		e := pt.entry(dir, idx[level])
		if !e.Valid() {
			if !create {
				return 0, 0, false, nil
			}
			next, err := pt.mem.AllocFrame()
			if err != nil {
				return 0, 0, false, err
			}
			pt.frames = append(pt.frames, next)
			e = newPTE(next, PTEValid)
			pt.setEntry(dir, idx[level], e)
		}
		dir = e.PPN()
	}
	return dir, idx[levels-1], true, nil
}

// Map installs vpn -> ppn. The valid bit is always set.
func (pt *PageTable) Map(vpn VirtPageNum, ppn PhysPageNum, flags PTEFlags) error {
	if flags&(PTERead|PTEWrite|PTEExec) == 0 {
		return fmt.Errorf("map %v: %w", vpn, ErrNoPermission)
	}
	dir, i, _, err := pt.walk(vpn, true)
	if err != nil {
		return fmt.Errorf("map %v: %w", vpn, err)
	}
	if pt.entry(dir, i).Valid() {
		return fmt.Errorf("map %v: %w", vpn, ErrAlreadyMapped)
	}
	pt.setEntry(dir, i, newPTE(ppn, flags|PTEValid))
	return nil
}

// Unmap clears the leaf entry of vpn and returns the frame it pointed to.
func (pt *PageTable) Unmap(vpn VirtPageNum) (PhysPageNum, error) {
	dir, i, found, err := pt.walk(vpn, false)
	if err != nil {
		return 0, fmt.Errorf("unmap %v: %w", vpn, err)
	}
	if !found || !pt.entry(dir, i).Valid() {
		return 0, fmt.Errorf("unmap %v: %w", vpn, ErrNotMapped)
	}
	ppn := pt.entry(dir, i).PPN()
	pt.setEntry(dir, i, 0)
	return ppn, nil
}

// Translate returns the leaf entry of vpn if it is valid.
func (pt *PageTable) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	dir, i, found, err := pt.walk(vpn, false)
	if err != nil || !found {
		return 0, false
	}
	e := pt.entry(dir, i)
	if !e.Valid() || !e.leaf() {
		return 0, false
	}
	return e, true
}

// TranslateVA maps a virtual address to its physical address.
func (pt *PageTable) TranslateVA(va VirtAddr) (PhysAddr, bool) {
	e, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	return PhysAddr(uintptr(e.PPN().Addr()) + va.PageOffset()), true
}

// Release frees the directory frames. Leaf frames must have been released by
// their owner first.
func (pt *PageTable) Release() {
	for _, f := range pt.frames {
		pt.mem.FreeFrame(f)
	}
	pt.frames = nil
}
