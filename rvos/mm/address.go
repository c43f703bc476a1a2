// Package mm implements Sv39 virtual memory on top of a simulated physical
// memory: addresses, the frame pool, multi-level page tables and per-task
// address spaces.
package mm

import "fmt"

const (
	PageSizeBits = 12
	PageSize     = 1 << PageSizeBits

	// Sv39: 39-bit virtual addresses, 56-bit physical addresses.
	vaWidth  = 39
	paWidth  = 56
	vpnWidth = vaWidth - PageSizeBits
	ppnWidth = paWidth - PageSizeBits

	levels       = 3
	entriesPerPT = 512
	pteBytes     = 8
)

// VirtAddr is a user or kernel virtual address.
type VirtAddr uintptr

// PhysAddr is a physical address.
type PhysAddr uintptr

// VirtPageNum is a virtual page number.
type VirtPageNum uintptr

// PhysPageNum is a physical page number.
type PhysPageNum uintptr

func (va VirtAddr) PageOffset() uintptr { return uintptr(va) & (PageSize - 1) }

// Aligned reports whether va sits on a page boundary.
func (va VirtAddr) Aligned() bool { return va.PageOffset() == 0 }

// AddrLimit is one past the highest user virtual address.
const AddrLimit VirtAddr = 1 << vaWidth

// Floor is the page containing va.
func (va VirtAddr) Floor() VirtPageNum { return VirtPageNum(uintptr(va) / PageSize) }

// Ceil is the first page at or after va.
func (va VirtAddr) Ceil() VirtPageNum {
	return VirtPageNum((uintptr(va) + PageSize - 1) / PageSize)
}

func (va VirtAddr) String() string { return fmt.Sprintf("va:%#x", uintptr(va)) }

func (pa PhysAddr) PageOffset() uintptr { return uintptr(pa) & (PageSize - 1) }
func (pa PhysAddr) Floor() PhysPageNum  { return PhysPageNum(uintptr(pa) / PageSize) }
func (pa PhysAddr) String() string      { return fmt.Sprintf("pa:%#x", uintptr(pa)) }

// Addr is the first address of the page.
func (vpn VirtPageNum) Addr() VirtAddr { return VirtAddr(uintptr(vpn) << PageSizeBits) }

// Indexes splits vpn into its three page-table indexes, root level first.
func (vpn VirtPageNum) Indexes() [levels]uintptr {
	var idx [levels]uintptr
	v := uintptr(vpn)
	for i := levels - 1; i >= 0; i-- {
		idx[i] = v & (entriesPerPT - 1)
		v >>= 9
	}
	return idx
}

// Valid reports whether vpn fits in the Sv39 virtual page space.
func (vpn VirtPageNum) Valid() bool { return uintptr(vpn) < 1<<vpnWidth }

func (vpn VirtPageNum) String() string { return fmt.Sprintf("vpn:%#x", uintptr(vpn)) }

// Addr is the first address of the frame.
func (ppn PhysPageNum) Addr() PhysAddr { return PhysAddr(uintptr(ppn) << PageSizeBits) }

func (ppn PhysPageNum) String() string { return fmt.Sprintf("ppn:%#x", uintptr(ppn)) }

// VPNRange is the half-open page range [Start, End).
type VPNRange struct {
	Start VirtPageNum
	End   VirtPageNum
}

// RangeOf returns the pages covering [start, start+length).
func RangeOf(start VirtAddr, length uintptr) VPNRange {
	return VPNRange{Start: start.Floor(), End: VirtAddr(uintptr(start) + length).Ceil()}
}

// Len is the number of pages in the range.
func (r VPNRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Contains reports whether vpn lies inside the range.
func (r VPNRange) Contains(vpn VirtPageNum) bool { return vpn >= r.Start && vpn < r.End }

// Each calls fn for every page in order and stops at the first error.
func (r VPNRange) Each(fn func(VirtPageNum) error) error {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if err := fn(vpn); err != nil {
			return err
		}
	}
	return nil
}
