package mm

import (
	"fmt"

	"rvcore/rvos/upsafe"
)

// DefaultBase is the first physical frame handed out by the pool
// (0x8000_0000 on the QEMU virt board).
const DefaultBase PhysPageNum = 0x80000

// Memory is the simulated physical memory together with its frame pool.
//
// The pool is a stack allocator: fresh frames come from a bump pointer,
// freed frames are reused last-in first-out.
type Memory struct {
	base  PhysPageNum
	end   PhysPageNum
	bytes []byte
	pool  *upsafe.Cell[framePool]
}

type framePool struct {
	current  PhysPageNum
	end      PhysPageNum
	recycled []PhysPageNum
}

// NewMemory returns a memory of frames pages starting at base.
func NewMemory(base PhysPageNum, frames int) *Memory {
	if frames <= 0 {
		panic(fmt.Sprintf("mm: invalid frame count %d", frames))
	}
	end := base + PhysPageNum(frames)
	return &Memory{
		base:  base,
		end:   end,
		bytes: make([]byte, frames*PageSize),
		pool:  upsafe.New(framePool{current: base, end: end}),
	}
}

// AllocFrame returns a zeroed frame.
func (m *Memory) AllocFrame() (PhysPageNum, error) {
	var (
		ppn PhysPageNum
		ok  bool
	)
	m.pool.Access(func(p *framePool) {
		if n := len(p.recycled); n > 0 {
			ppn = p.recycled[n-1]
			p.recycled = p.recycled[:n-1]
			ok = true
			return
		}
		if p.current < p.end {
			ppn = p.current
			p.current++
			ok = true
		}
	})
	if !ok {
		return 0, ErrOutOfFrames
	}
	clear(m.Page(ppn))
	return ppn, nil
}

// FreeFrame returns ppn to the pool. Freeing a frame that is not allocated
// is a kernel bug and panics.
func (m *Memory) FreeFrame(ppn PhysPageNum) {
	m.pool.Access(func(p *framePool) {
		if ppn < m.base || ppn >= p.current {
			panic(fmt.Sprintf("mm: frame %v has not been allocated", ppn))
		}
		for _, r := range p.recycled {
			if r == ppn {
				panic(fmt.Sprintf("mm: frame %v freed twice", ppn))
			}
		}
		p.recycled = append(p.recycled, ppn)
	})
}

// FreeFrames is the number of frames still available.
func (m *Memory) FreeFrames() int {
	var n int
	m.pool.Access(func(p *framePool) {
		n = int(p.end-p.current) + len(p.recycled)
	})
	return n
}

// Frames is the total number of frames.
func (m *Memory) Frames() int { return int(m.end - m.base) }

// Page returns the bytes of frame ppn.
func (m *Memory) Page(ppn PhysPageNum) []byte {
	if ppn < m.base || ppn >= m.end {
		panic(fmt.Sprintf("mm: %v outside physical memory", ppn))
	}
	off := int(ppn-m.base) * PageSize
	return m.bytes[off : off+PageSize : off+PageSize]
}
