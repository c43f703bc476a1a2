// Package upsafe provides the uniprocessor interior-mutability cell that guards
// every piece of shared kernel state.
//
// Only one goroutine executes kernel code at a time, so a Cell never sees real
// contention from kernel paths. A second acquisition from another goroutine
// (host helpers, tests) spins until the holder releases. A second acquisition
// from the holding goroutine is a re-entrant borrow and is fatal.
package upsafe

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync/atomic"
)

var (
	// ErrReentrant is the panic value for a re-entrant acquisition.
	ErrReentrant = errors.New("upsafe: cell already borrowed by the current control flow")
	// ErrNotBorrowed is the panic value for releasing a handle twice.
	ErrNotBorrowed = errors.New("upsafe: release of a handle that is not borrowed")
)

// Cell wraps a value so that at most one mutable handle exists at a time.
type Cell[T any] struct {
	_     [0]func() // prevent accidental copying.
	owner atomic.Int64
	value T
}

// New returns a cell holding v.
func New[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// RefMut is a live exclusive handle to the value of a Cell.
type RefMut[T any] struct {
	c        *Cell[T]
	released bool
}

// Exclusive acquires the cell and returns a scoped handle.
// The caller must call Release on every path; prefer Access where possible.
func (c *Cell[T]) Exclusive() *RefMut[T] {
	gid := goid()
	for !c.owner.CompareAndSwap(0, gid) {
		if c.owner.Load() == gid {
			panic(ErrReentrant)
		}
		runtime.Gosched()
	}
	return &RefMut[T]{c: c}
}

// Access runs fn with exclusive access to the value and releases the cell
// afterwards, also when fn panics.
func (c *Cell[T]) Access(fn func(*T)) {
	ref := c.Exclusive()
	defer ref.Release()
	fn(ref.Get())
}

// Borrowed reports whether a handle is currently live.
func (c *Cell[T]) Borrowed() bool {
	return c.owner.Load() != 0
}

// Get returns the guarded value. The pointer must not outlive the handle.
func (r *RefMut[T]) Get() *T {
	if r.released {
		panic(ErrNotBorrowed)
	}
	return &r.c.value
}

// Release ends the borrow.
func (r *RefMut[T]) Release() {
	if r.released {
		panic(ErrNotBorrowed)
	}
	r.released = true
	r.c.owner.Store(0)
}

var goroutinePrefix = []byte("goroutine ")

// goid returns the id of the calling goroutine, parsed from the header line
// runtime.Stack writes ("goroutine 18 [running]:").
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil || id <= 0 {
		panic("upsafe: cannot identify goroutine")
	}
	return id
}
