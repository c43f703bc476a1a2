package task

// Context is the saved execution state of a task.
//
// Every task runs on its own goroutine. A parked goroutine waits on its
// context's wake channel, so "restoring" a context is resuming that goroutine
// and "saving" one is parking on it.
type Context struct {
	wake chan struct{}
}

// NewContext returns a context whose goroutine is parked.
func NewContext() Context {
	return Context{wake: make(chan struct{}, 1)}
}

// Resume lets the goroutine parked on c continue.
func (c *Context) Resume() {
	c.wake <- struct{}{}
}

// Park blocks the calling goroutine until c is resumed.
func (c *Context) Park() {
	<-c.wake
}

// Switch hands the CPU from the goroutine owning current to the one owning
// next and blocks until current is resumed again.
func Switch(current, next *Context) {
	next.Resume()
	current.Park()
}
