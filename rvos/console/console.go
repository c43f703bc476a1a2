// Package console is the kernel's standard output: every byte goes to the
// serial port and, when the machine has a framebuffer, to a VT100 terminal
// drawn on it.
package console

import (
	"context"
	"io"
	"sync"
	"time"

	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"

	"rvcore/hal"
)

const (
	fontHeight = 10
	fontOffset = 6
)

// Console is an io.Writer safe for concurrent use.
type Console struct {
	mu     sync.Mutex
	serial io.Writer
	fb     hal.Framebuffer
	disp   *fbDisplay
	term   *tinyterm.Terminal
	dirty  bool
}

// New returns a console on serial. display may be nil or have no
// framebuffer, in which case output only goes to serial.
func New(serial io.Writer, display hal.Display) *Console {
	c := &Console{serial: serial}
	if display != nil {
		c.fb = display.Framebuffer()
		c.disp = newFBDisplay(c.fb)
	}
	c.reset()
	return c
}

// Reset clears the screen and homes the cursor.
func (c *Console) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Console) reset() {
	if c.disp == nil {
		return
	}
	c.term = tinyterm.NewTerminal(c.disp)
	c.term.Configure(&tinyterm.Config{
		Font:              &proggy.TinySZ8pt7b,
		FontHeight:        fontHeight,
		FontOffset:        fontOffset,
		UseSoftwareScroll: true,
	})
	c.fb.ClearRGB(0, 0, 0)
	c.dirty = true
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serial != nil {
		if n, err := c.serial.Write(p); err != nil {
			return n, err
		}
	}
	if c.term != nil && len(p) > 0 {
		_, _ = c.term.Write(p)
		c.dirty = true
	}
	return len(p), nil
}

// HasScreen reports whether output is also drawn on a framebuffer.
func (c *Console) HasScreen() bool { return c.term != nil }

// Framebuffer is the screen the console draws on, or nil.
func (c *Console) Framebuffer() hal.Framebuffer {
	if c.disp == nil {
		return nil
	}
	return c.fb
}

// Flush presents the terminal if anything was drawn since the last flush.
func (c *Console) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.disp == nil {
		return nil
	}
	c.dirty = false
	return c.disp.Display()
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *Console) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.Flush()
		case <-t.C:
			if err := c.Flush(); err != nil {
				return err
			}
		}
	}
}
