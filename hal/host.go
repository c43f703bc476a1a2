//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Default host screen size in pixels.
const (
	HostWidth  = 480
	HostHeight = 320
)

type hostHAL struct {
	logger *hostLogger
	fb     *hostFramebuffer
	t      *hostTime
	serial Serial
}

// New returns a host HAL implementation.
func New() HAL {
	return newHost(os.Stdout, os.Stdin)
}

// NewWithWriter returns a host HAL whose log and serial output go to w.
// Serial reads report end of input.
func NewWithWriter(w io.Writer) HAL {
	return newHost(w, nil)
}

func newHost(w io.Writer, r io.Reader) *hostHAL {
	logger := &hostLogger{w: w}
	return &hostHAL{
		logger: logger,
		fb:     newHostFramebuffer(HostWidth, HostHeight),
		t:      newHostTime(),
		serial: &hostSerial{r: r, w: w, mu: &logger.mu},
	}
}

func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Time() Time       { return h.t }
func (h *hostHAL) Serial() Serial   { return h.serial }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

// hostLogger shares its lock with the serial port so log lines never split
// console output.
type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
