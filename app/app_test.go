package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rvcore/hal"
	"rvcore/rvos/config"
	"rvcore/rvos/kernel"
)

// syncBuffer guards a bytes.Buffer; the console flusher and the kernel write
// from different goroutines.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestDefaultManifestRunsToCompletion(t *testing.T) {
	var out syncBuffer
	sys, err := NewSystem(hal.NewWithWriter(&out), config.Default(), Options{})
	if err != nil {
		t.Fatalf("NewSystem() = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sys.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"boot " + sys.BootID().String(),
		"Hello, world from user mode program!",
		"Test power_3 OK!",
		"Test sleep OK!",
		"Test mmap OK!",
		"Test sbrk OK!",
		"Test task info OK!",
		"[kernel] All applications completed!",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if free, total := sys.Kernel().Memory().FreeFrames(), sys.Kernel().Memory().Frames(); free != total {
		t.Fatalf("FreeFrames() = %d, want %d", free, total)
	}
}

func TestUnknownProgram(t *testing.T) {
	cfg, err := config.Parse([]byte("apps:\n  - name: x\n    program: nope\n"))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if _, err := NewSystem(hal.NewWithWriter(&syncBuffer{}), cfg, Options{}); err == nil || !strings.Contains(err.Error(), `unknown program "nope"`) {
		t.Fatalf("NewSystem() = %v, want unknown program", err)
	}
	if _, err := NewSystem(hal.NewWithWriter(&syncBuffer{}), config.Default(), Options{LogLevel: "loud"}); err == nil {
		t.Fatalf("NewSystem() with bad log level = nil error")
	}
}

func TestStepReportsDone(t *testing.T) {
	cfg, err := config.Parse([]byte("apps:\n  - {name: hello, program: hello}\n  - {name: fault, program: fault}\n"))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	var out syncBuffer
	sys, err := NewSystem(hal.NewWithWriter(&out), cfg, Options{})
	if err != nil {
		t.Fatalf("NewSystem() = %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := sys.Step()
		if errors.Is(err, hal.ErrDone) {
			break
		}
		if err != nil {
			t.Fatalf("Step() = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("system did not stop")
		}
		time.Sleep(time.Millisecond)
	}
	if err := sys.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if !strings.Contains(out.String(), "PageFault in application") {
		t.Fatalf("fault was not reported:\n%s", out.String())
	}
}

func TestStopBeforeStart(t *testing.T) {
	sys, err := NewSystem(hal.NewWithWriter(&syncBuffer{}), config.Default(), Options{})
	if err != nil {
		t.Fatalf("NewSystem() = %v", err)
	}
	if err := sys.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := sys.Step(); !errors.Is(err, hal.ErrDone) {
		t.Fatalf("Step() after Stop = %v, want ErrDone", err)
	}
}

type fakeFB struct {
	w, h    int
	buf     []byte
	present int
}

func (f *fakeFB) Width() int              { return f.w }
func (f *fakeFB) Height() int             { return f.h }
func (f *fakeFB) Format() hal.PixelFormat { return hal.PixelFormatRGB565 }
func (f *fakeFB) StrideBytes() int        { return f.w * 2 }
func (f *fakeFB) Buffer() []byte          { return f.buf }
func (f *fakeFB) Present() error          { f.present++; return nil }
func (f *fakeFB) ClearRGB(r, g, b uint8) {
	p := hal.RGB565(r, g, b)
	for i := 0; i+1 < len(f.buf); i += 2 {
		f.buf[i], f.buf[i+1] = byte(p), byte(p>>8)
	}
}

func TestPanicScreen(t *testing.T) {
	fb := &fakeFB{w: 200, h: 60, buf: make([]byte, 200*60*2)}
	lines := panicLines(kernel.PanicInfo{Pid: 3, Name: "rogue", Value: "boom", Stack: []byte("a\n\nb\n")})
	want := []string{"rvcore panic:", "task: 3 (rogue)", "panic: boom", "stack:", "a", "b"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("panicLines() = %q, want %q", lines, want)
	}

	drawPanicScreen(fb, lines)
	if fb.present != 1 {
		t.Fatalf("presents = %d, want 1", fb.present)
	}
	dark := 0
	for i := 0; i+1 < len(fb.buf); i += 2 {
		if fb.buf[i] == 0 && fb.buf[i+1] == 0 {
			dark++
		}
	}
	if dark == 0 {
		t.Fatalf("no text drawn")
	}
	if idle := panicLines(kernel.PanicInfo{Pid: -1, Value: "x"}); idle[1] != "task: idle" || idle[len(idle)-1] != "stack: unavailable" {
		t.Fatalf("idle panicLines() = %q", idle)
	}
}

func TestTakeRunes(t *testing.T) {
	for _, tc := range []struct {
		s          string
		n          int16
		head, rest string
	}{
		{"hello", 3, "hel", "lo"},
		{"hi", 5, "hi", ""},
		{"äöü", 2, "äö", "ü"},
		{"x", 0, "", "x"},
	} {
		head, rest := takeRunes(tc.s, tc.n)
		if head != tc.head || rest != tc.rest {
			t.Errorf("takeRunes(%q, %d) = %q, %q, want %q, %q", tc.s, tc.n, head, rest, tc.head, tc.rest)
		}
	}
}
