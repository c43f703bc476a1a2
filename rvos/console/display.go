package console

import (
	"image/color"

	"tinygo.org/x/drivers"

	"rvcore/hal"
)

// fbDisplay lets tinyterm draw into an RGB565 hal.Framebuffer. Anything
// outside the buffer is clipped.
type fbDisplay struct {
	fb hal.Framebuffer
}

var _ drivers.Displayer = (*fbDisplay)(nil)

func newFBDisplay(fb hal.Framebuffer) *fbDisplay {
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return nil
	}
	return &fbDisplay{fb: fb}
}

func (d *fbDisplay) Size() (x, y int16) {
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d *fbDisplay) offset(x, y int) (int, bool) {
	if x < 0 || x >= d.fb.Width() || y < 0 || y >= d.fb.Height() {
		return 0, false
	}
	off := y*d.fb.StrideBytes() + x*2
	return off, off+1 < len(d.fb.Buffer())
}

func (d *fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	off, ok := d.offset(int(x), int(y))
	if !ok {
		return
	}
	buf := d.fb.Buffer()
	p := hal.RGB565(c.R, c.G, c.B)
	buf[off] = byte(p)
	buf[off+1] = byte(p >> 8)
}

// Display publishes the back buffer.
func (d *fbDisplay) Display() error {
	return d.fb.Present()
}

// ScrollUp moves the picture up by lines pixel rows and clears the rows it
// exposes at the bottom.
func (d *fbDisplay) ScrollUp(lines int16, bg color.RGBA) error {
	w, h := d.fb.Width(), d.fb.Height()
	n := int(lines)
	if n <= 0 {
		return nil
	}
	if n >= h {
		return d.FillRectangle(0, 0, int16(w), int16(h), bg)
	}
	buf, stride := d.fb.Buffer(), d.fb.StrideBytes()
	end := h * stride
	if end > len(buf) {
		end = len(buf)
	}
	if src := n * stride; src < end {
		copy(buf, buf[src:end])
	}
	return d.FillRectangle(0, int16(h-n), int16(w), int16(n), bg)
}

func (d *fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	w, h := d.fb.Width(), d.fb.Height()
	x0, x1 := clamp(int(x), 0, w), clamp(int(x)+int(width), 0, w)
	y0, y1 := clamp(int(y), 0, h), clamp(int(y)+int(height), 0, h)
	if x0 >= x1 || y0 >= y1 {
		return nil
	}
	p := hal.RGB565(c.R, c.G, c.B)
	lo, hi := byte(p), byte(p>>8)
	buf, stride := d.fb.Buffer(), d.fb.StrideBytes()
	for py := y0; py < y1; py++ {
		row := py * stride
		for px := x0; px < x1; px++ {
			off := row + px*2
			if off+1 >= len(buf) {
				return nil
			}
			buf[off], buf[off+1] = lo, hi
		}
	}
	return nil
}

// SetScroll is a no-op; the terminal scrolls in software.
func (d *fbDisplay) SetScroll(int16) {}

func (d *fbDisplay) SetRotation(drivers.Rotation) error { return nil }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
