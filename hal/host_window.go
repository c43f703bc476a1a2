//go:build !tinygo && cgo

package hal

import (
	"errors"

	"rvcore/internal/buildinfo"

	"github.com/hajimehoshi/ebiten/v2"
)

// RunWindow starts a desktop window that displays the console framebuffer.
// It blocks until the window closes. When the app step reports ErrDone the
// window stays open on the final frame.
func RunWindow(newApp func(HAL) func() error) error {
	h := New().(*hostHAL)
	step := newApp(h)

	g := &hostGame{h: h, step: step}
	ebiten.SetWindowTitle("rvcore (" + buildinfo.Short() + ")")
	ebiten.SetWindowSize(h.fb.width*2, h.fb.height*2)
	ebiten.SetTPS(60)
	err := ebiten.RunGame(g)
	if errors.Is(err, ebiten.Termination) {
		return nil
	}
	return err
}

type hostGame struct {
	h       *hostHAL
	fbImg   *ebiten.Image
	rgba    []byte
	scratch []byte
	gen     uint64
	step    func() error
	halted  bool
}

func (g *hostGame) Update() error {
	if g.step == nil || g.halted {
		return nil
	}
	if err := g.step(); err != nil {
		if errors.Is(err, ErrDone) {
			g.halted = true
			return nil
		}
		return err
	}
	return nil
}

func (g *hostGame) Draw(screen *ebiten.Image) {
	fb := g.h.fb
	if g.fbImg == nil {
		g.fbImg = ebiten.NewImage(fb.width, fb.height)
		g.scratch = make([]byte, len(fb.buf))
		g.rgba = make([]byte, fb.width*fb.height*4)
	}

	if gen, ok := fb.snapshotRGB565(g.scratch, g.gen); ok {
		g.gen = gen
		expandRGB565(g.rgba, g.scratch)
		g.fbImg.WritePixels(g.rgba)
	}
	screen.DrawImage(g.fbImg, nil)
}

func (g *hostGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.h.fb.width, g.h.fb.height
}
