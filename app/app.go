// Package app boots rvcore on a HAL: it builds the console, the logger and the
// kernel from a manifest, loads the applications and runs the kernel next to
// the console flusher.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rvcore/hal"
	"rvcore/internal/buildinfo"
	"rvcore/rvos/config"
	"rvcore/rvos/console"
	"rvcore/rvos/kernel"
	"rvcore/rvos/klog"
	"rvcore/rvos/mm"
	"rvcore/rvos/tracing"
	"rvcore/rvos/user"
)

const flushInterval = time.Second / 30

// Options are the host-side settings that are not part of the manifest.
type Options struct {
	// TracePath enables syscall tracing: "-" writes spans to stdout, anything
	// else names a file.
	TracePath string
	// LogLevel overrides the manifest's kernel.logLevel when set.
	LogLevel string
}

// System is one booted machine.
type System struct {
	bootID  uuid.UUID
	log     *klog.Logger
	console *console.Console
	tracer  *tracing.Tracer
	k       *kernel.Kernel

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewSystem boots a kernel on h and loads every app of cfg.
func NewSystem(h hal.HAL, cfg *config.Config, opts Options) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	levelName := cfg.Kernel.LogLevel
	if opts.LogLevel != "" {
		levelName = opts.LogLevel
	}
	level, err := klog.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	s := &System{
		bootID: uuid.New(),
		log:    klog.New(h.Logger(), level).WithColor(cfg.Kernel.Color),
		done:   make(chan struct{}),
	}
	s.console = console.New(h.Serial(), h.Display())

	if opts.TracePath != "" {
		path := opts.TracePath
		if path == "-" {
			path = ""
		}
		s.tracer, err = tracing.Open(tracing.Resource{
			Service: "rvcore",
			Version: buildinfo.Short(),
			BootID:  s.bootID.String(),
		}, path)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
	}

	s.k, err = kernel.New(kernel.Config{
		Frames:          cfg.Kernel.Frames,
		BigStride:       cfg.Kernel.BigStride,
		DefaultPriority: cfg.Kernel.DefaultPriority,
	}, kernel.Deps{
		Clock:  h.Time(),
		Stdout: s.console,
		Log:    s.log,
		Tracer: s.tracer,
	})
	if err != nil {
		return nil, s.abort(err)
	}
	installPanicHandler(s.k, s.log, s.console.Framebuffer())

	s.log.Infof("[rvcore] %s, boot %s, %d frames", buildinfo.Long(), s.bootID, cfg.Kernel.Frames)
	for _, a := range cfg.Apps {
		if err := s.load(a); err != nil {
			return nil, s.abort(err)
		}
	}
	return s, nil
}

func (s *System) abort(err error) error {
	if s.tracer != nil {
		_ = s.tracer.Shutdown(context.Background())
	}
	return err
}

func (s *System) load(a config.AppConfig) error {
	prog, ok := user.Lookup(a.Program)
	if !ok {
		return fmt.Errorf("app %q: unknown program %q (have %v)", a.Name, a.Program, user.Names())
	}
	argv, err := a.Argv()
	if err != nil {
		return fmt.Errorf("app %q: %w", a.Name, err)
	}
	img := mm.DefaultImage
	if a.TextPages > 0 {
		img.TextPages = a.TextPages
	}
	if a.DataPages > 0 {
		img.DataPages = a.DataPages
	}
	if a.StackPages > 0 {
		img.StackPages = a.StackPages
	}
	tcb, err := s.k.Spawn(a.Name, prog, kernel.SpawnOptions{
		Priority: a.Priority,
		Image:    img,
		Args:     argv[1:],
	})
	if err != nil {
		return err
	}
	s.log.Debugf("[rvcore] %v: program %s, args %q", tcb, a.Program, argv[1:])
	return nil
}

// Kernel is the booted kernel.
func (s *System) Kernel() *kernel.Kernel { return s.k }

// BootID identifies this boot in logs and traces.
func (s *System) BootID() uuid.UUID { return s.bootID }

// Run runs the kernel until every app has exited, ctx is done or the kernel
// panics, flushing the console meanwhile.
func (s *System) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.k.Run(gctx)
	})
	g.Go(func() error {
		return s.console.Run(gctx, flushInterval)
	})
	err := g.Wait()

	if s.tracer != nil {
		if terr := s.tracer.Shutdown(context.Background()); terr != nil {
			err = errors.Join(err, terr)
		}
	}
	return err
}

// Start runs the system in the background. Later calls do nothing.
func (s *System) Start(ctx context.Context) {
	s.once.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go func() {
			defer close(s.done)
			s.err = s.Run(ctx)
		}()
	})
}

// Step is the per-frame hook for the hal runners. It starts the system on the
// first call and reports hal.ErrDone once it has stopped; Err tells how.
func (s *System) Step() error {
	s.Start(context.Background())
	select {
	case <-s.done:
		return hal.ErrDone
	default:
		return nil
	}
}

// Stop cancels a started system and waits for it.
func (s *System) Stop() error {
	s.once.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	return s.Wait()
}

// Wait blocks until a started system has stopped and returns Err.
func (s *System) Wait() error {
	<-s.done
	return s.Err()
}

// Err is the result of Run once the system has stopped.
func (s *System) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
