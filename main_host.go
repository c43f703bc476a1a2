//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"rvcore/app"
	"rvcore/hal"
	"rvcore/rvos/config"
)

func main() {
	var (
		cfgPath string
		hcfg    hal.HeadlessConfig
		opts    app.Options
		timeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "Boot manifest (YAML). Empty uses the builtin app list.")
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 60, "Step rate in headless mode.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N steps in headless mode (0 = until all apps exit).")
	flag.StringVar(&opts.LogLevel, "log", "", "Log level: trace, debug, info, warn, error, off.")
	flag.StringVar(&opts.TracePath, "trace", "", "Write syscall spans to a file, or - for stdout.")
	flag.DurationVar(&timeout, "timeout", 0, "Stop the kernel after this long (0 = no limit).")
	flag.Parse()

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			fail(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var sys *app.System
	newApp := func(h hal.HAL) func() error {
		var err error
		sys, err = app.NewSystem(h, cfg, opts)
		if err != nil {
			return func() error { return err }
		}
		sys.Start(ctx)
		return sys.Step
	}

	var err error
	if hcfg.Enabled {
		err = hal.RunHeadless(ctx, newApp, hcfg)
	} else {
		err = hal.RunWindow(newApp)
	}
	if sys != nil {
		err = errors.Join(err, sys.Stop())
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
