// Package config loads the boot manifest: kernel parameters and the list of
// applications to start.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"rvcore/rvos/klog"
)

// Config is the whole manifest. The zero value is not usable; start from
// Default.
type Config struct {
	Kernel KernelConfig `yaml:"kernel"`
	Apps   []AppConfig  `yaml:"apps"`
}

type KernelConfig struct {
	// Frames is the number of 4 KiB physical frames handed to the allocator.
	Frames          int    `yaml:"frames"`
	BigStride       uint64 `yaml:"bigStride"`
	DefaultPriority uint64 `yaml:"defaultPriority"`
	LogLevel        string `yaml:"logLevel"`
	Color           bool   `yaml:"color"`
}

// AppConfig describes one application loaded at boot.
type AppConfig struct {
	Name    string `yaml:"name"`
	Program string `yaml:"program"`
	// Args is split like a shell command line.
	Args       string `yaml:"args"`
	Priority   uint64 `yaml:"priority"`
	TextPages  int    `yaml:"textPages"`
	DataPages  int    `yaml:"dataPages"`
	StackPages int    `yaml:"stackPages"`
}

// Default returns the manifest used when none is given.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			Frames:          4096,
			BigStride:       65536,
			DefaultPriority: 16,
			LogLevel:        "info",
		},
		Apps: []AppConfig{
			{Name: "hello", Program: "hello"},
			{Name: "power", Program: "power", Args: "3 10007"},
			{Name: "sleep", Program: "sleep", Args: "100"},
			{Name: "mmap", Program: "mmap"},
			{Name: "sbrk", Program: "sbrk"},
			{Name: "taskinfo", Program: "taskinfo"},
		},
	}
}

// Load reads and parses the manifest at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML manifest on top of Default. Kernel fields left out keep
// their default; an apps list replaces the default list. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Config
	doc.Kernel = cfg.Kernel
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.Kernel = doc.Kernel
	if doc.Apps != nil {
		cfg.Apps = doc.Apps
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every invalid setting joined into one error, or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	var errs []error
	k := c.Kernel
	if k.Frames <= 0 {
		errs = append(errs, fmt.Errorf("kernel.frames must be > 0"))
	}
	if k.BigStride == 0 {
		errs = append(errs, fmt.Errorf("kernel.bigStride must be > 0"))
	}
	if k.DefaultPriority < 2 {
		errs = append(errs, fmt.Errorf("kernel.defaultPriority must be >= 2"))
	}
	if _, err := klog.ParseLevel(k.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("kernel.logLevel: %w", err))
	}

	seen := make(map[string]bool)
	for i, a := range c.Apps {
		where := fmt.Sprintf("apps[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", where))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate app %q", where, a.Name))
		}
		seen[a.Name] = true
		if a.Program == "" {
			errs = append(errs, fmt.Errorf("%s.program is required", where))
		}
		if a.Priority == 1 {
			errs = append(errs, fmt.Errorf("%s.priority must be 0 (default) or >= 2", where))
		}
		if a.TextPages < 0 || a.DataPages < 0 || a.StackPages < 0 {
			errs = append(errs, fmt.Errorf("%s: page counts must be >= 0", where))
		}
		if _, err := a.Argv(); err != nil {
			errs = append(errs, fmt.Errorf("%s.args: %w", where, err))
		}
	}
	return errors.Join(errs...)
}

// Argv returns the application arguments, argv[0] being the app name.
func (a AppConfig) Argv() ([]string, error) {
	args, err := shlex.Split(a.Args)
	if err != nil {
		return nil, err
	}
	return append([]string{a.Name}, args...), nil
}
