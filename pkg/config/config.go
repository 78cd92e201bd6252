// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the kernel configuration: user address layout, core
// count, memory budget and logging. A Config is read from a TOML or YAML file
// and then overridden by command-line flags.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/refs"
	"gvisor.dev/kexec/pkg/sentry/cpu"
	"gvisor.dev/kexec/pkg/sentry/loader"
)

// Duration is a time.Duration written as a string such as "10ms" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the kernel configuration.
type Config struct {
	// Cores is the number of simulated cores. Each owns a work queue and an
	// epoch slot.
	Cores int `toml:"cores" yaml:"cores"`

	// UserTop is the exclusive upper bound of user addresses.
	UserTop uint64 `toml:"user_top" yaml:"user_top"`

	// StackPages is the size of the initial stack in pages.
	StackPages uint64 `toml:"stack_pages" yaml:"stack_pages"`

	// HeapPages is the size of the initial heap in pages.
	HeapPages uint64 `toml:"heap_pages" yaml:"heap_pages"`

	// MaxArgs is the maximum number of exec arguments.
	MaxArgs int `toml:"max_args" yaml:"max_args"`

	// MaxPages caps committed user pages across all address spaces. Zero
	// means unlimited.
	MaxPages uint64 `toml:"max_pages" yaml:"max_pages"`

	// QueueCapacity is the capacity of each per-core work queue.
	QueueCapacity int `toml:"queue_capacity" yaml:"queue_capacity"`

	// ReclaimPeriod is how often the background reclaimer advances the
	// epoch.
	ReclaimPeriod Duration `toml:"reclaim_period" yaml:"reclaim_period"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" yaml:"debug"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// RefLeakMode is the reference leak checking mode: disabled, log-names,
	// log-traces or panic.
	RefLeakMode string `toml:"ref_leak_mode" yaml:"ref_leak_mode"`
}

// Default returns the default configuration.
func Default() *Config {
	l := loader.DefaultLayout()
	return &Config{
		Cores:         4,
		UserTop:       uint64(l.UserTop),
		StackPages:    l.StackPages,
		HeapPages:     l.HeapPages,
		MaxArgs:       l.MaxArgs,
		QueueCapacity: cpu.DefaultQueueCapacity,
		ReclaimPeriod: Duration{10 * time.Millisecond},
		LogFormat:     "text",
		RefLeakMode:   "disabled",
	}
}

// Load returns the default configuration overridden by the file at path.
// Files ending in .yaml or .yml are YAML, anything else is TOML. Keys not
// present in the file keep their defaults; unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("config %q: unknown keys %v", path, undec)
		}
	}
	return c, nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// RegisterFlags registers flags that override the fields of c. Flag defaults
// are the current values of c.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.Cores, "cores", c.Cores, "number of simulated cores.")
	f.Uint64Var(&c.UserTop, "user-top", c.UserTop, "exclusive upper bound of user addresses.")
	f.Uint64Var(&c.StackPages, "stack-pages", c.StackPages, "pages in the initial stack.")
	f.Uint64Var(&c.HeapPages, "heap-pages", c.HeapPages, "pages in the initial heap.")
	f.IntVar(&c.MaxArgs, "max-args", c.MaxArgs, fmt.Sprintf("maximum exec argument count, at most %d.", loader.MaxArgsLimit))
	f.Uint64Var(&c.MaxPages, "max-pages", c.MaxPages, "cap on committed user pages, 0 for unlimited.")
	f.IntVar(&c.QueueCapacity, "queue-capacity", c.QueueCapacity, "capacity of each per-core work queue.")
	f.DurationVar(&c.ReclaimPeriod.Duration, "reclaim-period", c.ReclaimPeriod.Duration, "period of the background epoch reclaimer.")
	f.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging.")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text (default) or json.")
	f.StringVar(&c.RefLeakMode, "ref-leak-mode", c.RefLeakMode, "sets reference leak check mode: disabled (default), log-names, log-traces, panic.")
}

// Layout returns the user address layout described by c.
func (c *Config) Layout() loader.Layout {
	return loader.Layout{
		UserTop:    hostarch.Addr(c.UserTop),
		StackPages: c.StackPages,
		HeapPages:  c.HeapPages,
		MaxArgs:    c.MaxArgs,
	}
}

// LeakMode parses RefLeakMode.
func (c *Config) LeakMode() (refs.LeakMode, error) {
	var m refs.LeakMode
	if err := m.Set(c.RefLeakMode); err != nil {
		return m, fmt.Errorf("invalid ref-leak-mode %q: %w", c.RefLeakMode, err)
	}
	return m, nil
}

// Validate checks that c describes a usable kernel.
func (c *Config) Validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.ReclaimPeriod.Duration <= 0 {
		return fmt.Errorf("reclaim period must be positive, got %v", c.ReclaimPeriod.Duration)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if _, err := c.LeakMode(); err != nil {
		return err
	}
	l := c.Layout()
	if err := l.Validate(); err != nil {
		return err
	}
	if c.MaxPages != 0 && c.MaxPages < l.StackPages+l.HeapPages {
		return fmt.Errorf("max pages %d cannot hold the stack and heap (%d pages)", c.MaxPages, l.StackPages+l.HeapPages)
	}
	return nil
}
