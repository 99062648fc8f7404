// Copyright 2025 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for selldr. The configuration is set by flags to the command line, and may
// be completed by a TOML file named with --config.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mohae/deepcopy"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// SkipQualificationEnv, when set in the environment, has the same effect
// as -Q.
const SkipQualificationEnv = "NACL_DANGEROUS_SKIP_QUALIFICATION_TEST"

// Config holds configuration that is not part of the module itself.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. Add any necessary validation into validate().
//  5. If adding a config option that can be set from a file, nothing more
//     is needed: file keys are flag names.
type Config struct {
	// LogFilename is the filename to log to, if not empty. %PID% and
	// %COMMAND% are expanded.
	LogFilename string `flag:"l"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// Verbosity raises the log level once per -v.
	Verbosity int `flag:"v"`

	// Quiet suppresses the informational messages printed to stderr.
	Quiet bool `flag:"q"`

	// Platform is the execution platform that runs sandboxed code.
	Platform string `flag:"platform"`

	// Arch is the sandbox subarchitecture.
	Arch Arch `flag:"arch"`

	// AddrBits is the log2 size of the sandbox address space.
	AddrBits uint `flag:"addr-bits"`

	// StackSize is the size of the main thread stack.
	StackSize uint64 `flag:"stack-size"`

	// CacheDir, if set, holds a persistent validation cache.
	CacheDir string `flag:"cache-dir"`

	// MetricsFile, if set, receives validator metrics in Prometheus text
	// format when the command exits.
	MetricsFile string `flag:"metrics-file"`

	// SkipQualification skips the host qualification checks.
	SkipQualification bool `flag:"Q"`

	// FixedFeatureCPU validates against a fixed CPU model rather than the
	// host CPU.
	FixedFeatureCPU bool `flag:"Z"`

	// StubOut replaces instructions the CPU does not support with HLT.
	StubOut bool `flag:"s"`

	// IgnoreValidator is the number of -c flags: one ignores validation
	// failures, two skips validation.
	IgnoreValidator int `flag:"c"`

	// AllowFlagOverride allows the config file to set any flag. Without
	// it only the flags in overrideAllowlist may be set.
	AllowFlagOverride bool `flag:"allow-flag-override"`

	// ConfigFile is a TOML file with additional settings.
	ConfigFile string `flag:"config"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.AddrBits == 0 || c.AddrBits > nacl.MaxAddrBits {
		return fmt.Errorf("addr-bits must be in [1, %d], got %d", nacl.MaxAddrBits, c.AddrBits)
	}
	if c.StackSize == 0 || c.StackSize >= uint64(1)<<c.AddrBits {
		return fmt.Errorf("stack-size %#x does not fit a %d bit address space", c.StackSize, c.AddrBits)
	}
	if c.IgnoreValidator > 2 {
		return fmt.Errorf("-c given %d times, at most 2 are meaningful", c.IgnoreValidator)
	}
	return nil
}

// Mode returns the validator and loader mode for the configured
// subarchitecture.
func (c *Config) Mode() opcode.Mode {
	return c.Arch.Mode()
}

// LogLevel returns the log level implied by -v and -q.
func (c *Config) LogLevel() log.Level {
	if c.Quiet {
		return log.Warning
	}
	level := log.Info + log.Level(c.Verbosity)
	if level > log.Debug {
		level = log.Debug
	}
	return level
}

// IgnoreValidatorResult reports whether validation failures are ignored.
func (c *Config) IgnoreValidatorResult() bool {
	return c.IgnoreValidator > 0
}

// SkipValidator reports whether validation is skipped entirely.
func (c *Config) SkipValidator() bool {
	return c.IgnoreValidator > 1
}

// ApplyEnv applies settings that may also come from the environment. It
// returns the names of the settings it changed.
func (c *Config) ApplyEnv() []string {
	var changed []string
	if !c.SkipQualification && os.Getenv(SkipQualificationEnv) != "" {
		c.SkipQualification = true
		changed = append(changed, SkipQualificationEnv)
	}
	return changed
}

// Copy returns a deep copy of the configuration. The sandbox keeps its own
// copy so nothing done by the command line afterwards can affect it.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Arch: %v", c.Arch)
	log.Infof("Config.Platform: %s", c.Platform)
	log.Infof("Config.AddrBits: %d", c.AddrBits)
	log.Infof("Config.StackSize: %#x", c.StackSize)
	log.Infof("Config.CacheDir: %q", c.CacheDir)
	log.Infof("Config.FixedFeatureCPU: %t", c.FixedFeatureCPU)
	log.Infof("Config.StubOut: %t", c.StubOut)
	log.Infof("Config.SkipQualification: %t", c.SkipQualification)
	if c.IgnoreValidator > 0 {
		log.Warningf("Config.IgnoreValidator: %d", c.IgnoreValidator)
	}
}

// Arch is the sandbox subarchitecture.
type Arch int

const (
	// ArchX8632 runs 32-bit sandboxes.
	ArchX8632 Arch = iota

	// ArchX8664 runs 64-bit sandboxes.
	ArchX8664
)

func archPtr(v Arch) *Arch {
	return &v
}

// Set implements flag.Value.Set.
func (a *Arch) Set(v string) error {
	switch v {
	case "x86-32", "32":
		*a = ArchX8632
	case "x86-64", "64":
		*a = ArchX8664
	default:
		return fmt.Errorf("invalid arch %q, must be x86-32 or x86-64", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (a *Arch) Get() any {
	return *a
}

// String implements flag.Value.String.
func (a Arch) String() string {
	switch a {
	case ArchX8632:
		return "x86-32"
	case ArchX8664:
		return "x86-64"
	default:
		return "Arch(" + strconv.Itoa(int(a)) + ")"
	}
}

// Mode returns the decoder mode of a.
func (a Arch) Mode() opcode.Mode {
	if a == ArchX8664 {
		return opcode.Mode64
	}
	return opcode.Mode32
}
