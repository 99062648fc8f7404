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

package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/selldr/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Logging flags. The single letter names are the traditional ones.
	flagSet.String("l", "", "file path where log messages are written, default is stderr. %PID% and %COMMAND% are expanded.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Var(new(flag.Count), "v", "increase verbosity; may be repeated.")
	flagSet.Bool("q", false, "quiet: only log warnings and suppress informational messages.")
	flagSet.String("metrics-file", "", "file path where validator metrics are written in Prometheus text format on exit.")

	// Flags that control sandbox runtime behavior.
	flagSet.String("platform", "unicorn", "specifies which platform runs sandboxed code.")
	flagSet.Var(archPtr(ArchX8632), "arch", "sandbox subarchitecture: x86-32 (default) or x86-64.")
	flagSet.Uint("addr-bits", nacl.MaxAddrBits, "log2 size of the sandbox address space.")
	flagSet.Uint64("stack-size", nacl.DefaultStackSize, "size of the main thread stack in bytes.")
	flagSet.String("cache-dir", "", "directory of a persistent validation cache. Empty disables the cache.")
	flagSet.Bool("Q", false, "skip the host qualification checks. Also set by "+SkipQualificationEnv+".")
	flagSet.Bool("Z", false, "validate against a fixed-feature CPU model instead of the host CPU.")
	flagSet.Bool("s", false, "stub out instructions the CPU does not support, replacing them with HLT.")
	flagSet.Var(new(flag.Count), "c", "DEBUG ONLY: once ignores validation failures, twice skips validation.")

	// Configuration file.
	flagSet.String("config", "", "TOML file whose keys are flag names. Command line flags take precedence.")
	flagSet.Bool("allow-flag-override", false, "allow the config file to set any flag, including ones that weaken the sandbox.")
}

// overrideAllowlist lists all flags that can be set from a config file
// without an administrator setting `--allow-flag-override` on the command
// line. Flags in this list should not make the sandbox less secure.
var overrideAllowlist = map[string]struct {
	check func(name string, value string) error
}{
	"l":            {},
	"log-format":   {},
	"v":            {},
	"q":            {},
	"metrics-file": {},
	"platform":     {},
	"arch":         {},
	"addr-bits":    {},
	"stack-size":   {},
	"cache-dir":    {},
	"s":            {},

	"Z": {check: checkEnableOnly},
}

// checkEnableOnly ensures that a boolean restriction can be enabled but not
// disabled.
func checkEnableOnly(name string, value string) error {
	enable, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if !enable {
		return fmt.Errorf("disabling %q requires flag %q to be enabled", name, "allow-flag-override")
	}
	return nil
}

// NewFromFlags creates a new Config with values coming from command line
// flags, completed by the config file if one is named.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}

	if conf.ConfigFile != "" {
		if err := conf.LoadFile(flagSet, conf.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile applies the settings of a TOML file. Keys are flag names; flags
// set on the command line keep their value.
func (c *Config) LoadFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if set[name] {
			continue
		}
		if err := c.Override(flagSet, name, fmt.Sprint(values[name])); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if err := c.isOverrideAllowed(name, value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)

		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

func (c *Config) isOverrideAllowed(name string, value string) error {
	switch name {
	case "config", "allow-flag-override":
		return fmt.Errorf("flag can only be set on the command line")
	}
	if c.AllowFlagOverride {
		return nil
	}
	// If the global override flag is not enabled, check if individual flag is
	// safe to apply.
	if allow, ok := overrideAllowlist[name]; ok {
		if allow.check != nil {
			if err := allow.check(name, value); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("flag override disabled, use --allow-flag-override to enable it")
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
