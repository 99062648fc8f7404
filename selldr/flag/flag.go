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

// Package flag wraps flag primitives.
package flag

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// FlagSet is an alias for flag.FlagSet.
type FlagSet = flag.FlagSet

// Flag is an alias for flag.Flag.
type Flag = flag.Flag

// Value is an alias for flag.Value.
type Value = flag.Value

// Aliases for flag functions.
var (
	Bool        = flag.Bool
	CommandLine = flag.CommandLine
	Duration    = flag.Duration
	Int         = flag.Int
	Lookup      = flag.Lookup
	NewFlagSet  = flag.NewFlagSet
	Parse       = flag.Parse
	String      = flag.String
	Uint        = flag.Uint
	Var         = flag.Var
)

// ContinueOnError is an alias for flag.ContinueOnError.
const ContinueOnError = flag.ContinueOnError

// Get returns the flag's underlying object.
func Get(v Value) any {
	return v.(flag.Getter).Get()
}

// Count is a flag that counts how many times it was given, like -v -v.
// An explicit value (-v=3) sets the count.
type Count int

// IsBoolFlag lets the flag be given without a value.
func (c *Count) IsBoolFlag() bool { return true }

// Set implements flag.Value.Set.
func (c *Count) Set(s string) error {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid count %q", s)
		}
		*c = Count(n)
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid count %q", s)
	}
	if b {
		*c++
	} else {
		*c = 0
	}
	return nil
}

// Get implements flag.Getter.Get.
func (c *Count) Get() any {
	return int(*c)
}

// String implements flag.Value.String.
func (c *Count) String() string {
	return strconv.Itoa(int(*c))
}

// StringList collects every value of a repeatable flag, in order.
type StringList []string

// Set implements flag.Value.Set.
func (l *StringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

// Get implements flag.Getter.Get.
func (l *StringList) Get() any {
	return []string(*l)
}

// String implements flag.Value.String.
func (l *StringList) String() string {
	return strings.Join(*l, ",")
}
