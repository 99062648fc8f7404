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

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/selldr/cmd/util"
	"gvisor.dev/sfi/selldr/config"
	"gvisor.dev/sfi/selldr/flag"
)

// CheckElf implements subcommands.Command for the "checkelf" command.
type CheckElf struct{}

// Name implements subcommands.Command.Name.
func (*CheckElf) Name() string {
	return "checkelf"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CheckElf) Synopsis() string {
	return "check module headers without loading or validating code"
}

// Usage implements subcommands.Command.Usage.
func (*CheckElf) Usage() string {
	return `checkelf <file>... - print the layout of each module or the reason it would not load.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*CheckElf) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*CheckElf) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		if err := checkElf(path, conf); err != nil {
			fmt.Printf("%s: %v (%v)\n", path, err, nacl.StatusOf(err))
			status = util.Errorf("%s: %v", path, err)
		}
	}
	return status
}

func checkElf(path string, conf *config.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	img, bundle, err := checkImage(f, conf)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %v entry=%#x bundle=%d\n", path, img.Class, img.Header.Entry, bundle)
	fmt.Printf("  text   %#08x-%#08x\n", uint64(0), img.StaticTextEnd)
	if img.RodataStart != 0 {
		fmt.Printf("  rodata %#08x-%#08x\n", img.RodataStart, img.RodataEnd)
	}
	if img.DataStart != 0 {
		fmt.Printf("  data   %#08x-%#08x\n", img.DataStart, img.DataEnd)
	}
	fmt.Printf("  end    %#08x\n", img.MaxVaddr)
	return nil
}
