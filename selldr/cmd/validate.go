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
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/vcache"
	"gvisor.dev/sfi/pkg/x86/validator"
	"gvisor.dev/sfi/selldr/cmd/util"
	"gvisor.dev/sfi/selldr/config"
	"gvisor.dev/sfi/selldr/flag"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	raw       bool
	vbase     uint64
	bundle    int
	quitFirst bool
	jobs      int
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "check that modules only contain code the sandbox accepts"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate [flags] <file>... - validate the text segment of each module.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Validate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&v.raw, "raw", false, "treat files as bare code instead of modules.")
	f.Uint64Var(&v.vbase, "vbase", 0x20000, "address of the first byte of bare code.")
	f.IntVar(&v.bundle, "bundle", 32, "bundle size of bare code, 16 or 32.")
	f.BoolVar(&v.quitFirst, "quit-first", false, "stop each file at its first error.")
	f.IntVar(&v.jobs, "j", 0, "files validated at once; 0 means GOMAXPROCS.")
}

// validation is the outcome for one file.
type validation struct {
	path   string
	status validator.Status
	res    *validator.Result
	stats  validator.Stats
	err    error
}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	cache, closeCache, err := openCache(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer closeCache()

	raw := rawText{enabled: v.raw, vbase: v.vbase, bundle: v.bundle}
	out := make([]validation, f.NArg())
	g, gctx := errgroup.WithContext(ctx)
	jobs := v.jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(jobs)
	for i, path := range f.Args() {
		out[i].path = path
		g.Go(func() error {
			v.validateFile(gctx, conf, cache, raw, &out[i])
			// Each file is reported on its own; only cancellation stops
			// the others.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("validation interrupted: %v", err)
	}

	var total validator.Stats
	failed := 0
	for i := range out {
		o := &out[i]
		total.Add(&o.stats)
		if !v.report(o) {
			failed++
		}
	}
	total.Record()
	log.Infof("Validated %d files: %d instructions, %d cache hits, %d rejected", len(out), total.Instructions, total.CacheHits, failed)
	if failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (v *Validate) validateFile(ctx context.Context, conf *config.Config, cache vcache.Cache, raw rawText, o *validation) {
	seg, err := readText(o.path, conf, raw)
	if err != nil {
		o.err = err
		return
	}
	req := &validator.Request{
		Mode:                conf.Mode(),
		VBase:               seg.vbase,
		Code:                seg.code,
		BundleSize:          seg.bundle,
		Features:            features(conf),
		Cache:               cache,
		QuitAfterFirstError: v.quitFirst,
		Logger:              log.Component(log.Log(), o.path),
		Stats:               &o.stats,
	}
	if conf.StubOut {
		req.Action = validator.ActionStubOut
		if status, _ := validator.Apply(ctx, req); status != validator.Succeeded {
			o.status = status
			return
		}
		req.Action = validator.ActionValidate
	}
	o.status, o.res = validator.Apply(ctx, req)
}

// report prints the outcome for one file and returns whether it was valid.
func (v *Validate) report(o *validation) bool {
	switch {
	case o.err != nil:
		fmt.Printf("%s: %v\n", o.path, o.err)
		return false
	case o.res == nil && o.status == validator.Succeeded:
		fmt.Printf("%s: valid (cached)\n", o.path)
		return true
	case o.res == nil:
		fmt.Printf("%s: %v\n", o.path, o.status)
		return false
	}
	for _, d := range o.res.Diagnostics {
		fmt.Printf("%s: %v\n", o.path, d)
	}
	if dropped := o.res.Errors - len(o.res.Diagnostics); dropped > 0 {
		fmt.Printf("%s: %d more errors\n", o.path, dropped)
	}
	if o.res.Stubbed > 0 {
		fmt.Printf("%s: %d instructions stubbed out\n", o.path, o.res.Stubbed)
	}
	if o.status != validator.Succeeded {
		fmt.Printf("%s: invalid\n", o.path)
		return false
	}
	fmt.Printf("%s: valid\n", o.path)
	return true
}
