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
	"net"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/app"
	"gvisor.dev/sfi/pkg/control"
	"gvisor.dev/sfi/pkg/control/server"
	"gvisor.dev/sfi/pkg/gdbrsp"
	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/platform"
	"gvisor.dev/sfi/selldr/cmd/util"
	"gvisor.dev/sfi/selldr/config"
	"gvisor.dev/sfi/selldr/flag"
)

// defaultDebugAddr is where the debug stub listens by default.
const defaultDebugAddr = "localhost:4014"

// Run implements subcommands.Command for the "run" command.
type Run struct {
	bypassACL       bool
	irt             string
	startupSignal   bool
	env             flag.StringList
	file            string
	quitAfterLoad   bool
	debugStub       bool
	debugAddr       string
	redirects       redirects
	rpcSuppliesNexe bool
	exportAddrTo    int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "load, validate and run a module in the sandbox"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [-f] <nexe> [args...] - run a module; arguments after the module are passed to it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.bypassACL, "a", false, "DEBUG ONLY: bypass file access checks; the module sees its own path as argv[0].")
	f.StringVar(&r.irt, "B", "", "integrated runtime library loaded next to the module; it becomes the entry point.")
	f.BoolVar(&r.startupSignal, "d", false, "DEBUG ONLY: raise SIGCONT at startup so an attached debugger stops.")
	f.Var(&r.env, "E", "environment entry KEY=VALUE for the module; may be repeated.")
	f.StringVar(&r.file, "f", "", "module to load, instead of the first argument.")
	f.BoolVar(&r.quitAfterLoad, "F", false, "quit after loading the module; the exit status tells whether it loaded.")
	f.BoolVar(&r.debugStub, "g", false, "enable the gdb debug stub; threads start stopped.")
	f.StringVar(&r.debugAddr, "debug-addr", defaultDebugAddr, "TCP address the debug stub listens on.")
	f.Var(redirectFlag{list: &r.redirects, mode: os.O_RDWR}, "h", "d:D installs host descriptor D read-write as sandbox descriptor d.")
	f.Var(redirectFlag{list: &r.redirects, mode: os.O_RDONLY}, "r", "d:D installs host descriptor D read-only as sandbox descriptor d.")
	f.Var(redirectFlag{list: &r.redirects, mode: os.O_WRONLY}, "w", "d:D installs host descriptor D write-only as sandbox descriptor d.")
	f.Var(redirectFlag{list: &r.redirects, mode: imcMode}, "i", "d:D installs IMC socket D as sandbox descriptor d.")
	f.BoolVar(&r.rpcSuppliesNexe, "R", false, "the module is supplied over the command channel. Requires -X.")
	f.IntVar(&r.exportAddrTo, "X", -1, "set up the command channel and send its address on IMC socket descriptor X.")
}

// checkArgs applies the rules between flags and returns the module path
// (empty with -R) and the module's argv.
func (r *Run) checkArgs(args []string) (string, []string, error) {
	file := r.file
	if r.rpcSuppliesNexe {
		if file != "" {
			return "", nil, fmt.Errorf("mutually exclusive flags -f and -R both used")
		}
		if r.exportAddrTo < 0 {
			return "", nil, fmt.Errorf("-R requires -X to set up secure command channel")
		}
	} else {
		if file == "" && len(args) > 0 {
			file = args[0]
			args = args[1:]
		}
		if file == "" {
			return "", nil, fmt.Errorf("No nacl file specified")
		}
	}

	argv0 := "NaClMain"
	if file != "" && r.bypassACL {
		argv0 = file
	}
	return file, append([]string{argv0}, args...), nil
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	// The sandbox keeps its own copy of the configuration.
	conf := args[0].(*config.Config).Copy()
	ws := args[1].(*unix.WaitStatus)

	file, argv, err := r.checkArgs(f.Args())
	if err != nil {
		return util.Errorf("%v", err)
	}
	name := file
	if name == "" {
		name = "(no file, to-be-supplied-via-RPC)"
	}

	if r.startupSignal {
		log.Warningf("DEBUG taking startup signal (SIGCONT) now")
		unix.Kill(unix.Getpid(), unix.SIGCONT)
	}
	if r.bypassACL && !conf.Quiet {
		fmt.Fprintf(os.Stderr, "DEBUG MODE ENABLED (bypass acl)\n")
	}

	p, err := platform.Lookup(conf.Platform)
	if err != nil {
		return util.Errorf("%v", err)
	}
	cache, closeCache, err := openCache(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer closeCache()

	a := app.New(app.Options{
		Mode:            conf.Mode(),
		AddrBits:        conf.AddrBits,
		StackSize:       conf.StackSize,
		Platform:        p,
		Features:        features(conf),
		Cache:           cache,
		StubOut:         conf.StubOut,
		IgnoreValidator: conf.IgnoreValidatorResult(),
		SkipValidator:   conf.SkipValidator(),
		Debug:           r.debugStub,
	})

	// Load errors are reported over the command channel once it is up, so
	// processing goes on until then.
	status := nacl.LoadOK
	if !conf.SkipQualification {
		if err := a.Qualify(); err != nil {
			status = nacl.StatusOf(err)
			if !conf.Quiet {
				log.Warningf("Error while loading %q: %v", name, err)
			}
		}
	}

	// Open the runtime library before anything is loaded.
	var irt *os.File
	if r.irt != "" {
		irt, err = os.Open(r.irt)
		if err != nil {
			util.Fatalf("Cannot open %q: %v", r.irt, err)
		}
		defer irt.Close()
	}

	if err := hookupStdio(a.Descriptors()); err != nil {
		return util.Errorf("%v", err)
	}

	if !r.rpcSuppliesNexe {
		if status == nacl.LoadOK {
			log.Debugf("Loading nacl file %s (non-RPC)", file)
			status = loadFile(a, file)
			if status != nacl.LoadOK && !conf.Quiet {
				log.Warningf("Error while loading %q: %v\n"+
					"Using the wrong type of nexe (nacl-x86-32 on an x86-64 or vice versa)\n"+
					"or a corrupt nexe file may be responsible for this error.", file, status)
			}
		}
		if r.quitAfterLoad {
			if status != nacl.LoadOK {
				return subcommands.ExitFailure
			}
			return subcommands.ExitSuccess
		}
	}

	r.redirects.install(a.Descriptors())

	var channel *server.Server
	if r.exportAddrTo >= 0 {
		channel, err = startCommandChannel(a, r.exportAddrTo)
		if err != nil {
			return util.Errorf("setting up the command channel: %v", err)
		}
		defer channel.Stop()
	}

	if r.rpcSuppliesNexe {
		if s := a.WaitForLoadModule(ctx); s != nacl.LoadOK {
			status = s
		}
	}

	if irt != nil && status == nacl.LoadOK {
		if err := a.LoadIRT(ctx, irt); err != nil {
			status = nacl.StatusOf(err)
			log.Warningf("Error while loading %q: %v", r.irt, err)
		}
	}

	log.Debugf("NACL: Application output follows")

	if channel != nil {
		if s := a.WaitForStartModule(ctx); status == nacl.LoadOK {
			status = s
		}
	} else {
		a.StartModule()
	}

	if status != nacl.LoadOK {
		log.Infof("Not running app code since errcode is %v (%d)", status, int(status))
		if conf.Verbosity > 0 {
			fmt.Printf("Dumping vmmap.\n%s", a.Vmmap())
		}
		// The reply carrying the load status may still be in flight.
		// Wait for the embedder to hang up rather than have it see the
		// channel close first.
		if channel != nil {
			a.WaitForShutdown(ctx)
		}
		return subcommands.ExitFailure
	}

	if r.debugStub {
		target := gdbrsp.NewTarget(a.DebugProcess())
		a.SetThreadHooks(target)
		if err := serveDebugger(ctx, r.debugAddr, target); err != nil {
			return util.Errorf("starting the debug stub: %v", err)
		}
	}

	if _, err := a.CreateMainThread(argv, r.env); err != nil {
		util.Fatalf("creating main thread failed: %v", err)
	}
	code := a.WaitForMainThreadToExit()
	log.Infof("Module exited with status %d", code)
	*ws = waitStatus(code)
	return subcommands.ExitSuccess
}

// loadFile loads the module at path and returns the load status.
func loadFile(a *app.App, path string) nacl.Status {
	f, err := os.Open(path)
	if err != nil {
		log.Warningf("Opening %q: %v", path, err)
		return nacl.LoadReadError
	}
	defer f.Close()
	return nacl.StatusOf(a.LoadModule(f))
}

// startCommandChannel serves the command channel on a new socket and sends
// the socket's address on the bootstrap descriptor.
func startCommandChannel(a *app.App, bootstrapFD int) (*server.Server, error) {
	addr := fmt.Sprintf("@selldr-%d", os.Getpid())
	s, err := server.Create(addr)
	if err != nil {
		return nil, err
	}
	s.Register(&control.Module{Sandbox: a})
	s.Register(&control.Log{Logger: log.Log()})
	if err := s.StartServing(); err != nil {
		s.Stop()
		return nil, err
	}
	bootstrap := imc.NewSocket(bootstrapFD)
	if err := bootstrap.SendMsg([]byte(addr)); err != nil {
		s.Stop()
		return nil, fmt.Errorf("sending the address on descriptor %d: %w", bootstrapFD, err)
	}
	log.Infof("Command channel listening on %q", addr)
	return s, nil
}

// serveDebugger listens on addr and serves the first debugger that
// connects.
func serveDebugger(ctx context.Context, addr string, target *gdbrsp.Target) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infof("Debug stub listening on %s", l.Addr())
	go func() {
		defer l.Close()
		conn, err := l.Accept()
		if err != nil {
			log.Warningf("Debug stub accept: %v", err)
			return
		}
		defer conn.Close()
		if err := target.Serve(ctx, gdbrsp.NewSession(conn)); err != nil {
			log.Warningf("Debug session ended: %v", err)
		}
	}()
	return nil
}
