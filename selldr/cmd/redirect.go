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
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/desc"
	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/log"
)

// imcMode marks a redirect of an IMC socket rather than a host file.
const imcMode = -1

// redirect installs host descriptor hostFD as sandbox descriptor naclFD.
type redirect struct {
	naclFD int
	hostFD int

	// mode is the open mode of a host file, or imcMode.
	mode int
}

// redirects collects -h, -r, -w and -i in command line order. Later
// redirects of the same sandbox descriptor win.
type redirects []redirect

// redirectFlag is the flag.Value of one of the redirect flags.
type redirectFlag struct {
	list *redirects
	mode int
}

// Set implements flag.Value.Set. The value is d:D, both in C integer
// syntax.
func (r redirectFlag) Set(s string) error {
	nacl, host, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("redirect %q: want d:D", s)
	}
	naclFD, err := strconv.ParseInt(nacl, 0, 32)
	if err != nil || naclFD < 0 {
		return fmt.Errorf("redirect %q: bad sandbox descriptor %q", s, nacl)
	}
	hostFD, err := strconv.ParseInt(host, 0, 32)
	if err != nil || hostFD < 0 {
		return fmt.Errorf("redirect %q: bad host descriptor %q", s, host)
	}
	*r.list = append(*r.list, redirect{naclFD: int(naclFD), hostFD: int(hostFD), mode: r.mode})
	return nil
}

// String implements flag.Value.String.
func (r redirectFlag) String() string {
	if r.list == nil {
		return ""
	}
	var b strings.Builder
	for _, e := range *r.list {
		if e.mode != r.mode {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d:%d", e.naclFD, e.hostFD)
	}
	return b.String()
}

// desc wraps the host descriptor. The table takes ownership of it.
func (r redirect) desc() desc.Desc {
	if r.mode == imcMode {
		return desc.NewImcSocket(imc.NewSocket(r.hostFD))
	}
	f := os.NewFile(uintptr(r.hostFD), fmt.Sprintf("host-fd-%d", r.hostFD))
	return desc.NewHostIO(f, desc.AccessFromFlags(r.mode))
}

// install executes the redirects against the table.
func (rs redirects) install(fds *desc.Table) {
	for _, r := range rs {
		d := r.desc()
		if err := fds.Set(r.naclFD, d); err != nil {
			d.DecRef()
			log.Warningf("Redirecting host descriptor %d to %d: %v", r.hostFD, r.naclFD, err)
		}
	}
}

// hookupStdio makes the sandbox descriptors 0, 1 and 2 refer to the host's
// standard streams. The host descriptors are duplicated so that the module
// closing them does not close ours.
func hookupStdio(fds *desc.Table) error {
	var rs redirects
	for fd, mode := range []int{os.O_RDONLY, os.O_WRONLY, os.O_WRONLY} {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("dup of host descriptor %d: %w", fd, err)
		}
		rs = append(rs, redirect{naclFD: fd, hostFD: nfd, mode: mode})
	}
	rs.install(fds)
	return nil
}
