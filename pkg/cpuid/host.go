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

package cpuid

import (
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
	"gvisor.dev/sfi/pkg/log"
)

var (
	hostOnce       sync.Once
	hostFeatureSet FeatureSet
)

// HostFeatureSet returns a FeatureSet that matches that of the host machine.
func HostFeatureSet() FeatureSet {
	hostOnce.Do(func() {
		hostFeatureSet = readHostFeatureSet("/proc/cpuinfo")
	})
	return hostFeatureSet
}

// cpuinfoFlags maps /proc/cpuinfo flag names to features. Names that match
// featureNames are handled implicitly.
var cpuinfoFlags = map[string]Feature{
	"fpu":    X87,
	"pni":    SSE3,
	"abm":    LZCNT,
	"pn":     PSN,
	"cx16":   CX16,
	"mmxext": EMMX,
}

func readHostFeatureSet(path string) FeatureSet {
	fs := FeatureSet{CPUIDSupported: cpu.X86.HasSSE2}

	// Features the Go runtime already probed.
	for _, p := range []struct {
		has bool
		f   Feature
	}{
		{cpu.X86.HasSSE2, SSE2},
		{cpu.X86.HasSSE3, SSE3},
		{cpu.X86.HasSSSE3, SSSE3},
		{cpu.X86.HasSSE41, SSE41},
		{cpu.X86.HasSSE42, SSE42},
		{cpu.X86.HasPOPCNT, POPCNT},
	} {
		if p.has {
			fs.Add(p.f)
		}
	}

	// SSE2 implies the baseline of every x86-64 part.
	if fs.HasFeature(SSE2) {
		for _, f := range []Feature{X87, MMX, SSE, CX8, CMOV, FXSR, TSC, MSR} {
			fs.Add(f)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		log.Warningf("Could not read %s: %v", path, err)
		return fs
	}
	parseCPUInfo(string(b), &fs)
	return fs
}

// parseCPUInfo fills fs from the first processor entry of /proc/cpuinfo.
func parseCPUInfo(cpuinfo string, fs *FeatureSet) {
	for _, line := range strings.Split(cpuinfo, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			if fs.Vendor == "" {
				fs.Vendor = value
			}
		case "flags":
			for _, flag := range strings.Fields(value) {
				if f, ok := cpuinfoFlags[flag]; ok {
					fs.Add(f)
				} else if f, ok := FeatureFromString(flag); ok {
					fs.Add(f)
				}
			}
			// Only the first processor is considered.
			return
		}
	}
}
