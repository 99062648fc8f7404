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

// Package cpuid provides basic functionality for creating and adjusting CPU
// feature sets as seen by the x86 validator.
//
// To use FeatureSets, one should start with an existing FeatureSet (either
// FixedFeatureSet() or HostFeatureSet()) and then add, remove, and test for
// features as desired.
//
// For example: a module may use SSE4.1 only if the host supports it.
//
//	if !HostFeatureSet().HasFeature(SSE41) {
//	  // reject, or stub out when explicitly enabled.
//	}
package cpuid

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Feature is a unique identifier for a particular cpu feature.
type Feature int

// Features known to the validator.
const (
	X87 Feature = iota
	MMX
	SSE
	SSE2
	SSE3
	SSSE3
	SSE41
	SSE42
	MOVBE
	POPCNT
	CX8
	CX16
	CMOV
	MON
	FXSR
	CLFLUSH

	// These instructions are illegal in the sandbox but included for
	// completeness.
	MSR
	TSC
	VME
	PSN
	VMX

	// AMD-specific features.
	ThreeDNow
	EMMX
	E3DNow
	LZCNT
	SSE4A
	LM
	SVM

	numFeatures
)

var featureNames = [numFeatures]string{
	X87:       "x87",
	MMX:       "mmx",
	SSE:       "sse",
	SSE2:      "sse2",
	SSE3:      "sse3",
	SSSE3:     "ssse3",
	SSE41:     "sse4_1",
	SSE42:     "sse4_2",
	MOVBE:     "movbe",
	POPCNT:    "popcnt",
	CX8:       "cx8",
	CX16:      "cx16",
	CMOV:      "cmov",
	MON:       "monitor",
	FXSR:      "fxsr",
	CLFLUSH:   "clflush",
	MSR:       "msr",
	TSC:       "tsc",
	VME:       "vme",
	PSN:       "psn",
	VMX:       "vmx",
	ThreeDNow: "3dnow",
	EMMX:      "mmxext",
	E3DNow:    "3dnowext",
	LZCNT:     "lzcnt",
	SSE4A:     "sse4a",
	LM:        "lm",
	SVM:       "svm",
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	if f >= 0 && f < numFeatures {
		return featureNames[f]
	}
	return fmt.Sprintf("feature(%d)", int(f))
}

// FeatureFromString returns the Feature with the given name.
func FeatureFromString(s string) (Feature, bool) {
	for f, name := range featureNames {
		if name == s {
			return Feature(f), true
		}
	}
	return 0, false
}

// Vendor strings the sandbox runs on.
const (
	VendorIntel = "GenuineIntel"
	VendorAMD   = "AuthenticAMD"
)

// FeatureSet is a set of Features for a CPU.
type FeatureSet struct {
	// Vendor is the CPUID vendor string, or empty if unknown.
	Vendor string

	// CPUIDSupported is false only on hosts that cannot report features.
	CPUIDSupported bool

	bits uint64
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs FeatureSet) HasFeature(f Feature) bool {
	return fs.bits&(1<<uint(f)) != 0
}

// Add adds f to the set.
func (fs *FeatureSet) Add(f Feature) {
	fs.bits |= 1 << uint(f)
}

// Remove removes f from the set.
func (fs *FeatureSet) Remove(f Feature) {
	fs.bits &^= 1 << uint(f)
}

// Subset returns true if every feature of fs is also in other.
func (fs FeatureSet) Subset(other FeatureSet) bool {
	return fs.bits&^other.bits == 0
}

// Bytes returns a stable encoding of the set, suitable as part of a
// validation cache key.
func (fs FeatureSet) Bytes() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], fs.bits)
	return b[:]
}

// String lists the features in the set.
func (fs FeatureSet) String() string {
	var names []string
	for f := Feature(0); f < numFeatures; f++ {
		if fs.HasFeature(f) {
			names = append(names, f.String())
		}
	}
	return strings.Join(names, " ")
}

// ErrIncompatible is returned by FeatureSet.Supported if the CPU cannot run
// sandboxed code at all.
type ErrIncompatible struct {
	message string
}

// Error implements error.
func (e ErrIncompatible) Error() string {
	return e.message
}

// Supported returns nil iff the sandbox can run on a CPU with this feature
// set. Only Intel and AMD parts with CPUID are supported; 64-bit sandboxes
// additionally need long mode.
func (fs FeatureSet) Supported(wordBits int) error {
	if !fs.CPUIDSupported {
		return ErrIncompatible{"CPUID instruction not supported"}
	}
	if fs.Vendor != VendorIntel && fs.Vendor != VendorAMD {
		return ErrIncompatible{fmt.Sprintf("unsupported CPU vendor %q", fs.Vendor)}
	}
	if wordBits == 64 && !fs.HasFeature(LM) {
		return ErrIncompatible{"CPU does not support long mode"}
	}
	return nil
}

// FixedFeatureSet returns the feature set of the fixed-feature CPU model
// (sel_ldr -Z): a conservative SSE3-era part. Modules validated against it
// run on any supported host.
func FixedFeatureSet() FeatureSet {
	fs := FeatureSet{Vendor: VendorIntel, CPUIDSupported: true}
	for _, f := range []Feature{X87, MMX, SSE, SSE2, SSE3, CX8, CMOV, FXSR, CLFLUSH, TSC, LM} {
		fs.Add(f)
	}
	return fs
}

// AllFeatureSet returns a feature set with every feature present. It is used
// by tools that describe code independently of the host.
func AllFeatureSet() FeatureSet {
	fs := FeatureSet{Vendor: VendorIntel, CPUIDSupported: true}
	fs.bits = 1<<uint(numFeatures) - 1
	return fs
}
