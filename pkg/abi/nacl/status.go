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

package nacl

import "fmt"

// Status is the result code of loading and starting a module. It is reported
// to the embedder over the command channel and mapped to the process exit
// status by the bootstrap.
type Status int

// Load status codes.
const (
	LoadOK Status = iota
	LoadStatusUnknown
	LoadInternal
	LoadReadError
	LoadBadElfMagic
	LoadWrongClass
	LoadBadAbi
	LoadNotExec
	LoadBadMachine
	LoadBadElfVers
	LoadTooManyProgHdrs
	LoadBadPhentsize
	LoadDupSegment
	LoadSegmentBadLoc
	LoadSegmentOutsideAddrSpace
	LoadSegmentBadParam
	LoadBadElfText
	LoadBadSegment
	LoadRequiredSegMissing
	LoadAddrSpaceTooBig
	LoadAddrSpaceTooSmall
	LoadBadEntry
	LoadDataNotLastSegment
	LoadNoDataButRodataNotLast
	LoadRodataOverlapsData
	LoadTextOverlapsRodata
	LoadTextOverlapsData
	LoadBadRodataAlignment
	LoadBadDataAlignment
	LoadNoHaltSledGap
	LoadNoMemory
	LoadValidationFailed
	LoadUnimplemented
	LoadCpuNotSupported
	LoadUnsupportedOS
	LoadNoModule
	LoadModuleAlreadyLoaded
	SrtNoSegSel
)

var statusStrings = map[Status]string{
	LoadOK:                      "Ok",
	LoadStatusUnknown:           "Load status unknown (load incomplete)",
	LoadInternal:                "Internal error",
	LoadReadError:               "Cannot read file",
	LoadBadElfMagic:             "Bad ELF header magic number",
	LoadWrongClass:              "ELF class does not match the sandbox subarchitecture",
	LoadBadAbi:                  "ELF file has unexpected OS ABI or ABI version",
	LoadNotExec:                 "ELF file type not executable",
	LoadBadMachine:              "ELF file for wrong architecture",
	LoadBadElfVers:              "ELF version mismatch",
	LoadTooManyProgHdrs:         "Too many program header entries in ELF file",
	LoadBadPhentsize:            "ELF program header entry size too small",
	LoadDupSegment:              "ELF file has duplicate segment",
	LoadSegmentBadLoc:           "ELF segment is not at its required address",
	LoadSegmentOutsideAddrSpace: "Segment outside of valid address range",
	LoadSegmentBadParam:         "ELF segment parameters are inconsistent",
	LoadBadElfText:              "ELF file has no text segment",
	LoadBadSegment:              "ELF file has unrecognizable segment",
	LoadRequiredSegMissing:      "ELF file is missing a required segment",
	LoadAddrSpaceTooBig:         "Address space too big",
	LoadAddrSpaceTooSmall:       "Address space too small",
	LoadBadEntry:                "Bad program entry point address",
	LoadDataNotLastSegment:      "Data segment is not the last segment",
	LoadNoDataButRodataNotLast:  "No data segment, and read-only data segment is not last",
	LoadRodataOverlapsData:      "Read-only data segment overlaps data segment",
	LoadTextOverlapsRodata:      "Text segment overlaps read-only data segment",
	LoadTextOverlapsData:        "Text segment overlaps data segment",
	LoadBadRodataAlignment:      "Read-only data segment is not allocation page aligned",
	LoadBadDataAlignment:        "Data segment is not allocation page aligned",
	LoadNoHaltSledGap:           "Missing gap between text and data for the halt sled",
	LoadNoMemory:                "Insufficient memory to load file",
	LoadValidationFailed:        "Validation failure. File violates sandbox rules",
	LoadUnimplemented:           "Not implemented for this architecture",
	LoadCpuNotSupported:         "CPU does not support the sandbox subarchitecture",
	LoadUnsupportedOS:           "Host operating system is not supported",
	LoadNoModule:                "No module was supplied before start",
	LoadModuleAlreadyLoaded:     "A module has already been loaded",
	SrtNoSegSel:                 "Service runtime: no segment selector available",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown load status %d", int(s))
}

// Error is a Status carried through Go error returns.
type Error struct {
	Status Status

	// Detail optionally names the offending segment or value.
	Detail string
}

// Error implements error.Error.
func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Detail)
}

// Is allows errors.Is(err, &Error{Status: s}) to match on the status only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Status == e.Status
}

// Errorf returns an *Error with a formatted detail.
func Errorf(s Status, format string, args ...any) error {
	return &Error{Status: s, Detail: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the status of err. A nil error is LoadOK, and errors
// that carry no status are LoadInternal.
func StatusOf(err error) Status {
	if err == nil {
		return LoadOK
	}
	for e := err; e != nil; {
		if s, ok := e.(*Error); ok {
			return s.Status
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return LoadInternal
}
