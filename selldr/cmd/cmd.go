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

// Package cmd holds implementations of the selldr commands.
package cmd

import (
	"fmt"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/vcache"
	"gvisor.dev/sfi/selldr/config"
)

// features returns the CPU that code is validated against.
func features(conf *config.Config) cpuid.FeatureSet {
	if conf.FixedFeatureCPU {
		return cpuid.FixedFeatureSet()
	}
	return cpuid.HostFeatureSet()
}

// openCache opens the validation cache named by the config. The returned
// cache is nil when caching is disabled; the cleanup function is never nil.
func openCache(conf *config.Config) (vcache.Cache, func(), error) {
	if conf.CacheDir == "" {
		return nil, func() {}, nil
	}
	db, err := vcache.OpenLevelDB(conf.CacheDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening validation cache %q: %w", conf.CacheDir, err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Warningf("Closing validation cache: %v", err)
		}
	}, nil
}

// waitStatus converts a sandbox exit status into a host wait status. A
// negative status is the signal that killed the sandbox.
func waitStatus(code int) unix.WaitStatus {
	if code < 0 {
		return unix.WaitStatus(-code & 0x7f)
	}
	return unix.WaitStatus((code & 0xff) << 8)
}
