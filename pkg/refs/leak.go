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

package refs

import (
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/sfi/pkg/log"
)

// CheckedObject is a reference-counted object tracked for leaks.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string
}

var (
	// liveObjects holds every registered object that has not been
	// destroyed. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if _, ok := liveObjects[obj]; ok {
		panic(fmt.Sprintf("Unexpected entry in leak map: %v", obj))
	}
	liveObjects[obj] = struct{}{}
}

// Unregister removes obj from the live object map. It is called by the
// object's destructor.
func Unregister(obj CheckedObject) {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if _, ok := liveObjects[obj]; !ok {
		panic(fmt.Sprintf("Expected to find entry in leak map for: %v", obj))
	}
	delete(liveObjects, obj)
}

// DoLeakCheck logs every object still alive and returns their messages,
// sorted.
func DoLeakCheck() []string {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	var leaks []string
	for obj := range liveObjects {
		leaks = append(leaks, fmt.Sprintf("%s: %s", obj.RefType(), obj.LeakMessage()))
	}
	sort.Strings(leaks)
	for _, l := range leaks {
		log.Warningf("Leak of %s", l)
	}
	return leaks
}
