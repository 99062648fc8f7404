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

package vcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"gvisor.dev/sfi/pkg/log"
)

// recordVersion is bumped whenever the validator's rules change, which
// invalidates every stored entry.
const recordVersion = 1

// record is the value stored for each known-valid key.
type record struct {
	Version int       `cbor:"1,keyasint"`
	Mode    string    `cbor:"2,keyasint"`
	Bundle  int       `cbor:"3,keyasint"`
	Time    time.Time `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("vcache: CBOR encoder: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("vcache: CBOR decoder: %v", err))
	}
}

// LevelDB is a cache persisted in a LevelDB database, shared by every
// sandbox started with the same cache directory.
type LevelDB struct {
	db *leveldb.DB

	// now is replaced in tests.
	now func() time.Time
}

// OpenLevelDB opens or creates the cache database in dir.
func OpenLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening validation cache %q: %w", dir, err)
	}
	return &LevelDB{db: db, now: time.Now}, nil
}

// NewMemLevelDB returns a LevelDB cache backed by memory.
func NewMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory validation cache: %w", err)
	}
	return &LevelDB{db: db, now: time.Now}, nil
}

// IsKnownValid implements Cache.IsKnownValid. Lookup failures are treated
// as misses.
func (c *LevelDB) IsKnownValid(q *Query) bool {
	k := q.Key()
	data, err := c.db.Get(k[:], nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			log.Warningf("Validation cache lookup of %v failed: %v", k, err)
		}
		return false
	}
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		log.Warningf("Validation cache entry %v is corrupt: %v", k, err)
		return false
	}
	return r.Version == recordVersion && r.Mode == q.Mode.String() && r.Bundle == q.BundleSize
}

// SetKnownValid implements Cache.SetKnownValid. Failures are logged and
// otherwise ignored: the next load simply validates again.
func (c *LevelDB) SetKnownValid(q *Query) {
	k := q.Key()
	data, err := encMode.Marshal(record{
		Version: recordVersion,
		Mode:    q.Mode.String(),
		Bundle:  q.BundleSize,
		Time:    c.now().UTC(),
	})
	if err != nil {
		log.Warningf("Encoding validation cache entry %v: %v", k, err)
		return
	}
	if err := c.db.Put(k[:], data, nil); err != nil {
		log.Warningf("Storing validation cache entry %v: %v", k, err)
	}
}

// Close closes the database.
func (c *LevelDB) Close() error {
	return c.db.Close()
}
