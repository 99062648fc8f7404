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

package desc

import (
	"fmt"
	"sync"
	"time"
)

// Mutex is a sandbox mutex. Unlike sync.Mutex, unlocking an unlocked Mutex
// is an error rather than a crash.
type Mutex struct {
	base
	sem chan struct{}
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: make(chan struct{}, 1)}
}

// DecRef implements refs.RefCounter.DecRef.
func (m *Mutex) DecRef() {
	m.DecRefWithDestructor(nil)
}

// Lock blocks until m is acquired.
func (m *Mutex) Lock() {
	m.sem <- struct{}{}
}

// TryLock acquires m if it is free.
func (m *Mutex) TryLock() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases m. It returns false if m was not locked.
func (m *Mutex) Unlock() bool {
	select {
	case <-m.sem:
		return true
	default:
		return false
	}
}

func (m *Mutex) String() string {
	return "Mutex"
}

// CondVar is a sandbox condition variable.
type CondVar struct {
	base

	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCondVar returns a condition variable with no waiters.
func NewCondVar() *CondVar {
	return &CondVar{}
}

// DecRef implements refs.RefCounter.DecRef.
func (c *CondVar) DecRef() {
	c.DecRefWithDestructor(nil)
}

// Wait unlocks m, waits for a signal or the deadline and locks m again. A
// zero deadline waits forever. It returns false on timeout, and an error if
// m was not held.
func (c *CondVar) Wait(m *Mutex, deadline time.Time) (bool, error) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	if !m.Unlock() {
		c.remove(ch)
		return false, fmt.Errorf("wait on unlocked mutex")
	}
	defer m.Lock()

	if deadline.IsZero() {
		<-ch
		return true, nil
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		if c.remove(ch) {
			return false, nil
		}
		// Signalled concurrently with the timeout.
		return true, nil
	}
}

// remove drops ch from the waiters and reports whether it was still there.
func (c *CondVar) remove(ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Signal wakes one waiter.
func (c *CondVar) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) > 0 {
		close(c.waiters[0])
		c.waiters = c.waiters[1:]
	}
}

// Broadcast wakes all waiters.
func (c *CondVar) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

func (c *CondVar) String() string {
	return "CondVar"
}
