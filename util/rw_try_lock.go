package util

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
	"sync"
)

// RWTryLock is a reader/writer lock whose readers never block. Once a writer
// has asked for the lock TryRLock fails until WUnlock is called, even while
// WLock is still waiting for earlier readers to leave. The zero value is an
// unlocked lock.
type RWTryLock struct {
	mu      sync.Mutex
	rw      sync.RWMutex
	writing bool
}

func (lock *RWTryLock) TryRLock() bool {
	lock.mu.Lock()
	defer lock.mu.Unlock()

	if lock.writing {
		return false
	}

	lock.rw.RLock()

	return true
}

func (lock *RWTryLock) RUnlock() {
	lock.rw.RUnlock()
}

func (lock *RWTryLock) WLock() {
	lock.mu.Lock()
	lock.writing = true
	lock.mu.Unlock()

	lock.rw.Lock()
}

func (lock *RWTryLock) WUnlock() {
	lock.mu.Lock()
	defer lock.mu.Unlock()

	lock.rw.Unlock()
	lock.writing = false
}
