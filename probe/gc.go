package probe

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
	"time"

	. "github.com/PelionIoT/meshbase/logging"
)

// GarbageCollector sweeps the scheduler for unneeded shadows at a fixed
// interval.
type GarbageCollector struct {
	scheduler  *Scheduler
	gcInterval time.Duration
	done       chan bool
	stopOnce   sync.Once
}

func NewGarbageCollector(scheduler *Scheduler, gcInterval time.Duration) *GarbageCollector {
	return &GarbageCollector{
		scheduler:  scheduler,
		gcInterval: gcInterval,
		done:       make(chan bool),
	}
}

func (garbageCollector *GarbageCollector) Start() {
	go func() {
		for {
			select {
			case <-garbageCollector.done:
				return
			case <-time.After(garbageCollector.gcInterval):
				Log.Debugf("Performing garbage collection sweep on shadows")

				garbageCollector.scheduler.Sweep()
			}
		}
	}()
}

func (garbageCollector *GarbageCollector) Stop() {
	garbageCollector.stopOnce.Do(func() {
		close(garbageCollector.done)
	})
}
