package executor

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

	. "github.com/PelionIoT/meshbase/error"
	. "github.com/PelionIoT/meshbase/logging"
)

const (
	taskPending   = iota
	taskRunning   = iota
	taskDone      = iota
	taskCancelled = iota
)

// Executor runs functions after a delay. Endpoint retransmission timers and
// probe runs share one executor per process.
type Executor interface {
	Schedule(delay time.Duration, fn func()) (*ScheduledTask, error)
}

type ScheduledTask struct {
	executor *TimerExecutor
	timer    *time.Timer
	fireTime time.Time
	fn       func()
	state    int
	mu       sync.Mutex
}

// Cancel prevents the task from running. It returns false if the task
// already started, finished or was cancelled before.
func (task *ScheduledTask) Cancel() bool {
	task.mu.Lock()

	if task.state != taskPending {
		task.mu.Unlock()

		return false
	}

	task.state = taskCancelled
	task.timer.Stop()
	task.mu.Unlock()

	task.executor.forget(task)

	return true
}

func (task *ScheduledTask) Pending() bool {
	task.mu.Lock()
	defer task.mu.Unlock()

	return task.state == taskPending
}

func (task *ScheduledTask) FireTime() time.Time {
	return task.fireTime
}

func (task *ScheduledTask) run() {
	task.mu.Lock()

	if task.state != taskPending {
		task.mu.Unlock()

		return
	}

	task.state = taskRunning
	task.mu.Unlock()

	defer func() {
		task.mu.Lock()
		task.state = taskDone
		task.mu.Unlock()

		task.executor.forget(task)
		task.executor.running.Done()
	}()

	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("Scheduled task panicked: %v", r)
		}
	}()

	task.fn()
}

// TimerExecutor is an Executor backed by runtime timers. Tasks run on their
// own goroutines so a slow task never delays another one.
type TimerExecutor struct {
	mu       sync.Mutex
	pending  map[*ScheduledTask]bool
	running  sync.WaitGroup
	shutdown bool
}

func NewTimerExecutor() *TimerExecutor {
	return &TimerExecutor{
		pending: make(map[*ScheduledTask]bool),
	}
}

func (executor *TimerExecutor) Schedule(delay time.Duration, fn func()) (*ScheduledTask, error) {
	executor.mu.Lock()
	defer executor.mu.Unlock()

	if executor.shutdown {
		return nil, EExecutorStopped
	}

	if delay < 0 {
		delay = 0
	}

	task := &ScheduledTask{
		executor: executor,
		fireTime: time.Now().Add(delay),
		fn:       fn,
		state:    taskPending,
	}

	executor.pending[task] = true
	executor.running.Add(1)

	task.mu.Lock()
	task.timer = time.AfterFunc(delay, task.run)
	task.mu.Unlock()

	return task, nil
}

func (executor *TimerExecutor) forget(task *ScheduledTask) {
	executor.mu.Lock()
	defer executor.mu.Unlock()

	if _, ok := executor.pending[task]; !ok {
		return
	}

	delete(executor.pending, task)

	task.mu.Lock()
	cancelled := task.state == taskCancelled
	task.mu.Unlock()

	if cancelled {
		executor.running.Done()
	}
}

// Pending returns the number of tasks that have been scheduled but not
// completed or cancelled yet.
func (executor *TimerExecutor) Pending() int {
	executor.mu.Lock()
	defer executor.mu.Unlock()

	return len(executor.pending)
}

// Shutdown cancels every pending task and waits for running tasks to
// return. Later calls to Schedule fail with EExecutorStopped.
func (executor *TimerExecutor) Shutdown() {
	executor.mu.Lock()

	if executor.shutdown {
		executor.mu.Unlock()

		return
	}

	executor.shutdown = true
	tasks := make([]*ScheduledTask, 0, len(executor.pending))

	for task := range executor.pending {
		tasks = append(tasks, task)
	}

	executor.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}

	executor.running.Wait()
}
