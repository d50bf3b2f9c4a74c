// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/util"
)

type streamTask struct {
	name string
	fn   func() error
	// always tasks run even after the stream failed, so that events fire
	// and waiters on other streams are released.
	always bool
}

// Stream is an ordered queue of device work. Submission never waits for
// the work; the first failure is sticky: later work is skipped and the error
// is returned by Synchronize.
type Stream struct {
	dev    *Device
	id     int
	tasks  chan streamTask
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
	closed atomic.Bool
}

func (dev *Device) NewStream() *Stream {
	s := &Stream{
		dev:   dev,
		id:    int(dev.streamID.Add(1)),
		tasks: make(chan streamTask, 1024),
	}
	go s.worker()
	return s
}

func (s *Stream) Device() *Device {
	return s.dev
}

func (s *Stream) ID() int {
	return s.id
}

func (s *Stream) worker() {
	for task := range s.tasks {
		s.run(task)
		s.wg.Done()
	}
}

func (s *Stream) run(task streamTask) {
	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()
	if failed && !task.always {
		return
	}
	err := task.fn()
	if err == nil {
		return
	}
	util.Error("stream task failed",
		zap.Int("stream", s.id),
		zap.String("task", task.name),
		zap.Error(err))
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Stream) submit(task streamTask) error {
	if s.closed.Load() {
		return common.NewInvalidArgError("Stream.Submit", "stream %d is closed", s.id)
	}
	s.wg.Add(1)
	s.tasks <- task
	return nil
}

// Submit enqueues a host function, the equivalent of a host callback.
func (s *Stream) Submit(name string, fn func() error) error {
	return s.submit(streamTask{name: name, fn: fn})
}

// Synchronize waits for all enqueued work and returns the sticky error,
// clearing it.
func (s *Stream) Synchronize() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.Synchronize()
	close(s.tasks)
	return err
}

// Event marks a point in a stream. Recording an event again starts a new
// generation; waiters always observe the latest record.
type Event struct {
	mu   sync.Mutex
	done chan struct{}
	at   time.Time
}

func NewEvent() *Event {
	return &Event{}
}

func (ev *Event) Record(s *Stream) error {
	done := make(chan struct{})
	ev.mu.Lock()
	ev.done = done
	ev.at = time.Time{}
	ev.mu.Unlock()
	return s.submit(streamTask{
		name:   "event.record",
		always: true,
		fn: func() error {
			ev.mu.Lock()
			ev.at = time.Now()
			ev.mu.Unlock()
			close(done)
			return nil
		},
	})
}

// WaitEvent makes all later work on s wait until ev completes. It does not
// block the host.
func (s *Stream) WaitEvent(ev *Event) error {
	ev.mu.Lock()
	done := ev.done
	ev.mu.Unlock()
	if done == nil {
		return common.NewInvalidArgError("Stream.WaitEvent", "event was never recorded")
	}
	return s.submit(streamTask{
		name:   "event.wait",
		always: true,
		fn: func() error {
			<-done
			return nil
		},
	})
}

// Synchronize blocks the host until the event completes.
func (ev *Event) Synchronize() {
	ev.mu.Lock()
	done := ev.done
	ev.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (ev *Event) completed() (time.Time, bool) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.done == nil {
		return time.Time{}, false
	}
	select {
	case <-ev.done:
		return ev.at, true
	default:
		return time.Time{}, false
	}
}

// ElapsedTime returns the time between two completed events.
func ElapsedTime(start, end *Event) (time.Duration, error) {
	t0, ok0 := start.completed()
	t1, ok1 := end.completed()
	if !ok0 || !ok1 {
		return 0, common.NewInvalidArgError("ElapsedTime", "event has not completed")
	}
	return t1.Sub(t0), nil
}
