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
)

// barrierBroken is raised inside a warp that waits on a barrier some other
// warp abandoned by failing. The launcher reports the original failure.
type barrierBroken struct {
	cause error
}

func (bb barrierBroken) Error() string {
	return "barrier broken: " + bb.cause.Error()
}

// barrier is a cyclic barrier over warps. Warps that return leave the
// barrier, so kernels may exit early the way exited threads do on hardware.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	gen     uint64
	err     error
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		panic(barrierBroken{cause: err})
	}
	gen := b.gen
	b.waiting++
	if b.waiting >= b.parties {
		b.release()
		b.mu.Unlock()
		return
	}
	for gen == b.gen && b.err == nil {
		b.cond.Wait()
	}
	if gen == b.gen {
		err := b.err
		b.mu.Unlock()
		panic(barrierBroken{cause: err})
	}
	b.mu.Unlock()
}

func (b *barrier) release() {
	b.waiting = 0
	b.gen++
	b.cond.Broadcast()
}

func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parties--
	if b.waiting > 0 && b.waiting >= b.parties {
		b.release()
	}
}

func (b *barrier) abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}
