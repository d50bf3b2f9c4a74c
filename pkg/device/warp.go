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
	"runtime"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/util"
)

// Block is the state shared by the warps of one thread block.
type Block struct {
	Idx      int
	Dim      int
	GridDim  int
	WarpSize int
	NumWarps int
	// Shared is the block's shared memory, sized by the launch.
	Shared []byte

	barrier *barrier
	grid    *barrier
	launch  *launch
}

// Warp is the unit a kernel body runs on. Lanes is the number of active
// threads, which is below WarpSize only for a partial last warp.
type Warp struct {
	*Block
	Index int
	Lanes int
}

// ThreadIdx is the thread index within the block.
func (w *Warp) ThreadIdx(lane int) int {
	return w.Index*w.WarpSize + lane
}

// GlobalThreadIdx is the thread index within the grid.
func (w *Warp) GlobalThreadIdx(lane int) int {
	return w.Idx*w.Dim + w.ThreadIdx(lane)
}

// GridThreads is the number of threads in the grid.
func (w *Warp) GridThreads() int {
	return w.GridDim * w.Dim
}

// GlobalWarpIdx is the warp index within the grid.
func (w *Warp) GlobalWarpIdx() int {
	return w.Idx*w.NumWarps + w.Index
}

// IsLeader reports whether this warp holds thread 0 of the block.
func (w *Warp) IsLeader() bool {
	return w.Index == 0
}

// SyncThreads waits for every live warp of the block.
func (w *Warp) SyncThreads() {
	w.barrier.wait()
}

// SyncGrid waits for every live warp of the grid. Only valid in a
// cooperative launch.
func (w *Warp) SyncGrid() {
	if w.grid == nil {
		panic(common.NewExecutionError("SyncGrid", "grid barrier outside a cooperative launch", nil))
	}
	w.grid.wait()
}

// Yield gives up the processor inside a spin loop. It unwinds the warp once
// any warp of the launch has failed, so spinning never outlives a failure.
func (w *Warp) Yield() {
	if w.launch != nil && w.launch.failed.Load() {
		panic(barrierBroken{cause: w.launch.err()})
	}
	runtime.Gosched()
}

// SharedAlloc carves typed arrays out of a block's shared memory in order.
// Every warp of a block must carve the same layout.
type SharedAlloc struct {
	buf []byte
	off int
}

func (blk *Block) SharedAlloc() *SharedAlloc {
	return &SharedAlloc{buf: blk.Shared}
}

// Shared returns the next n elements of T, aligned to 8 bytes.
func Shared[T any](sa *SharedAlloc, n int) []T {
	size := n * util.SizeOf[T]()
	start := util.AlignValue(sa.off, 8)
	if start+size > len(sa.buf) {
		panic(common.NewExecutionError("Shared",
			"shared memory overflow", nil))
	}
	sa.off = start + size
	if n == 0 {
		return nil
	}
	return util.ToSlice[T](sa.buf[start:start+size], util.SizeOf[T]())
}

// SharedLayout sizes a sequence of Shared calls ahead of a launch.
type SharedLayout struct {
	size int
}

func AddShared[T any](l *SharedLayout, n int) {
	l.size = util.AlignValue(l.size, 8) + n*util.SizeOf[T]()
}

func (l *SharedLayout) Bytes() int {
	return util.AlignValue(l.size, 8)
}
