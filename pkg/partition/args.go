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

package partition

import (
	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/memory"
)

// RadixPartitionArgs is the argument block of every partitioning kernel.
// It is built once per run and copied into each kernel; kernels never write
// to the block itself, only through the output slices it borrows.
type RadixPartitionArgs[T common.Key] struct {
	// Inputs
	PartitionAttr memory.LaunchableSlice[T]
	PayloadAttr   memory.LaunchableSlice[T]
	DataLen       int
	PaddingLen    uint32
	RadixBits     uint32

	// State
	PrefixScanState         memory.LaunchableSlice[uint64]
	TmpPartitionOffsets     memory.LaunchableSlice[uint64]
	DeviceMemoryBuffers     memory.LaunchableSlice[byte]
	DeviceMemoryBufferBytes uint64

	// Outputs
	PartitionOffsets    memory.LaunchableSlice[uint64]
	PartitionedRelation memory.LaunchableSlice[common.Tuple[T]]
}

// launchGeometry is what kernel builders need to know about the launch and
// the device.
type launchGeometry struct {
	gridSize     int
	blockSize    int
	warpSize     int
	log2NumBanks uint32
	maxSharedMem int
}

func (geo launchGeometry) numWarps() int {
	return (geo.blockSize + geo.warpSize - 1) / geo.warpSize
}

func (geo launchGeometry) config(sharedMemBytes int, cooperative bool) device.LaunchConfig {
	return device.LaunchConfig{
		Grid:           device.X(geo.gridSize),
		Block:          device.X(geo.blockSize),
		SharedMemBytes: sharedMemBytes,
		Cooperative:    cooperative,
	}
}

func kernelName[T common.Key](base string) string {
	return base + "_" + common.WidthOf[T]().String()
}

// blockRange is the input slice of a block. The first len%grid blocks get
// one extra tuple.
func blockRange(dataLen, gridSize, block int) (int, int) {
	per := dataLen / gridSize
	rem := dataLen % gridSize
	begin := block*per + min(block, rem)
	end := begin + per
	if block < rem {
		end++
	}
	return begin, end
}

// forThreads runs fn for i in [0, n) spread over the threads of the block,
// the i-th element on thread i % blockDim.
func forThreads(w *device.Warp, n int, fn func(i int)) {
	forRange(w, 0, n, fn)
}

func forRange(w *device.Warp, begin, end int, fn func(i int)) {
	for lane := 0; lane < w.Lanes; lane++ {
		for i := begin + w.ThreadIdx(lane); i < end; i += w.Dim {
			fn(i)
		}
	}
}
