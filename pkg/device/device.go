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

// Package device is a software GPU. It runs kernels over a grid of thread
// blocks on goroutines and keeps the contracts a CUDA device gives its
// callers: per-block shared memory with a hard size limit, block barriers,
// a grid barrier under cooperative launch only, ordered asynchronous streams,
// events, and sticky execution errors that surface at synchronization.
//
// A kernel body runs once per warp. The warp goroutine steps through its
// lanes itself, so warp-synchronous code (ballots, leader election) is plain
// sequential Go inside the kernel, while warps of one block run concurrently
// and compete for shared memory exactly like on hardware.
package device

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/util"
)

// Dim3 is a launch dimension. Kernels in this repo only use X.
type Dim3 struct {
	X, Y, Z int
}

func X(x int) Dim3 {
	return Dim3{X: x, Y: 1, Z: 1}
}

func (d Dim3) Size() int {
	y, z := d.Y, d.Z
	if y == 0 {
		y = 1
	}
	if z == 0 {
		z = 1
	}
	return d.X * y * z
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

type Device struct {
	ID                         int
	Name                       string
	Multiprocessors            int
	WarpSize                   int
	MaxThreadsPerBlock         int
	MaxSharedMemPerBlockOptin  int
	MaxBlocksPerMultiprocessor int
	CooperativeLaunch          bool
	Log2NumBanks               uint32

	mem      *MemPool
	streamID atomic.Int32
	workers  int
}

var deviceID atomic.Int32

// New creates a device from its configured properties.
func New(opts util.DeviceOptions) (*Device, error) {
	if opts.Multiprocessors <= 0 {
		return nil, common.NewInvalidArgError("device.New", "multiprocessors must be positive, got %d", opts.Multiprocessors)
	}
	if opts.WarpSize <= 0 || !util.IsPowerOfTwo(uint64(opts.WarpSize)) {
		return nil, common.NewInvalidArgError("device.New", "warp size must be a power of two, got %d", opts.WarpSize)
	}
	if opts.MaxThreadsPerBlock < opts.WarpSize {
		return nil, common.NewInvalidArgError("device.New", "max threads per block %d below warp size", opts.MaxThreadsPerBlock)
	}
	if opts.MaxSharedMemPerBlock <= 0 {
		return nil, common.NewInvalidArgError("device.New", "shared memory per block must be positive")
	}
	if opts.MaxBlocksPerMultiprocessor <= 0 {
		opts.MaxBlocksPerMultiprocessor = 1
	}
	if opts.Log2NumBanks == 0 || opts.Log2NumBanks > 6 {
		return nil, common.NewInvalidArgError("device.New", "log2 bank count %d out of range", opts.Log2NumBanks)
	}
	if opts.MemoryBytes == 0 {
		return nil, common.NewInvalidArgError("device.New", "device memory size must be positive")
	}

	dev := &Device{
		ID:                         int(deviceID.Add(1) - 1),
		Name:                       opts.Name,
		Multiprocessors:            opts.Multiprocessors,
		WarpSize:                   opts.WarpSize,
		MaxThreadsPerBlock:         opts.MaxThreadsPerBlock,
		MaxSharedMemPerBlockOptin:  opts.MaxSharedMemPerBlock,
		MaxBlocksPerMultiprocessor: opts.MaxBlocksPerMultiprocessor,
		CooperativeLaunch:          opts.CooperativeLaunch,
		Log2NumBanks:               opts.Log2NumBanks,
		mem:                        NewMemPool(opts.MemoryBytes, util.GAlloc),
		workers:                    runtime.GOMAXPROCS(0),
	}
	util.Debug("device created",
		zap.Int("id", dev.ID),
		zap.String("name", dev.Name),
		zap.Int("multiprocessors", dev.Multiprocessors),
		zap.String("sharedMemPerBlock", humanize.IBytes(uint64(dev.MaxSharedMemPerBlockOptin))),
		zap.String("memory", humanize.IBytes(opts.MemoryBytes)),
		zap.Bool("cooperativeLaunch", dev.CooperativeLaunch))
	return dev, nil
}

// MaxCooperativeGrid is the largest grid whose blocks are all co-resident,
// which is what a grid barrier needs.
func (dev *Device) MaxCooperativeGrid() int {
	return dev.Multiprocessors * dev.MaxBlocksPerMultiprocessor
}

func (dev *Device) NumBanks() int {
	return 1 << dev.Log2NumBanks
}

// Malloc allocates device memory. The returned buffer is not zeroed when
// it is recycled from the pool.
func (dev *Device) Malloc(size int) ([]byte, error) {
	return dev.mem.Malloc(size)
}

func (dev *Device) Free(buf []byte) error {
	return dev.mem.Free(buf)
}

func (dev *Device) MemInfo() MemInfo {
	return dev.mem.Info()
}

// TrimMemPool returns every cached device allocation.
func (dev *Device) TrimMemPool() {
	dev.mem.Trim()
}
