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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/util"
)

// Kernel is a device function. Fn runs once per warp of every block.
type Kernel struct {
	Name string
	Fn   func(w *Warp) error
}

type LaunchConfig struct {
	Grid           Dim3
	Block          Dim3
	SharedMemBytes int
	// Cooperative launches keep all blocks resident and enable SyncGrid.
	Cooperative bool
}

func (cfg LaunchConfig) String() string {
	return fmt.Sprintf("grid=%v block=%v shared=%d cooperative=%v",
		cfg.Grid, cfg.Block, cfg.SharedMemBytes, cfg.Cooperative)
}

// CheckLaunch validates a launch against the device limits without running
// anything.
func (dev *Device) CheckLaunch(k Kernel, cfg LaunchConfig) error {
	op := "launch " + k.Name
	if k.Fn == nil {
		return common.NewInvalidArgError(op, "kernel has no body")
	}
	if cfg.Grid.Size() <= 0 {
		return common.NewInvalidArgError(op, "grid size must be positive, got %v", cfg.Grid)
	}
	if cfg.Block.Size() <= 0 {
		return common.NewInvalidArgError(op, "block size must be positive, got %v", cfg.Block)
	}
	if cfg.Block.Size() > dev.MaxThreadsPerBlock {
		return common.NewInvalidArgError(op, "block size %d exceeds device limit %d",
			cfg.Block.Size(), dev.MaxThreadsPerBlock)
	}
	if cfg.SharedMemBytes < 0 {
		return common.NewInvalidArgError(op, "negative shared memory size")
	}
	if cfg.SharedMemBytes > dev.MaxSharedMemPerBlockOptin {
		return common.NewDeviceCapabilityError(op, "kernel needs %d bytes of shared memory, device allows %d",
			cfg.SharedMemBytes, dev.MaxSharedMemPerBlockOptin)
	}
	if cfg.Cooperative {
		if !dev.CooperativeLaunch {
			return common.NewDeviceCapabilityError(op, "device does not support cooperative launch")
		}
		if cfg.Grid.Size() > dev.MaxCooperativeGrid() {
			return common.NewDeviceCapabilityError(op, "cooperative grid of %d blocks exceeds %d co-resident blocks",
				cfg.Grid.Size(), dev.MaxCooperativeGrid())
		}
	}
	return nil
}

// Launch validates the configuration and enqueues the kernel on s.
// Configuration errors are returned immediately; failures while running
// are reported by Synchronize.
func (s *Stream) Launch(k Kernel, cfg LaunchConfig) error {
	if err := s.dev.CheckLaunch(k, cfg); err != nil {
		return err
	}
	return s.Submit(k.Name, func() error {
		return s.dev.run(k, cfg)
	})
}

type launch struct {
	dev    *Device
	kernel Kernel
	cfg    LaunchConfig
	grid   *barrier

	mu     sync.Mutex
	root   error
	failed atomic.Bool
}

// fail records the first failure, preferring a real failure over the
// broken barrier errors it causes in other warps.
func (l *launch) fail(err error) {
	l.mu.Lock()
	_, broken := err.(barrierBroken)
	if l.root == nil {
		l.root = err
	} else if _, rootBroken := l.root.(barrierBroken); rootBroken && !broken {
		l.root = err
	}
	l.mu.Unlock()
	l.failed.Store(true)
	if l.grid != nil {
		l.grid.abort(err)
	}
}

func (l *launch) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.root
}

func (dev *Device) run(k Kernel, cfg LaunchConfig) error {
	op := "launch " + k.Name
	if fa := util.Check(util.FAULTS_SCOPE_DEVICE, "launch:"+k.Name); fa != nil {
		if err := fa.Fire(); err != nil {
			return common.NewExecutionError(op, "injected fault", err)
		}
	}

	gridSize := cfg.Grid.Size()
	blockSize := cfg.Block.Size()
	numWarps := util.CeilDiv(blockSize, dev.WarpSize)
	l := &launch{dev: dev, kernel: k, cfg: cfg}
	if cfg.Cooperative {
		l.grid = newBarrier(gridSize * numWarps)
	}

	g, ctx := errgroup.WithContext(context.Background())
	if !cfg.Cooperative {
		g.SetLimit(dev.workers)
	}
	for b := 0; b < gridSize; b++ {
		blockIdx := b
		g.Go(func() error {
			if ctx.Err() != nil {
				l.leaveGrid(numWarps)
				return nil
			}
			return l.runBlock(blockIdx, gridSize, blockSize, numWarps)
		})
	}
	_ = g.Wait()

	if err := l.err(); err != nil {
		if _, ok := common.KindOf(err); ok {
			return err
		}
		return common.NewExecutionError(op, cfg.String(), err)
	}
	return nil
}

func (l *launch) leaveGrid(n int) {
	if l.grid == nil {
		return
	}
	for i := 0; i < n; i++ {
		l.grid.leave()
	}
}

func (l *launch) runBlock(blockIdx, gridSize, blockSize, numWarps int) error {
	blk := &Block{
		Idx:      blockIdx,
		Dim:      blockSize,
		GridDim:  gridSize,
		WarpSize: l.dev.WarpSize,
		NumWarps: numWarps,
		Shared:   util.GAlloc.Alloc(l.cfg.SharedMemBytes),
		barrier:  newBarrier(numWarps),
		grid:     l.grid,
		launch:   l,
	}
	defer util.GAlloc.Free(blk.Shared)

	var wg sync.WaitGroup
	var failed bool
	var mu sync.Mutex
	for i := 0; i < numWarps; i++ {
		w := &Warp{
			Block: blk,
			Index: i,
			Lanes: min(blk.WarpSize, blockSize-i*blk.WarpSize),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.runWarp(w); err != nil {
				blk.barrier.abort(err)
				l.fail(err)
				mu.Lock()
				failed = true
				mu.Unlock()
			}
			blk.barrier.leave()
			if blk.grid != nil {
				blk.grid.leave()
			}
		}()
	}
	wg.Wait()
	if failed {
		return l.err()
	}
	return nil
}

func (l *launch) runWarp(w *Warp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if bb, ok := r.(barrierBroken); ok {
				err = bb
				return
			}
			err = util.ConvertPanicError(r)
			util.Error("kernel panicked",
				zap.String("kernel", l.kernel.Name),
				zap.Int("block", w.Idx),
				zap.Int("warp", w.Index),
				zap.Int64("goid", goid.Get()),
				zap.Error(err))
		}
	}()
	return l.kernel.Fn(w)
}
