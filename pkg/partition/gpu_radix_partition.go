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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/memory"
	"github.com/daviszhen/radixpart/pkg/util"
)

type writeKernelFactory[T common.Key] func(args RadixPartitionArgs[T], geo launchGeometry) (device.Kernel, device.LaunchConfig, error)

type dispatchKey struct {
	width     common.ElementWidth
	algorithm PartitionAlgorithm
}

// writeKernels maps (element width, algorithm) to a writeKernelFactory of
// the matching key type.
var writeKernels = make(map[dispatchKey]any)

func registerWriteKernels[T common.Key]() {
	width := common.WidthOf[T]()
	writeKernels[dispatchKey{width, NC}] = writeKernelFactory[T](ncKernel[T])
	writeKernels[dispatchKey{width, LASWWC}] = writeKernelFactory[T](laswwcKernel[T])
	for _, algo := range []PartitionAlgorithm{SSWWC, SSWWCNT, SSWWCv2, HSSWWC, HSSWWCv2, HSSWWCv3, HSSWWCv4} {
		algo := algo
		writeKernels[dispatchKey{width, algo}] = writeKernelFactory[T](
			func(args RadixPartitionArgs[T], geo launchGeometry) (device.Kernel, device.LaunchConfig, error) {
				return swwcKernel(algo, args, geo)
			})
	}
}

func init() {
	registerWriteKernels[int32]()
	registerWriteKernels[int64]()
}

type Options struct {
	HistogramAlgorithm HistogramAlgorithm
	PartitionAlgorithm PartitionAlgorithm
	RadixBits          uint32
	GridSize           int
	BlockSize          int
	// DmemBufferBytes is the device memory buffer of one block, used by
	// the HSSWWC variants only.
	DmemBufferBytes int
}

// Timings of one partitioning run.
type Timings struct {
	PrefixSum time.Duration
	Partition time.Duration
}

// GpuRadixPartitioner radix-partitions relations with a fixed
// configuration. It owns the scratch state of its runs and may be reused
// for any number of runs with the same radix bits and grid.
type GpuRadixPartitioner[T common.Key] struct {
	dev  *device.Device
	opts Options

	writeKernel writeKernelFactory[T]

	prefixScanState     *memory.Mem[uint64]
	tmpPartitionOffsets *memory.Mem[uint64]
	dmemBuffer          *memory.Mem[byte]

	start     *device.Event
	histogram *device.Event
	end       *device.Event
}

func NewGpuRadixPartitioner[T common.Key](dev *device.Device, opts Options) (*GpuRadixPartitioner[T], error) {
	const op = "NewGpuRadixPartitioner"
	if err := checkRadixBits[T](op, opts.RadixBits); err != nil {
		return nil, err
	}
	if opts.GridSize <= 0 || opts.BlockSize <= 0 {
		return nil, common.NewInvalidArgError(op, "grid size %d and block size %d must be positive",
			opts.GridSize, opts.BlockSize)
	}
	if opts.BlockSize > dev.MaxThreadsPerBlock {
		return nil, common.NewInvalidArgError(op, "block size %d exceeds device limit %d",
			opts.BlockSize, dev.MaxThreadsPerBlock)
	}
	if opts.HistogramAlgorithm != Chunked && opts.HistogramAlgorithm != Contiguous {
		return nil, common.NewInvalidArgError(op, "unknown histogram algorithm %v", opts.HistogramAlgorithm)
	}
	factory, ok := writeKernels[dispatchKey{common.WidthOf[T](), opts.PartitionAlgorithm}].(writeKernelFactory[T])
	if !ok {
		return nil, common.NewInvalidArgError(op, "no %v kernel for %s keys",
			opts.PartitionAlgorithm, common.WidthOf[T]())
	}
	if opts.PartitionAlgorithm.UsesDeviceMemory() {
		if opts.DmemBufferBytes <= 0 || opts.DmemBufferBytes%PaddingBytes != 0 {
			return nil, common.NewInvalidArgError(op, "device memory buffer of %d bytes must be a positive multiple of %d",
				opts.DmemBufferBytes, PaddingBytes)
		}
	}

	rp := &GpuRadixPartitioner[T]{
		dev:         dev,
		opts:        opts,
		writeKernel: factory,
		start:       device.NewEvent(),
		histogram:   device.NewEvent(),
		end:         device.NewEvent(),
	}
	devMem := memory.MemType{Kind: memory.CudaDevMem}
	fanout := Fanout(opts.RadixBits)

	var err error
	rp.tmpPartitionOffsets, err = memory.Alloc[uint64](dev, devMem, fanout*opts.GridSize)
	if err != nil {
		return nil, err
	}
	if opts.HistogramAlgorithm == Contiguous {
		rp.prefixScanState, err = memory.Alloc[uint64](dev, devMem, opts.GridSize)
		if err != nil {
			_ = rp.Close()
			return nil, err
		}
	}
	if opts.PartitionAlgorithm.UsesDeviceMemory() {
		rp.dmemBuffer, err = memory.Alloc[byte](dev, devMem, opts.DmemBufferBytes*opts.GridSize)
		if err != nil {
			_ = rp.Close()
			return nil, err
		}
	}

	util.Info("radix partitioner created",
		zap.String("keys", common.WidthOf[T]().String()),
		zap.Stringer("histogram", opts.HistogramAlgorithm),
		zap.Stringer("partition", opts.PartitionAlgorithm),
		zap.Uint32("radixBits", opts.RadixBits),
		zap.Int("grid", opts.GridSize),
		zap.Int("block", opts.BlockSize),
		zap.String("dmem", humanize.IBytes(uint64(opts.DmemBufferBytes*opts.GridSize))))
	return rp, nil
}

func (rp *GpuRadixPartitioner[T]) Options() Options {
	return rp.opts
}

func (rp *GpuRadixPartitioner[T]) geometry(blockSize int) launchGeometry {
	return launchGeometry{
		gridSize:     rp.opts.GridSize,
		blockSize:    blockSize,
		warpSize:     rp.dev.WarpSize,
		log2NumBanks: rp.dev.Log2NumBanks,
		maxSharedMem: rp.dev.MaxSharedMemPerBlockOptin,
	}
}

// Partition enqueues a partitioning run of the key and payload attributes
// into rel on stream s and returns without waiting. All argument and
// capability errors are returned before anything is enqueued; execution
// errors are returned by s.Synchronize.
func (rp *GpuRadixPartitioner[T]) Partition(
	partitionAttr memory.LaunchableSlice[T],
	payloadAttr memory.LaunchableSlice[T],
	rel *PartitionedRelation[T],
	s *device.Stream,
) error {
	const op = "GpuRadixPartitioner.Partition"
	if partitionAttr.Len() != payloadAttr.Len() {
		return common.NewInvalidArgError(op, "partition attribute has %d tuples, payload attribute %d",
			partitionAttr.Len(), payloadAttr.Len())
	}
	if rel.RadixBits() != rp.opts.RadixBits {
		return common.NewInvalidArgError(op, "relation has %d radix bits, partitioner %d",
			rel.RadixBits(), rp.opts.RadixBits)
	}
	if want := rp.opts.HistogramAlgorithm.Chunks(rp.opts.GridSize); rel.Chunks() != want {
		return common.NewInvalidArgError(op, "relation has %d chunks, %v histogram needs %d",
			rel.Chunks(), rp.opts.HistogramAlgorithm, want)
	}
	if rel.Len() != partitionAttr.Len() {
		return common.NewInvalidArgError(op, "relation holds %d tuples, input has %d",
			rel.Len(), partitionAttr.Len())
	}
	if rp.opts.HistogramAlgorithm == Contiguous && !rp.dev.CooperativeLaunch {
		return common.NewDeviceCapabilityError(op, "contiguous histogram needs cooperative launch")
	}

	args := RadixPartitionArgs[T]{
		PartitionAttr:       partitionAttr,
		PayloadAttr:         payloadAttr,
		DataLen:             partitionAttr.Len(),
		PaddingLen:          uint32(rel.PaddingLen()),
		RadixBits:           rp.opts.RadixBits,
		TmpPartitionOffsets: rp.tmpPartitionOffsets.AsLaunchable(),
		PartitionOffsets:    rel.Offsets().AsLaunchable(),
		PartitionedRelation: rel.Relation().AsLaunchable(),
	}
	if rp.prefixScanState != nil {
		args.PrefixScanState = rp.prefixScanState.AsLaunchable()
	}
	if rp.dmemBuffer != nil {
		args.DeviceMemoryBuffers = rp.dmemBuffer.AsLaunchable()
		args.DeviceMemoryBufferBytes = uint64(rp.opts.DmemBufferBytes)
	}

	var histKernel device.Kernel
	var histCfg device.LaunchConfig
	switch rp.opts.HistogramAlgorithm {
	case Chunked:
		histKernel, histCfg = chunkedHistogramKernel(args, rp.geometry(rp.opts.BlockSize))
	case Contiguous:
		histKernel, histCfg = contiguousHistogramKernel(args, rp.geometry(rp.opts.BlockSize))
	}
	if err := rp.dev.CheckLaunch(histKernel, histCfg); err != nil {
		return err
	}

	writeBlock := min(rp.opts.BlockSize, rp.opts.PartitionAlgorithm.MaxBlockSize())
	writeKernel, writeCfg, err := rp.writeKernel(args, rp.geometry(writeBlock))
	if err != nil {
		return err
	}
	if err := rp.dev.CheckLaunch(writeKernel, writeCfg); err != nil {
		return err
	}

	return rp.enqueue(s, histKernel, histCfg, writeKernel, writeCfg)
}

func (rp *GpuRadixPartitioner[T]) enqueue(
	s *device.Stream,
	histKernel device.Kernel, histCfg device.LaunchConfig,
	writeKernel device.Kernel, writeCfg device.LaunchConfig,
) error {
	if rp.prefixScanState != nil {
		state := rp.prefixScanState
		if err := s.Submit("reset prefix scan state", func() error {
			state.Zero()
			return nil
		}); err != nil {
			return err
		}
	}
	if err := rp.start.Record(s); err != nil {
		return err
	}
	if err := s.Launch(histKernel, histCfg); err != nil {
		return err
	}
	if err := rp.histogram.Record(s); err != nil {
		return err
	}
	// the write phase reads the offsets of the histogram phase
	if err := s.WaitEvent(rp.histogram); err != nil {
		return err
	}
	if err := s.Launch(writeKernel, writeCfg); err != nil {
		return err
	}
	return rp.end.Record(s)
}

// Timings returns the phase durations of the last run. The stream of the
// run must have been synchronized.
func (rp *GpuRadixPartitioner[T]) Timings() (Timings, error) {
	prefixSum, err := device.ElapsedTime(rp.start, rp.histogram)
	if err != nil {
		return Timings{}, errors.Wrap(err, "prefix sum timing")
	}
	partition, err := device.ElapsedTime(rp.histogram, rp.end)
	if err != nil {
		return Timings{}, errors.Wrap(err, "partition timing")
	}
	return Timings{PrefixSum: prefixSum, Partition: partition}, nil
}

// Close releases the scratch state. The partitioner must be idle.
func (rp *GpuRadixPartitioner[T]) Close() error {
	var firstErr error
	for _, m := range []interface{ Free() error }{rp.tmpPartitionOffsets, rp.prefixScanState, rp.dmemBuffer} {
		if m == nil {
			continue
		}
		if err := m.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
