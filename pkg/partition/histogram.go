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
	"sync/atomic"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/util"
)

// blockHistogram counts the partitions of the block's input slice into the
// shared hist. It returns the slice bounds.
func blockHistogram[T common.Key](w *device.Warp, args *RadixPartitionArgs[T], hist []uint32) (int, int) {
	mask := partitionMask(args.RadixBits)
	forThreads(w, len(hist), func(p int) {
		hist[p] = 0
	})
	w.SyncThreads()

	keys := args.PartitionAttr.Slice()
	begin, end := blockRange(args.DataLen, w.GridDim, w.Idx)
	forRange(w, begin, end, func(i int) {
		atomic.AddUint32(&hist[partitionOf(keys[i], mask)], 1)
	})
	w.SyncThreads()
	return begin, end
}

// chunkedHistogramKernel computes the offsets of every chunk independently.
// Block b owns chunk b and, as it owns exactly the tuples of its input
// slice, its chunk starts at the slice start plus the padding of all
// earlier slots.
func chunkedHistogramKernel[T common.Key](args RadixPartitionArgs[T], geo launchGeometry) (device.Kernel, device.LaunchConfig) {
	fanout := Fanout(args.RadixBits)
	var layout device.SharedLayout
	device.AddShared[uint32](&layout, fanout)
	device.AddShared[uint64](&layout, scanBufferLen(fanout, geo.log2NumBanks))
	cfg := geo.config(layout.Bytes(), false)

	k := device.Kernel{
		Name: kernelName[T]("gpu_chunked_histogram"),
		Fn: func(w *device.Warp) error {
			sa := w.SharedAlloc()
			hist := device.Shared[uint32](sa, fanout)
			scan := device.Shared[uint64](sa, scanBufferLen(fanout, geo.log2NumBanks))

			begin, _ := blockHistogram(w, &args, hist)
			forThreads(w, fanout, func(p int) {
				scan[conflictFree(p, geo.log2NumBanks)] = uint64(hist[p])
			})
			w.SyncThreads()
			blockExclusiveScan(w, scan, fanout, geo.log2NumBanks)

			offsets := args.PartitionOffsets.Slice()
			cursors := args.TmpPartitionOffsets.Slice()
			padding := uint64(args.PaddingLen)
			forThreads(w, fanout, func(p int) {
				slot := w.Idx*fanout + p
				off := uint64(begin) + scan[conflictFree(p, geo.log2NumBanks)] + uint64(slot+1)*padding
				offsets[slot] = off
				cursors[slot] = off
			})
			return nil
		},
	}
	return k, cfg
}

// contiguousHistogramTile is the number of partitions each block scans.
func contiguousHistogramTile(fanout, gridSize int) int {
	return util.CeilDiv(fanout, gridSize)
}

// contiguousHistogramKernel computes one offset table for the whole grid.
// Blocks publish their counts, meet at the grid barrier, then each block
// sums a tile of partitions over all blocks and chains the tiles with a
// decoupled look-back. Block cursors are written in place of the counts.
func contiguousHistogramKernel[T common.Key](args RadixPartitionArgs[T], geo launchGeometry) (device.Kernel, device.LaunchConfig) {
	fanout := Fanout(args.RadixBits)
	tile := contiguousHistogramTile(fanout, geo.gridSize)
	tileLen := int(util.NextPowerOfTwo(uint64(tile)))
	var layout device.SharedLayout
	device.AddShared[uint32](&layout, fanout)
	device.AddShared[uint64](&layout, scanBufferLen(tileLen, geo.log2NumBanks))
	device.AddShared[uint64](&layout, 1)
	cfg := geo.config(layout.Bytes(), true)

	k := device.Kernel{
		Name: kernelName[T]("gpu_contiguous_histogram"),
		Fn: func(w *device.Warp) error {
			sa := w.SharedAlloc()
			hist := device.Shared[uint32](sa, fanout)
			scan := device.Shared[uint64](sa, scanBufferLen(tileLen, geo.log2NumBanks))
			prefix := device.Shared[uint64](sa, 1)

			blockHistogram(w, &args, hist)
			counts := args.TmpPartitionOffsets.Slice()
			forThreads(w, fanout, func(p int) {
				counts[w.Idx*fanout+p] = uint64(hist[p])
			})
			w.SyncGrid()

			first := w.Idx * tile
			last := min(fanout, first+tile)
			forThreads(w, tileLen, func(i int) {
				var total uint64
				if p := first + i; p < last {
					for b := 0; b < w.GridDim; b++ {
						total += counts[b*fanout+p]
					}
				}
				scan[conflictFree(i, geo.log2NumBanks)] = total
			})
			w.SyncThreads()
			blockExclusiveScan(w, scan, tileLen, geo.log2NumBanks)
			if w.IsLeader() {
				prefix[0] = lookBack(w, args.PrefixScanState.Slice(), w.Idx, scan[len(scan)-1])
			}
			w.SyncThreads()

			offsets := args.PartitionOffsets.Slice()
			padding := uint64(args.PaddingLen)
			forThreads(w, tileLen, func(i int) {
				p := first + i
				if p >= last {
					return
				}
				off := prefix[0] + scan[conflictFree(i, geo.log2NumBanks)] + uint64(p+1)*padding
				offsets[p] = off
				for b := 0; b < w.GridDim; b++ {
					count := counts[b*fanout+p]
					counts[b*fanout+p] = off
					off += count
				}
			})
			return nil
		},
	}
	return k, cfg
}
