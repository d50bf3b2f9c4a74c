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
)

// laswwcKernel partitions the block's input in batches. A batch is loaded
// into shared memory, counted and scanned, stored reordered by partition and
// then written back so that consecutive threads write consecutive tuples of
// the same partition run.
func laswwcKernel[T common.Key](args RadixPartitionArgs[T], geo launchGeometry) (device.Kernel, device.LaunchConfig, error) {
	const op = "LASWWC"
	fanout := Fanout(args.RadixBits)
	tupleBytes := common.TupleBytes[T]()
	scanLen := scanBufferLen(fanout, geo.log2NumBanks)

	var layout device.SharedLayout
	device.AddShared[uint32](&layout, fanout)
	device.AddShared[uint64](&layout, scanLen)
	device.AddShared[uint64](&layout, fanout)
	fixed := layout.Bytes()
	if fixed >= geo.maxSharedMem {
		return device.Kernel{}, device.LaunchConfig{}, common.NewDeviceCapabilityError(op,
			"%d partitions need %d bytes of shared memory, device allows %d", fanout, fixed, geo.maxSharedMem)
	}
	batch := (geo.maxSharedMem - fixed) / tupleBytes / geo.blockSize * geo.blockSize
	if batch == 0 {
		return device.Kernel{}, device.LaunchConfig{}, common.NewDeviceCapabilityError(op,
			"shared memory holds %d staged tuples, block of %d threads needs at least one each",
			(geo.maxSharedMem-fixed)/tupleBytes, geo.blockSize)
	}
	itemsPerThread := batch / geo.blockSize
	device.AddShared[common.Tuple[T]](&layout, batch)
	cfg := geo.config(layout.Bytes(), false)
	mask := partitionMask(args.RadixBits)

	k := device.Kernel{
		Name: kernelName[T]("gpu_chunked_laswwc_radix_partition"),
		Fn: func(w *device.Warp) error {
			sa := w.SharedAlloc()
			hist := device.Shared[uint32](sa, fanout)
			scan := device.Shared[uint64](sa, scanLen)
			cursors := device.Shared[uint64](sa, fanout)
			staging := device.Shared[common.Tuple[T]](sa, batch)
			cf := func(i int) int { return conflictFree(i, geo.log2NumBanks) }

			tmp := args.TmpPartitionOffsets.Slice()
			forThreads(w, fanout, func(p int) {
				cursors[p] = tmp[w.Idx*fanout+p]
			})

			keys := args.PartitionAttr.Slice()
			payloads := args.PayloadAttr.Slice()
			out := args.PartitionedRelation.Slice()
			begin, end := blockRange(args.DataLen, w.GridDim, w.Idx)

			// registers of the warp's threads
			parts := make([]int, itemsPerThread*w.Lanes)
			ranks := make([]uint64, itemsPerThread*w.Lanes)

			for base := begin; base < end; base += batch {
				n := min(batch, end-base)
				forThreads(w, fanout, func(p int) {
					hist[p] = 0
				})
				w.SyncThreads()

				for lane := 0; lane < w.Lanes; lane++ {
					for j := 0; j < itemsPerThread; j++ {
						idx := w.ThreadIdx(lane) + j*w.Dim
						if idx >= n {
							break
						}
						p := partitionOf(keys[base+idx], mask)
						parts[lane*itemsPerThread+j] = p
						ranks[lane*itemsPerThread+j] = uint64(atomic.AddUint32(&hist[p], 1) - 1)
					}
				}
				w.SyncThreads()

				forThreads(w, fanout, func(p int) {
					scan[cf(p)] = uint64(hist[p])
				})
				w.SyncThreads()
				blockExclusiveScan(w, scan, fanout, geo.log2NumBanks)

				for lane := 0; lane < w.Lanes; lane++ {
					for j := 0; j < itemsPerThread; j++ {
						idx := w.ThreadIdx(lane) + j*w.Dim
						if idx >= n {
							break
						}
						r := lane*itemsPerThread + j
						staging[scan[cf(parts[r])]+ranks[r]] = common.Tuple[T]{Key: keys[base+idx], Value: payloads[base+idx]}
					}
				}
				w.SyncThreads()

				forThreads(w, n, func(i int) {
					t := staging[i]
					p := partitionOf(t.Key, mask)
					out[cursors[p]+uint64(i)-scan[cf(p)]] = t
				})
				w.SyncThreads()

				forThreads(w, fanout, func(p int) {
					cursors[p] += uint64(hist[p])
				})
				w.SyncThreads()
			}
			return nil
		},
	}
	return k, cfg, nil
}
