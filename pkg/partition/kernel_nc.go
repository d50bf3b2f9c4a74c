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

// ncKernel writes every tuple straight to the output. Each block keeps one
// shared cursor per partition and bumps it atomically per tuple.
func ncKernel[T common.Key](args RadixPartitionArgs[T], geo launchGeometry) (device.Kernel, device.LaunchConfig, error) {
	fanout := Fanout(args.RadixBits)
	var layout device.SharedLayout
	device.AddShared[uint64](&layout, fanout)
	cfg := geo.config(layout.Bytes(), false)
	mask := partitionMask(args.RadixBits)

	k := device.Kernel{
		Name: kernelName[T]("gpu_chunked_radix_partition"),
		Fn: func(w *device.Warp) error {
			cursors := device.Shared[uint64](w.SharedAlloc(), fanout)
			tmp := args.TmpPartitionOffsets.Slice()
			forThreads(w, fanout, func(p int) {
				cursors[p] = tmp[w.Idx*fanout+p]
			})
			w.SyncThreads()

			keys := args.PartitionAttr.Slice()
			payloads := args.PayloadAttr.Slice()
			out := args.PartitionedRelation.Slice()
			begin, end := blockRange(args.DataLen, w.GridDim, w.Idx)
			forRange(w, begin, end, func(i int) {
				p := partitionOf(keys[i], mask)
				pos := atomic.AddUint64(&cursors[p], 1) - 1
				out[pos] = common.Tuple[T]{Key: keys[i], Value: payloads[i]}
			})
			return nil
		},
	}
	return k, cfg, nil
}
