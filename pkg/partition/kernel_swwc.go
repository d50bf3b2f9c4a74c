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
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/util"
)

var swwcKernelNames = map[PartitionAlgorithm]string{
	SSWWC:    "gpu_chunked_sswwc_radix_partition",
	SSWWCNT:  "gpu_chunked_sswwc_non_temporal_radix_partition",
	SSWWCv2:  "gpu_chunked_sswwc_radix_partition_v2",
	HSSWWC:   "gpu_chunked_hsswwc_radix_partition",
	HSSWWCv2: "gpu_chunked_hsswwc_radix_partition_v2",
	HSSWWCv3: "gpu_chunked_hsswwc_radix_partition_v3",
	HSSWWCv4: "gpu_chunked_hsswwc_radix_partition_v4",
}

// swwcPlan sizes the write-combine buffers. Tier 1 is one shared memory
// buffer of slots1 tuples per partition. Tier 2 lives in the block's share
// of the device memory buffer: one buffer of slots2 tuples per partition,
// plus one spare per warp for HSSWWCv4.
type swwcPlan struct {
	algo         PartitionAlgorithm
	fanout       int
	warps        int
	slots1       int
	slots2       int
	alignLen     int
	hierarchical bool
	tupleBytes   int
	sharedBytes  int
}

func planSWWC[T common.Key](algo PartitionAlgorithm, args *RadixPartitionArgs[T], geo launchGeometry) (swwcPlan, error) {
	op := algo.String()
	tupleBytes := common.TupleBytes[T]()
	plan := swwcPlan{
		algo:         algo,
		fanout:       Fanout(args.RadixBits),
		warps:        geo.numWarps(),
		hierarchical: algo.UsesDeviceMemory(),
		tupleBytes:   tupleBytes,
	}

	layout := plan.sharedLayout(0)
	avail := geo.maxSharedMem - layout.Bytes()
	if avail > 0 {
		plan.slots1 = int(util.PrevPowerOfTwo(uint64(avail / (plan.fanout * tupleBytes))))
	}
	if plan.slots1 == 0 {
		return plan, common.NewDeviceCapabilityError(op,
			"%d partitions leave no room for write-combine buffers in %d bytes of shared memory",
			plan.fanout, geo.maxSharedMem)
	}
	plan.sharedBytes = plan.sharedLayout(plan.slots1).Bytes()
	plan.alignLen = max(1, min(plan.slots1, algo.BurstAlignment()/tupleBytes))

	if plan.hierarchical {
		buffers := plan.fanout
		if algo == HSSWWCv4 {
			buffers += plan.warps
		}
		perBlock := int(args.DeviceMemoryBufferBytes) / tupleBytes
		plan.slots2 = perBlock / buffers / plan.slots1 * plan.slots1
		if plan.slots2 == 0 {
			return plan, common.NewInvalidArgError(op,
				"device memory buffer of %d bytes per block cannot hold %d buffers of %d tuples",
				args.DeviceMemoryBufferBytes, buffers, plan.slots1)
		}
	}
	return plan, nil
}

func (plan swwcPlan) sharedLayout(slots1 int) *device.SharedLayout {
	var layout device.SharedLayout
	device.AddShared[uint32](&layout, plan.fanout)
	device.AddShared[uint32](&layout, plan.fanout)
	device.AddShared[uint32](&layout, plan.fanout)
	device.AddShared[uint64](&layout, plan.fanout)
	if plan.hierarchical {
		device.AddShared[uint32](&layout, plan.fanout)
		device.AddShared[uint32](&layout, plan.fanout)
		device.AddShared[uint32](&layout, plan.fanout)
		device.AddShared[uint32](&layout, plan.warps)
	}
	// tier 1 buffers, sized in bytes so the layout is independent of T
	device.AddShared[byte](&layout, plan.fanout*slots1*plan.tupleBytes)
	return &layout
}

// swwcState is a warp's view of the block's buffers.
type swwcState[T common.Key] struct {
	plan swwcPlan
	w    *device.Warp

	fill    []uint32
	limit   []uint32
	locks   []uint32
	cursors []uint64
	buf     []common.Tuple[T]

	fill2  []uint32
	locks2 []uint32
	table  []uint32
	spare  []uint32
	tier2  []common.Tuple[T]

	out []common.Tuple[T]
}

func newSwwcState[T common.Key](plan swwcPlan, w *device.Warp, args *RadixPartitionArgs[T]) *swwcState[T] {
	sa := w.SharedAlloc()
	st := &swwcState[T]{plan: plan, w: w}
	st.fill = device.Shared[uint32](sa, plan.fanout)
	st.limit = device.Shared[uint32](sa, plan.fanout)
	st.locks = device.Shared[uint32](sa, plan.fanout)
	st.cursors = device.Shared[uint64](sa, plan.fanout)
	if plan.hierarchical {
		st.fill2 = device.Shared[uint32](sa, plan.fanout)
		st.locks2 = device.Shared[uint32](sa, plan.fanout)
		st.table = device.Shared[uint32](sa, plan.fanout)
		st.spare = device.Shared[uint32](sa, plan.warps)

		perBlock := int(args.DeviceMemoryBufferBytes)
		dmem := args.DeviceMemoryBuffers.Slice()[w.Idx*perBlock : (w.Idx+1)*perBlock]
		st.tier2 = util.ToSlice[common.Tuple[T]](dmem, common.TupleBytes[T]())
	}
	st.buf = device.Shared[common.Tuple[T]](sa, plan.fanout*plan.slots1)
	st.out = args.PartitionedRelation.Slice()
	return st
}

// init loads the block's cursors. Tier 1 buffers that flush to the output
// start short, so that every later flush begins on an aligned index.
func (st *swwcState[T]) init(tmp []uint64) {
	plan := st.plan
	forThreads(st.w, plan.fanout, func(p int) {
		cursor := tmp[st.w.Idx*plan.fanout+p]
		st.cursors[p] = cursor
		st.fill[p] = 0
		st.locks[p] = 0
		st.limit[p] = uint32(plan.slots1)
		if !plan.hierarchical {
			st.limit[p] -= uint32(cursor % uint64(plan.alignLen))
		} else {
			st.fill2[p] = 0
			st.locks2[p] = 0
			st.table[p] = uint32(p)
		}
	})
	if plan.hierarchical {
		forThreads(st.w, plan.warps, func(i int) {
			st.spare[i] = uint32(plan.fanout + i)
		})
	}
	st.w.SyncThreads()
}

func spinLock(w *device.Warp, word *uint32) {
	for !atomic.CompareAndSwapUint32(word, 0, 1) {
		w.Yield()
	}
}

func spinUnlock(word *uint32) {
	atomic.StoreUint32(word, 0)
}

func (st *swwcState[T]) lock(p int) {
	spinLock(st.w, &st.locks[p])
}

func (st *swwcState[T]) unlock(p int) {
	spinUnlock(&st.locks[p])
}

// append adds a tuple to the tier 1 buffer of p. The caller holds the lock
// of p.
func (st *swwcState[T]) append(p int, t common.Tuple[T]) {
	st.buf[p*st.plan.slots1+int(st.fill[p])] = t
	st.fill[p]++
	if st.fill[p] == st.limit[p] {
		st.spill(p)
	}
}

func (st *swwcState[T]) tier1(p int) []common.Tuple[T] {
	begin := p * st.plan.slots1
	return st.buf[begin : begin+int(st.fill[p])]
}

func (st *swwcState[T]) tier2Buffer(b int, n int) []common.Tuple[T] {
	begin := b * st.plan.slots2
	return st.tier2[begin : begin+n]
}

// reserve advances the output cursor of p by n and returns the old cursor.
func (st *swwcState[T]) reserve(p int, n int) uint64 {
	start := st.cursors[p]
	st.cursors[p] += uint64(n)
	return start
}

func (st *swwcState[T]) writeOut(p int, src []common.Tuple[T]) {
	if len(src) == 0 {
		return
	}
	start := st.reserve(p, len(src))
	copy(st.out[start:start+uint64(len(src))], src)
}

// writeOutStreaming is the flush of SSWWCNT. Go has no non-temporal
// stores, so the raw memory copy performs the same stores as writeOut.
func (st *swwcState[T]) writeOutStreaming(p int, src []common.Tuple[T]) {
	if len(src) == 0 {
		return
	}
	start := st.reserve(p, len(src))
	dst := st.out[start : start+uint64(len(src))]
	util.PointerCopy(unsafe.Pointer(&dst[0]), unsafe.Pointer(&src[0]), len(src)*common.TupleBytes[T]())
}

// moveToTier2 empties the tier 1 buffer of p into tier 2 buffer b.
func (st *swwcState[T]) moveToTier2(p int, b int) {
	src := st.tier1(p)
	begin := b*st.plan.slots2 + int(st.fill2[p])
	copy(st.tier2[begin:begin+len(src)], src)
	st.fill2[p] += uint32(len(src))
	st.fill[p] = 0
}

// spill runs when the tier 1 buffer of p is full. The caller holds the
// lock of p and holds it again when spill returns.
func (st *swwcState[T]) spill(p int) {
	plan := st.plan
	switch plan.algo {
	case SSWWC, SSWWCv2:
		st.writeOut(p, st.tier1(p))
		st.fill[p] = 0
		st.limit[p] = uint32(plan.slots1)
	case SSWWCNT:
		st.writeOutStreaming(p, st.tier1(p))
		st.fill[p] = 0
		st.limit[p] = uint32(plan.slots1)
	case HSSWWC, HSSWWCv2:
		st.moveToTier2(p, p)
		if int(st.fill2[p]) == plan.slots2 {
			st.writeOut(p, st.tier2Buffer(p, plan.slots2))
			st.fill2[p] = 0
		}
	case HSSWWCv3:
		spinLock(st.w, &st.locks2[p])
		st.moveToTier2(p, p)
		if int(st.fill2[p]) < plan.slots2 {
			spinUnlock(&st.locks2[p])
			return
		}
		start := st.reserve(p, plan.slots2)
		st.unlock(p)
		copy(st.out[start:start+uint64(plan.slots2)], st.tier2Buffer(p, plan.slots2))
		st.fill2[p] = 0
		spinUnlock(&st.locks2[p])
		st.lock(p)
	case HSSWWCv4:
		b := int(st.table[p])
		st.moveToTier2(p, b)
		if int(st.fill2[p]) < plan.slots2 {
			return
		}
		st.table[p] = st.spare[st.w.Index]
		st.spare[st.w.Index] = uint32(b)
		st.fill2[p] = 0
		start := st.reserve(p, plan.slots2)
		st.unlock(p)
		copy(st.out[start:start+uint64(plan.slots2)], st.tier2Buffer(b, plan.slots2))
		st.lock(p)
	}
}

// drain writes what is left in both tiers of p. It runs after the block
// barrier, so no locks are needed.
func (st *swwcState[T]) drain(p int) {
	if st.plan.hierarchical {
		st.writeOut(p, st.tier2Buffer(int(st.table[p]), int(st.fill2[p])))
		st.fill2[p] = 0
	}
	if st.plan.algo == SSWWCNT {
		st.writeOutStreaming(p, st.tier1(p))
	} else {
		st.writeOut(p, st.tier1(p))
	}
	st.fill[p] = 0
}

// swwcKernel builds the shared software write-combining kernels. The
// variants differ in how long a warp holds buffer locks and in what a full
// buffer spills to.
func swwcKernel[T common.Key](algo PartitionAlgorithm, args RadixPartitionArgs[T], geo launchGeometry) (device.Kernel, device.LaunchConfig, error) {
	plan, err := planSWWC(algo, &args, geo)
	if err != nil {
		return device.Kernel{}, device.LaunchConfig{}, err
	}
	cfg := geo.config(plan.sharedBytes, false)
	mask := partitionMask(args.RadixBits)
	oneLock := algo.oneLockAtATime()

	k := device.Kernel{
		Name: kernelName[T](swwcKernelNames[algo]),
		Fn: func(w *device.Warp) error {
			st := newSwwcState(plan, w, &args)
			st.init(args.TmpPartitionOffsets.Slice())

			keys := args.PartitionAttr.Slice()
			payloads := args.PayloadAttr.Slice()
			begin, end := blockRange(args.DataLen, w.GridDim, w.Idx)
			parts := make([]int, w.WarpSize)
			distinct := make([]int, 0, w.WarpSize)
			tuple := func(i int) common.Tuple[T] {
				return common.Tuple[T]{Key: keys[i], Value: payloads[i]}
			}

			for base := begin + w.Index*w.WarpSize; base < end; base += w.Dim {
				n := min(w.Lanes, end-base)
				distinct = distinct[:0]
				for lane := 0; lane < n; lane++ {
					parts[lane] = partitionOf(keys[base+lane], mask)
					distinct = append(distinct, parts[lane])
				}
				slices.Sort(distinct)
				distinct = slices.Compact(distinct)

				if oneLock {
					for _, p := range distinct {
						st.lock(p)
						for lane := 0; lane < n; lane++ {
							if parts[lane] == p {
								st.append(p, tuple(base+lane))
							}
						}
						st.unlock(p)
					}
					continue
				}
				// ascending lock order keeps warps from deadlocking
				for _, p := range distinct {
					st.lock(p)
				}
				for lane := 0; lane < n; lane++ {
					st.append(parts[lane], tuple(base+lane))
				}
				for _, p := range distinct {
					st.unlock(p)
				}
			}
			w.SyncThreads()

			forThreads(w, plan.fanout, st.drain)
			return nil
		},
	}
	return k, cfg, nil
}
