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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/memory"
)

func Test_fanoutAndPadding(t *testing.T) {
	assert.Equal(t, 1, Fanout(0))
	assert.Equal(t, 1024, Fanout(10))
	assert.Equal(t, 16, PaddingLen[int32]())
	assert.Equal(t, 8, PaddingLen[int64]())
	assert.Equal(t, uint32(31), MaxRadixBits[int32]())
	assert.Equal(t, uint32(63), MaxRadixBits[int64]())

	for _, algo := range AllPartitionAlgorithms() {
		assert.LessOrEqual(t, algo.BurstAlignment(), PaddingBytes, algo.String())
		assert.Zero(t, PaddingBytes%algo.BurstAlignment(), algo.String())
	}

	assert.Equal(t, 3, partitionOf[int32](-1, partitionMask(2)))
	assert.Equal(t, 2, partitionOf[int64](6, partitionMask(2)))
	assert.Equal(t, 0, partitionOf[int64](1<<40, partitionMask(10)))
}

func Test_parseAlgorithms(t *testing.T) {
	ha, err := ParseHistogramAlgorithm("GpuContiguous")
	require.NoError(t, err)
	assert.Equal(t, Contiguous, ha)
	ha, err = ParseHistogramAlgorithm("chunked")
	require.NoError(t, err)
	assert.Equal(t, Chunked, ha)
	_, err = ParseHistogramAlgorithm("cpu")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	for _, algo := range AllPartitionAlgorithms() {
		got, err := ParsePartitionAlgorithm(algo.String())
		require.NoError(t, err)
		assert.Equal(t, algo, got)
	}
	got, err := ParsePartitionAlgorithm("hsswwcv4")
	require.NoError(t, err)
	assert.Equal(t, HSSWWCv4, got)
	_, err = ParsePartitionAlgorithm("SSWWCv9")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	assert.Equal(t, 512, HSSWWCv3.MaxBlockSize())
	assert.Equal(t, 1024, SSWWCv2.MaxBlockSize())
	assert.Equal(t, 8, Chunked.Chunks(8))
	assert.Equal(t, 1, Contiguous.Chunks(8))
}

func Test_blockRange(t *testing.T) {
	for _, tc := range []struct{ n, grid int }{{0, 4}, {3, 4}, {100, 4}, {10007, 8}, {5, 1}} {
		next := 0
		for b := 0; b < tc.grid; b++ {
			begin, end := blockRange(tc.n, tc.grid, b)
			assert.Equal(t, next, begin)
			assert.LessOrEqual(t, end-begin, tc.n/tc.grid+1)
			assert.GreaterOrEqual(t, end-begin, tc.n/tc.grid)
			next = end
		}
		assert.Equal(t, tc.n, next)
	}
}

func Test_blockExclusiveScan(t *testing.T) {
	dev := testDevice(t)
	const n = 256
	const banks = 5
	out := make([]uint64, n+1)
	k := device.Kernel{
		Name: "scan",
		Fn: func(w *device.Warp) error {
			sa := w.SharedAlloc()
			buf := device.Shared[uint64](sa, scanBufferLen(n, banks))
			forThreads(w, n, func(i int) {
				buf[conflictFree(i, banks)] = uint64(i % 7)
			})
			w.SyncThreads()
			blockExclusiveScan(w, buf, n, banks)
			forThreads(w, n, func(i int) {
				out[i] = buf[conflictFree(i, banks)]
			})
			if w.IsLeader() {
				out[n] = buf[len(buf)-1]
			}
			return nil
		},
	}
	var layout device.SharedLayout
	device.AddShared[uint64](&layout, scanBufferLen(n, banks))
	s := dev.NewStream()
	defer s.Close()
	require.NoError(t, s.Launch(k, device.LaunchConfig{
		Grid: device.X(1), Block: device.X(96), SharedMemBytes: layout.Bytes(),
	}))
	require.NoError(t, s.Synchronize())

	var sum uint64
	for i := 0; i < n; i++ {
		assert.Equal(t, sum, out[i], "index %d", i)
		sum += uint64(i % 7)
	}
	assert.Equal(t, sum, out[n])
}

func Test_lookBack(t *testing.T) {
	dev := testDevice(t)
	const grid = 16
	state := make([]uint64, grid)
	prefixes := make([]uint64, grid)
	k := device.Kernel{
		Name: "look_back",
		Fn: func(w *device.Warp) error {
			if w.IsLeader() {
				prefixes[w.Idx] = lookBack(w, state, w.Idx, uint64(w.Idx+1))
			}
			return nil
		},
	}
	s := dev.NewStream()
	defer s.Close()
	require.NoError(t, s.Launch(k, device.LaunchConfig{
		Grid: device.X(grid), Block: device.X(32), Cooperative: true,
	}))
	require.NoError(t, s.Synchronize())
	for b := 0; b < grid; b++ {
		assert.Equal(t, uint64(b*(b+1)/2), prefixes[b])
		status, value := unpackScanState(state[b])
		assert.Equal(t, scanStatusPrefix, status)
		assert.Equal(t, uint64((b+1)*(b+2)/2), value)
	}
}

func Test_partitionedRelationLayout(t *testing.T) {
	dev := testDevice(t)
	host := memory.MemType{Kind: memory.SysMem}
	rel, err := NewPartitionedRelation[int64](1000, Chunked, 3, 5,
		memory.AllocFn[common.Tuple[int64]](dev, host), memory.AllocFn[uint64](dev, host))
	require.NoError(t, err)
	defer rel.Free()

	assert.Equal(t, 1000+5*8*8, rel.Relation().Len())
	assert.Equal(t, 40, rel.Offsets().Len())
	assert.Equal(t, 1000, rel.Len())
	assert.Equal(t, 5, rel.Chunks())
	assert.Equal(t, 8, rel.Partitions())
	assert.Equal(t, uint32(3), rel.RadixBits())
	assert.Equal(t, 8, rel.PaddingLen())

	_, err = rel.Index(5, 0)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = rel.Index(0, 8)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = NewPartitionedRelation[int32](10, Contiguous, 32, 1,
		memory.AllocFn[common.Tuple[int32]](dev, host), memory.AllocFn[uint64](dev, host))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = NewPartitionedRelation[int32](-1, Contiguous, 2, 1,
		memory.AllocFn[common.Tuple[int32]](dev, host), memory.AllocFn[uint64](dev, host))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func Test_describe(t *testing.T) {
	dev := testDevice(t)
	keys, payloads := genInput[int32](64, 1000, 17)
	opts := testOptions(Chunked, NC, 2)
	opts.GridSize = 2
	rel := runPartition(t, dev, opts, keys, payloads)
	defer rel.Free()

	out := rel.Describe(2)
	assert.Contains(t, out, "PartitionedRelation[int32]")
	assert.Contains(t, out, "chunk")
	assert.Contains(t, out, "... 2 more")
	assert.Contains(t, out, "tuples")
}
