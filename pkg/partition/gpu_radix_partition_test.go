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
	"cmp"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/memory"
	"github.com/daviszhen/radixpart/pkg/util"
)

const (
	testGridSize  = 8
	testBlockSize = 256
	testDmemBytes = 256 * 1024
)

func testDevice(t *testing.T) *device.Device {
	dev, err := device.New(util.DefaultDeviceOptions())
	require.NoError(t, err)
	return dev
}

func genInput[T common.Key](n int, keyRange int64, seed int64) ([]T, []T) {
	rng := rand.New(rand.NewSource(seed))
	keys := make([]T, n)
	payloads := make([]T, n)
	for i := range keys {
		keys[i] = T(rng.Int63n(keyRange) + 1)
		payloads[i] = T(rng.Int63n(10000) + 1)
	}
	return keys, payloads
}

func hostMem(*device.Device) memory.MemType {
	return memory.MemType{Kind: memory.SysMem}
}

func newRelation[T common.Key](t *testing.T, dev *device.Device, n int, opts Options, relType memory.MemType) *PartitionedRelation[T] {
	rel, err := NewPartitionedRelation[T](n, opts.HistogramAlgorithm, opts.RadixBits, opts.GridSize,
		memory.AllocFn[common.Tuple[T]](dev, relType),
		memory.AllocFn[uint64](dev, hostMem(dev)))
	require.NoError(t, err)
	return rel
}

// runPartition partitions keys and payloads and waits for the result.
func runPartition[T common.Key](t *testing.T, dev *device.Device, opts Options, keys, payloads []T) *PartitionedRelation[T] {
	rp, err := NewGpuRadixPartitioner[T](dev, opts)
	require.NoError(t, err)
	defer rp.Close()

	rel := newRelation[T](t, dev, len(keys), opts, hostMem(dev))
	s := dev.NewStream()
	defer s.Close()
	require.NoError(t, rp.Partition(memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads), rel, s))
	require.NoError(t, s.Synchronize())
	return rel
}

func testOptions(hist HistogramAlgorithm, algo PartitionAlgorithm, radixBits uint32) Options {
	return Options{
		HistogramAlgorithm: hist,
		PartitionAlgorithm: algo,
		RadixBits:          radixBits,
		GridSize:           testGridSize,
		BlockSize:          testBlockSize,
		DmemBufferBytes:    testDmemBytes,
	}
}

func Test_concreteScenario(t *testing.T) {
	dev := testDevice(t)
	keys, payloads := genInput[int32](100, 1<<25, 1)
	opts := Options{
		HistogramAlgorithm: Chunked,
		PartitionAlgorithm: NC,
		RadixBits:          2,
		GridSize:           4,
		BlockSize:          128,
	}
	rel := runPartition(t, dev, opts, keys, payloads)
	defer rel.Free()

	assert.Equal(t, 100+4*4*PaddingLen[int32](), rel.Relation().Len())
	assert.Equal(t, 100, rel.Len())
	assert.Equal(t, 4, rel.Chunks())
	assert.Equal(t, 4, rel.Partitions())

	report, err := Verify(rel, keys, payloads)
	require.NoError(t, err)
	assert.Equal(t, 100, report.Tuples)

	total := 0
	for c := 0; c < rel.Chunks(); c++ {
		for p := 0; p < rel.Partitions(); p++ {
			tuples, err := rel.Index(c, p)
			require.NoError(t, err)
			for _, tp := range tuples {
				assert.Equal(t, p, int(tp.Key&3))
			}
			total += len(tuples)
		}
	}
	assert.Equal(t, 100, total)
}

func verifyVariant[T common.Key](t *testing.T, dev *device.Device, opts Options, n int) {
	keys, payloads := genInput[T](n, int64(n), int64(n)+int64(opts.RadixBits))
	rel := runPartition(t, dev, opts, keys, payloads)
	defer rel.Free()
	report, err := Verify(rel, keys, payloads)
	require.NoError(t, err)
	assert.Equal(t, n, report.Tuples)
	assert.Equal(t, opts.HistogramAlgorithm.Chunks(opts.GridSize), report.Chunks)
}

func Test_allVariants(t *testing.T) {
	dev := testDevice(t)
	for _, hist := range []HistogramAlgorithm{Chunked, Contiguous} {
		for _, algo := range AllPartitionAlgorithms() {
			for _, bits := range []uint32{2, 10} {
				for _, n := range []int{1 << 14, 10007} {
					opts := testOptions(hist, algo, bits)
					t.Run(fmt.Sprintf("%v/%v/%d/%d/int32", hist, algo, bits, n), func(t *testing.T) {
						verifyVariant[int32](t, dev, opts, n)
					})
					t.Run(fmt.Sprintf("%v/%v/%d/%d/int64", hist, algo, bits, n), func(t *testing.T) {
						verifyVariant[int64](t, dev, opts, n)
					})
				}
			}
		}
	}
}

func Test_twelveRadixBits(t *testing.T) {
	dev := testDevice(t)
	for _, hist := range []HistogramAlgorithm{Chunked, Contiguous} {
		for _, algo := range []PartitionAlgorithm{NC, LASWWC} {
			opts := testOptions(hist, algo, 12)
			t.Run(fmt.Sprintf("%v/%v", hist, algo), func(t *testing.T) {
				verifyVariant[int32](t, dev, opts, 1<<16)
			})
		}
	}
}

func Test_hierarchicalSpills(t *testing.T) {
	dev := testDevice(t)
	for _, algo := range []PartitionAlgorithm{HSSWWC, HSSWWCv2, HSSWWCv3, HSSWWCv4} {
		opts := testOptions(Chunked, algo, 6)
		opts.DmemBufferBytes = 128 * 1024
		t.Run(algo.String(), func(t *testing.T) {
			verifyVariant[int32](t, dev, opts, 1<<18)
			verifyVariant[int64](t, dev, opts, 1<<17)
		})
	}
}

func Test_oddGeometry(t *testing.T) {
	dev := testDevice(t)
	for _, algo := range AllPartitionAlgorithms() {
		opts := testOptions(Chunked, algo, 5)
		opts.GridSize = 3
		opts.BlockSize = 100
		t.Run(algo.String(), func(t *testing.T) {
			verifyVariant[int32](t, dev, opts, 5003)
			verifyVariant[int32](t, dev, opts, 2)
			verifyVariant[int32](t, dev, opts, 0)
		})
	}
}

func Test_negativeKeys(t *testing.T) {
	dev := testDevice(t)
	keys := []int64{-1, -2, -3, -4, -5, -1 << 40, 7, 8}
	payloads := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	rel := runPartition(t, dev, testOptions(Chunked, SSWWC, 3), keys, payloads)
	defer rel.Free()
	_, err := Verify(rel, keys, payloads)
	require.NoError(t, err)
}

func Test_reuse(t *testing.T) {
	dev := testDevice(t)
	opts := testOptions(Contiguous, HSSWWCv4, 8)
	rp, err := NewGpuRadixPartitioner[int32](dev, opts)
	require.NoError(t, err)
	defer rp.Close()
	s := dev.NewStream()
	defer s.Close()

	for round := 0; round < 2; round++ {
		keys, payloads := genInput[int32](50000, 1<<20, int64(round))
		rel := newRelation[int32](t, dev, len(keys), opts, hostMem(dev))
		require.NoError(t, rp.Partition(memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads), rel, s))
		require.NoError(t, s.Synchronize())

		_, err := Verify(rel, keys, payloads)
		require.NoError(t, err)
		timings, err := rp.Timings()
		require.NoError(t, err)
		assert.Greater(t, timings.PrefixSum, time.Duration(0))
		assert.Greater(t, timings.Partition, time.Duration(0))
		require.NoError(t, rel.Free())
	}
}

// assignment maps every tuple to its partition, sorted for comparison.
func assignment[T common.Key](t *testing.T, rel *PartitionedRelation[T]) [][]common.Tuple[T] {
	ret := make([][]common.Tuple[T], rel.Partitions())
	for c := 0; c < rel.Chunks(); c++ {
		for p := 0; p < rel.Partitions(); p++ {
			tuples, err := rel.Index(c, p)
			require.NoError(t, err)
			ret[p] = append(ret[p], tuples...)
		}
	}
	for _, part := range ret {
		slices.SortFunc(part, func(a, b common.Tuple[T]) int {
			if c := cmp.Compare(a.Key, b.Key); c != 0 {
				return c
			}
			return cmp.Compare(a.Value, b.Value)
		})
	}
	return ret
}

func Test_variantEquivalence(t *testing.T) {
	dev := testDevice(t)
	keys, payloads := genInput[int32](30011, 1<<16, 42)
	var reference [][]common.Tuple[int32]
	for _, hist := range []HistogramAlgorithm{Chunked, Contiguous} {
		for _, algo := range AllPartitionAlgorithms() {
			rel := runPartition(t, dev, testOptions(hist, algo, 7), keys, payloads)
			got := assignment(t, rel)
			require.NoError(t, rel.Free())
			if reference == nil {
				reference = got
				continue
			}
			assert.Equal(t, reference, got, "%v/%v", hist, algo)
		}
	}
}

func Test_capabilityGating(t *testing.T) {
	opts := util.DefaultDeviceOptions()
	opts.CooperativeLaunch = false
	dev, err := device.New(opts)
	require.NoError(t, err)

	keys, payloads := genInput[int32](1000, 1000, 3)
	partOpts := testOptions(Contiguous, NC, 4)
	rp, err := NewGpuRadixPartitioner[int32](dev, partOpts)
	require.NoError(t, err)
	defer rp.Close()
	rel := newRelation[int32](t, dev, len(keys), partOpts, hostMem(dev))
	defer rel.Free()
	s := dev.NewStream()
	defer s.Close()

	err = rp.Partition(memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads), rel, s)
	assert.ErrorIs(t, err, common.ErrDeviceCapability)
	require.NoError(t, s.Synchronize())
}

func partitionErr[T common.Key](t *testing.T, dev *device.Device, opts Options, n int) error {
	rp, err := NewGpuRadixPartitioner[T](dev, opts)
	if err != nil {
		return err
	}
	defer rp.Close()
	keys, payloads := genInput[T](n, 1000, 5)
	rel := newRelation[T](t, dev, n, opts, hostMem(dev))
	defer rel.Free()
	s := dev.NewStream()
	defer s.Close()
	if err := rp.Partition(memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads), rel, s); err != nil {
		return err
	}
	return s.Synchronize()
}

func Test_sharedMemoryGating(t *testing.T) {
	dev := testDevice(t)

	err := partitionErr[int32](t, dev, testOptions(Chunked, SSWWC, 12), 1000)
	assert.ErrorIs(t, err, common.ErrDeviceCapability)

	err = partitionErr[int32](t, dev, testOptions(Chunked, NC, 14), 1000)
	assert.ErrorIs(t, err, common.ErrDeviceCapability)

	opts := testOptions(Contiguous, NC, 4)
	opts.GridSize = dev.MaxCooperativeGrid() + 1
	err = partitionErr[int32](t, dev, opts, 1000)
	assert.ErrorIs(t, err, common.ErrDeviceCapability)
}

func Test_invalidArguments(t *testing.T) {
	dev := testDevice(t)

	_, err := NewGpuRadixPartitioner[int32](dev, testOptions(Chunked, NC, 32))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = NewGpuRadixPartitioner[int32](dev, Options{RadixBits: 2})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	bad := testOptions(Chunked, HSSWWC, 2)
	bad.DmemBufferBytes = 1000
	_, err = NewGpuRadixPartitioner[int32](dev, bad)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	// tier 2 smaller than tier 1
	small := testOptions(Chunked, HSSWWC, 2)
	small.DmemBufferBytes = 16 * 1024
	err = partitionErr[int32](t, dev, small, 1000)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	opts := testOptions(Chunked, NC, 4)
	rp, err := NewGpuRadixPartitioner[int32](dev, opts)
	require.NoError(t, err)
	defer rp.Close()
	s := dev.NewStream()
	defer s.Close()
	keys, payloads := genInput[int32](1000, 1000, 9)
	in, pay := memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads)

	rel := newRelation[int32](t, dev, 1000, opts, hostMem(dev))
	defer rel.Free()
	err = rp.Partition(in, memory.NewLaunchableSlice(payloads[:999]), rel, s)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	wrongBits := newRelation[int32](t, dev, 1000, testOptions(Chunked, NC, 5), hostMem(dev))
	defer wrongBits.Free()
	err = rp.Partition(in, pay, wrongBits, s)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	wrongChunks := newRelation[int32](t, dev, 1000, testOptions(Contiguous, NC, 4), hostMem(dev))
	defer wrongChunks.Free()
	err = rp.Partition(in, pay, wrongChunks, s)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	wrongLen := newRelation[int32](t, dev, 999, opts, hostMem(dev))
	defer wrongLen.Free()
	err = rp.Partition(in, pay, wrongLen, s)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	require.NoError(t, s.Synchronize())
}

func Test_deviceResidentOutput(t *testing.T) {
	dev := testDevice(t)
	opts := testOptions(Chunked, LASWWC, 4)
	keys, payloads := genInput[int32](4096, 1<<20, 11)

	rp, err := NewGpuRadixPartitioner[int32](dev, opts)
	require.NoError(t, err)
	defer rp.Close()
	rel := newRelation[int32](t, dev, len(keys), opts, memory.MemType{Kind: memory.CudaDevMem})
	defer rel.Free()
	s := dev.NewStream()
	defer s.Close()
	require.NoError(t, rp.Partition(memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads), rel, s))
	require.NoError(t, s.Synchronize())

	_, err = rel.Index(0, 0)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	host := make([]common.Tuple[int32], rel.Relation().Len())
	require.NoError(t, rel.Relation().CopyToHost(host))
	offsets, err := rel.Offsets().HostSlice()
	require.NoError(t, err)
	count := 0
	for slot := range offsets {
		end := len(host)
		if slot+1 < len(offsets) {
			end = int(offsets[slot+1]) - rel.PaddingLen()
		}
		for _, tp := range host[offsets[slot]:end] {
			assert.Equal(t, slot%rel.Partitions(), int(tp.Key&15))
			count++
		}
	}
	assert.Equal(t, len(keys), count)
}

func Test_executionFailureSurfacesAtSync(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_DEVICE)
	defer util.Close(util.FAULTS_SCOPE_DEVICE)
	util.Register(util.FAULTS_SCOPE_DEVICE, "launch:gpu_chunked_sswwc_radix_partition_v2_int32", nil,
		func([]string) error {
			return errors.New("illegal address")
		})

	dev := testDevice(t)
	opts := testOptions(Chunked, SSWWCv2, 4)
	rp, err := NewGpuRadixPartitioner[int32](dev, opts)
	require.NoError(t, err)
	defer rp.Close()
	keys, payloads := genInput[int32](1000, 1000, 13)
	rel := newRelation[int32](t, dev, len(keys), opts, hostMem(dev))
	defer rel.Free()
	s := dev.NewStream()
	defer s.Close()

	require.NoError(t, rp.Partition(memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads), rel, s))
	err = s.Synchronize()
	assert.ErrorIs(t, err, common.ErrExecutionFailure)
	assert.Contains(t, err.Error(), "illegal address")
}

func Test_dmemAllocationFailure(t *testing.T) {
	opts := util.DefaultDeviceOptions()
	opts.MemoryBytes = 1 << 20
	dev, err := device.New(opts)
	require.NoError(t, err)

	partOpts := testOptions(Chunked, HSSWWCv3, 4)
	partOpts.DmemBufferBytes = 1 << 20
	_, err = NewGpuRadixPartitioner[int32](dev, partOpts)
	assert.ErrorIs(t, err, common.ErrAllocationFailure)
	assert.Equal(t, uint64(0), dev.MemInfo().Used)
}

func Test_concurrentStreams(t *testing.T) {
	dev := testDevice(t)
	configs := []Options{
		testOptions(Contiguous, HSSWWCv4, 6),
		testOptions(Chunked, SSWWC, 6),
		testOptions(Contiguous, LASWWC, 6),
		testOptions(Chunked, NC, 6),
	}
	type run struct {
		rp       *GpuRadixPartitioner[int32]
		rel      *PartitionedRelation[int32]
		s        *device.Stream
		keys     []int32
		payloads []int32
	}
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	runs := make([]run, len(configs))
	for i, opts := range configs {
		rp, err := NewGpuRadixPartitioner[int32](dev, opts)
		require.NoError(t, err)
		defer rp.Close()
		keys, payloads := genInput[int32](30000+i*1000, 1<<20, int64(i))
		rel := newRelation[int32](t, dev, len(keys), opts, hostMem(dev))
		defer rel.Free()
		s := dev.NewStream()
		defer func() {
			release()
			s.Close()
		}()
		// hold the stream so the partition calls below can only enqueue
		require.NoError(t, s.Submit("gate", func() error {
			<-gate
			return nil
		}))
		runs[i] = run{rp: rp, rel: rel, s: s, keys: keys, payloads: payloads}
	}

	for _, r := range runs {
		require.NoError(t, r.rp.Partition(memory.NewLaunchableSlice(r.keys), memory.NewLaunchableSlice(r.payloads), r.rel, r.s))
	}
	for _, r := range runs {
		offsets, err := r.rel.Offsets().HostSlice()
		require.NoError(t, err)
		assert.Zero(t, slices.Max(offsets))
	}
	release()

	for i, r := range runs {
		require.NoError(t, r.s.Synchronize())
		report, err := Verify(r.rel, r.keys, r.payloads)
		require.NoError(t, err, configs[i].PartitionAlgorithm.String())
		assert.Equal(t, len(r.keys), report.Tuples)
	}
}

func Test_hostAllocationLimit(t *testing.T) {
	saved := memory.HostMemLimit
	memory.HostMemLimit = 1 << 30
	defer func() { memory.HostMemLimit = saved }()

	dev := testDevice(t)
	_, err := NewPartitionedRelation[int32](1000, Chunked, MaxRadixBits[int32](), 1,
		memory.AllocFn[common.Tuple[int32]](dev, hostMem(dev)),
		memory.AllocFn[uint64](dev, hostMem(dev)))
	assert.ErrorIs(t, err, common.ErrAllocationFailure)
}
