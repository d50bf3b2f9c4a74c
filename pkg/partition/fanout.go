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

// Package partition radix-partitions relations on a device. A partitioning
// run has a histogram phase, which turns per-partition counts into padded
// write offsets, and a write phase, which scatters every tuple to its
// partition using one of several write-combining strategies.
package partition

import (
	"fmt"
	"strings"

	"github.com/daviszhen/radixpart/pkg/common"
)

// PaddingBytes is reserved in front of every (chunk, partition) run. It must
// cover the widest burst any write kernel aligns to.
const PaddingBytes = 128

func Fanout(radixBits uint32) int {
	return 1 << radixBits
}

func PaddingLen[T common.Key]() int {
	return PaddingBytes / common.TupleBytes[T]()
}

// MaxRadixBits keeps the fanout representable in the key type.
func MaxRadixBits[T common.Key]() uint32 {
	return uint32(common.KeyBits[T]() - 1)
}

func checkRadixBits[T common.Key](op string, radixBits uint32) error {
	if radixBits > MaxRadixBits[T]() {
		return common.NewInvalidArgError(op, "radix bits %d exceed %d for %s keys",
			radixBits, MaxRadixBits[T](), common.WidthOf[T]())
	}
	return nil
}

// partitionOf takes the low radix bits of the key, two's complement for
// negative keys.
func partitionOf[T common.Key](key T, mask uint64) int {
	return int(uint64(key) & mask)
}

func partitionMask(radixBits uint32) uint64 {
	return uint64(Fanout(radixBits)) - 1
}

type HistogramAlgorithm int

const (
	// Chunked gives every thread block its own chunk, no inter-block
	// synchronization.
	Chunked HistogramAlgorithm = iota
	// Contiguous computes one global offset table and needs a cooperative
	// launch.
	Contiguous
)

func (ha HistogramAlgorithm) String() string {
	switch ha {
	case Chunked:
		return "Chunked"
	case Contiguous:
		return "Contiguous"
	default:
		return fmt.Sprintf("HistogramAlgorithm(%d)", int(ha))
	}
}

func ParseHistogramAlgorithm(s string) (HistogramAlgorithm, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "gpu") {
	case "chunked":
		return Chunked, nil
	case "contiguous":
		return Contiguous, nil
	}
	return 0, common.NewInvalidArgError("ParseHistogramAlgorithm", "unknown histogram algorithm %q", s)
}

// Chunks is the chunk count a histogram algorithm produces for a grid.
func (ha HistogramAlgorithm) Chunks(gridSize int) int {
	if ha == Contiguous {
		return 1
	}
	return gridSize
}

type PartitionAlgorithm int

const (
	// NC writes every tuple directly, one atomic cursor increment each.
	NC PartitionAlgorithm = iota
	// LASWWC stages a batch in shared memory, reorders it by partition and
	// writes contiguous runs.
	LASWWC
	// SSWWC shares per-partition buffers between the warps of a block. A
	// warp locks all buffers it appends to.
	SSWWC
	// SSWWCNT is SSWWC with a streaming flush.
	SSWWCNT
	// SSWWCv2 holds one buffer lock at a time.
	SSWWCv2
	// HSSWWC adds a second buffer tier in device memory, flushed
	// synchronously under the shared buffer lock.
	HSSWWC
	// HSSWWCv2 is HSSWWC with one lock at a time.
	HSSWWCv2
	// HSSWWCv3 locks the device memory tier separately and flushes it
	// after releasing the shared buffer lock.
	HSSWWCv3
	// HSSWWCv4 double-buffers the device memory tier with one spare buffer
	// per warp and flushes after swapping.
	HSSWWCv4
)

var partitionAlgorithmNames = [...]string{
	NC:       "NC",
	LASWWC:   "LASWWC",
	SSWWC:    "SSWWC",
	SSWWCNT:  "SSWWCNT",
	SSWWCv2:  "SSWWCv2",
	HSSWWC:   "HSSWWC",
	HSSWWCv2: "HSSWWCv2",
	HSSWWCv3: "HSSWWCv3",
	HSSWWCv4: "HSSWWCv4",
}

func (pa PartitionAlgorithm) String() string {
	if pa >= 0 && int(pa) < len(partitionAlgorithmNames) {
		return partitionAlgorithmNames[pa]
	}
	return fmt.Sprintf("PartitionAlgorithm(%d)", int(pa))
}

func ParsePartitionAlgorithm(s string) (PartitionAlgorithm, error) {
	for i, name := range partitionAlgorithmNames {
		if strings.EqualFold(name, s) {
			return PartitionAlgorithm(i), nil
		}
	}
	return 0, common.NewInvalidArgError("ParsePartitionAlgorithm", "unknown partition algorithm %q", s)
}

func AllPartitionAlgorithms() []PartitionAlgorithm {
	ret := make([]PartitionAlgorithm, len(partitionAlgorithmNames))
	for i := range ret {
		ret[i] = PartitionAlgorithm(i)
	}
	return ret
}

// UsesDeviceMemory reports whether the variant needs the device memory
// buffer tier.
func (pa PartitionAlgorithm) UsesDeviceMemory() bool {
	switch pa {
	case HSSWWC, HSSWWCv2, HSSWWCv3, HSSWWCv4:
		return true
	}
	return false
}

// MaxBlockSize is the largest block the write kernel runs with.
func (pa PartitionAlgorithm) MaxBlockSize() int {
	if pa.UsesDeviceMemory() {
		return 512
	}
	return 1024
}

// BurstAlignment is the widest aligned write the variant issues, in bytes.
func (pa PartitionAlgorithm) BurstAlignment() int {
	switch pa {
	case NC:
		return 16
	case LASWWC:
		return 64
	default:
		return 128
	}
}

func (pa PartitionAlgorithm) oneLockAtATime() bool {
	switch pa {
	case SSWWCv2, HSSWWCv2, HSSWWCv3, HSSWWCv4:
		return true
	}
	return false
}
