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
	"github.com/pkg/errors"

	"github.com/daviszhen/radixpart/pkg/common"
)

// Report summarizes a verified partitioned relation.
type Report struct {
	Tuples      int
	Chunks      int
	Partitions  int
	EmptySlots  int
	LargestSlot int
}

// Verify checks a partitioned relation against its input: the offsets are
// non-decreasing, every tuple sits in the partition of its key, and the
// tuples are exactly the input pairs. Both buffers must be host accessible.
func Verify[T common.Key](rel *PartitionedRelation[T], keys, payloads []T) (Report, error) {
	report := Report{Chunks: rel.Chunks(), Partitions: rel.Partitions()}
	if len(keys) != len(payloads) {
		return report, errors.Errorf("%d keys but %d payloads", len(keys), len(payloads))
	}
	offsets, err := rel.Offsets().HostSlice()
	if err != nil {
		return report, err
	}
	for i := 0; i+1 < len(offsets); i++ {
		if offsets[i] > offsets[i+1] {
			return report, errors.Errorf("offsets decrease at slot %d: %d > %d", i, offsets[i], offsets[i+1])
		}
	}

	expected := make(map[common.Tuple[T]]int, len(keys))
	for i := range keys {
		expected[common.Tuple[T]{Key: keys[i], Value: payloads[i]}]++
	}

	mask := partitionMask(rel.RadixBits())
	for c := 0; c < rel.Chunks(); c++ {
		for p := 0; p < rel.Partitions(); p++ {
			tuples, err := rel.Index(c, p)
			if err != nil {
				return report, err
			}
			if len(tuples) == 0 {
				report.EmptySlots++
			}
			report.LargestSlot = max(report.LargestSlot, len(tuples))
			for _, t := range tuples {
				if got := partitionOf(t.Key, mask); got != p {
					return report, errors.Errorf("tuple %v of partition %d in chunk %d belongs to partition %d", t, p, c, got)
				}
				n, ok := expected[t]
				if !ok || n == 0 {
					return report, errors.Errorf("tuple %v in chunk %d partition %d is not in the input or duplicated", t, c, p)
				}
				expected[t] = n - 1
				report.Tuples++
			}
		}
	}
	if report.Tuples != len(keys) {
		return report, errors.Errorf("found %d tuples, input has %d", report.Tuples, len(keys))
	}
	return report, nil
}
