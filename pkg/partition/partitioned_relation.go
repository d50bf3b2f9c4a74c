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
	"fmt"

	"github.com/xlab/treeprint"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/memory"
)

// PartitionedRelation is the output of a partitioning run. relation holds
// all chunks back to back, every (chunk, partition) run preceded by
// PaddingLen tuples; offsets holds the start of every run.
//
// offsets[i] = sum(count[j] for j < i) + (i+1)*PaddingLen, with i the flat
// index chunk*partitions+partition.
type PartitionedRelation[T common.Key] struct {
	relation  *memory.Mem[common.Tuple[T]]
	offsets   *memory.Mem[uint64]
	chunks    int
	radixBits uint32
}

// NewPartitionedRelation sizes a relation for length input tuples. The
// chunk count follows from the histogram algorithm: one per block for
// Chunked, one for Contiguous.
func NewPartitionedRelation[T common.Key](
	length int,
	histogramAlgorithm HistogramAlgorithm,
	radixBits uint32,
	gridSize int,
	relationAlloc memory.MemAllocFn[common.Tuple[T]],
	offsetsAlloc memory.MemAllocFn[uint64],
) (*PartitionedRelation[T], error) {
	const op = "NewPartitionedRelation"
	if length < 0 {
		return nil, common.NewInvalidArgError(op, "negative length %d", length)
	}
	if gridSize <= 0 {
		return nil, common.NewInvalidArgError(op, "grid size must be positive, got %d", gridSize)
	}
	if err := checkRadixBits[T](op, radixBits); err != nil {
		return nil, err
	}
	chunks := histogramAlgorithm.Chunks(gridSize)
	slots := Fanout(radixBits) * chunks
	relation, err := relationAlloc(length + slots*PaddingLen[T]())
	if err != nil {
		return nil, err
	}
	offsets, err := offsetsAlloc(slots)
	if err != nil {
		_ = relation.Free()
		return nil, err
	}
	return &PartitionedRelation[T]{
		relation:  relation,
		offsets:   offsets,
		chunks:    chunks,
		radixBits: radixBits,
	}, nil
}

// Len is the number of tuples without padding.
func (pr *PartitionedRelation[T]) Len() int {
	return pr.relation.Len() - pr.Partitions()*pr.chunks*pr.PaddingLen()
}

func (pr *PartitionedRelation[T]) Chunks() int {
	return pr.chunks
}

func (pr *PartitionedRelation[T]) Partitions() int {
	return Fanout(pr.radixBits)
}

func (pr *PartitionedRelation[T]) RadixBits() uint32 {
	return pr.radixBits
}

func (pr *PartitionedRelation[T]) PaddingLen() int {
	return PaddingLen[T]()
}

// Relation is the tuple buffer, padding included.
func (pr *PartitionedRelation[T]) Relation() *memory.Mem[common.Tuple[T]] {
	return pr.relation
}

func (pr *PartitionedRelation[T]) Offsets() *memory.Mem[uint64] {
	return pr.offsets
}

// Index returns the tuples of one chunk and partition. Both buffers must be
// host accessible.
func (pr *PartitionedRelation[T]) Index(chunk, partition int) ([]common.Tuple[T], error) {
	const op = "PartitionedRelation.Index"
	if chunk < 0 || chunk >= pr.chunks || partition < 0 || partition >= pr.Partitions() {
		return nil, common.NewInvalidArgError(op, "(%d, %d) out of range (%d chunks, %d partitions)",
			chunk, partition, pr.chunks, pr.Partitions())
	}
	offsets, err := pr.offsets.HostSlice()
	if err != nil {
		return nil, err
	}
	relation, err := pr.relation.HostSlice()
	if err != nil {
		return nil, err
	}
	begin, end, err := pr.bounds(offsets, len(relation), chunk*pr.Partitions()+partition)
	if err != nil {
		return nil, err
	}
	return relation[begin:end], nil
}

func (pr *PartitionedRelation[T]) bounds(offsets []uint64, relationLen int, slot int) (int, int, error) {
	begin := int(offsets[slot])
	end := relationLen
	if slot+1 < len(offsets) {
		end = int(offsets[slot+1]) - pr.PaddingLen()
	}
	if begin < 0 || begin > end || end > relationLen {
		return 0, 0, common.NewInvalidArgError("PartitionedRelation.Index",
			"corrupt offsets at slot %d: [%d, %d) in relation of %d", slot, begin, end, relationLen)
	}
	return begin, end, nil
}

// Describe renders the chunk and partition layout for debugging. At most
// maxPartitions partitions are listed per chunk.
func (pr *PartitionedRelation[T]) Describe(maxPartitions int) string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("PartitionedRelation[%s]", common.WidthOf[T]()))
	tree.AddMetaNode("len", pr.Len())
	tree.AddMetaNode("radixBits", pr.radixBits)
	tree.AddMetaNode("paddingLen", pr.PaddingLen())
	offsets, err := pr.offsets.HostSlice()
	if err != nil {
		tree.AddMetaNode("offsets", pr.offsets.Type().String())
		return tree.String()
	}
	relationLen := pr.relation.Len()
	for c := 0; c < pr.chunks; c++ {
		chunk := tree.AddMetaBranch("chunk", c)
		for p := 0; p < pr.Partitions() && p < maxPartitions; p++ {
			begin, end, err := pr.bounds(offsets, relationLen, c*pr.Partitions()+p)
			if err != nil {
				chunk.AddMetaNode(p, err.Error())
				continue
			}
			chunk.AddMetaNode(p, fmt.Sprintf("[%d, %d) %d tuples", begin, end, end-begin))
		}
		if pr.Partitions() > maxPartitions {
			chunk.AddNode(fmt.Sprintf("... %d more", pr.Partitions()-maxPartitions))
		}
	}
	return tree.String()
}

func (pr *PartitionedRelation[T]) Free() error {
	err := pr.relation.Free()
	if err2 := pr.offsets.Free(); err == nil {
		err = err2
	}
	return err
}
