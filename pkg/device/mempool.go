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

package device

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/util"
)

type allocation struct {
	buf  []byte
	size int
	id   uint64
}

func allocationLess(a, b *allocation) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.id < b.id
}

type MemInfo struct {
	Limit    uint64
	Used     uint64
	Reserved uint64
	Peak     uint64
}

// MemPool is the device memory manager. Freed blocks are cached in a
// size-ordered free list and handed out again best-fit. Cached blocks count
// against the limit and are released when a new allocation would not fit.
type MemPool struct {
	mu       sync.Mutex
	limit    uint64
	used     uint64
	reserved uint64
	peak     uint64
	nextID   uint64
	live     map[uintptr]*allocation
	free     *btree.BTreeG[*allocation]
	backing  util.BytesAllocator
}

func NewMemPool(limit uint64, backing util.BytesAllocator) *MemPool {
	return &MemPool{
		limit:   limit,
		live:    make(map[uintptr]*allocation),
		free:    btree.NewBTreeG[*allocation](allocationLess),
		backing: backing,
	}
}

func bufKey(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

func (pool *MemPool) Malloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, common.NewInvalidArgError("Malloc", "size must be positive, got %d", size)
	}
	if fa := util.Check(util.FAULTS_SCOPE_DEVICE, "malloc"); fa != nil {
		if err := fa.Fire(); err != nil {
			return nil, common.NewAllocationError("Malloc", "injected fault", err)
		}
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	// best fit among cached blocks, without wasting more than half a block
	var hit *allocation
	pool.free.Ascend(&allocation{size: size}, func(a *allocation) bool {
		if a.size <= 2*size {
			hit = a
		}
		return false
	})
	if hit != nil {
		pool.free.Delete(hit)
		pool.live[bufKey(hit.buf)] = hit
		pool.used += uint64(hit.size)
		pool.peak = max(pool.peak, pool.used)
		return hit.buf[:size], nil
	}

	for pool.reserved+uint64(size) > pool.limit && pool.free.Len() > 0 {
		evicted, _ := pool.free.PopMax()
		pool.reserved -= uint64(evicted.size)
		pool.backing.Free(evicted.buf)
	}
	if pool.reserved+uint64(size) > pool.limit {
		util.Warn("device memory exhausted",
			zap.String("request", humanize.IBytes(uint64(size))),
			zap.String("reserved", humanize.IBytes(pool.reserved)),
			zap.String("limit", humanize.IBytes(pool.limit)))
		return nil, common.NewAllocationError("Malloc",
			fmt.Sprintf("out of device memory: requested %s, available %s",
				humanize.IBytes(uint64(size)), humanize.IBytes(pool.limit-pool.reserved)), nil)
	}

	buf := pool.backing.Alloc(size)
	pool.nextID++
	a := &allocation{buf: buf, size: size, id: pool.nextID}
	pool.live[bufKey(buf)] = a
	pool.reserved += uint64(size)
	pool.used += uint64(size)
	pool.peak = max(pool.peak, pool.used)
	return buf, nil
}

func (pool *MemPool) Free(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	key := bufKey(buf)
	a, ok := pool.live[key]
	if !ok {
		return common.NewInvalidArgError("Free", "pointer %#x was not allocated on this device", key)
	}
	delete(pool.live, key)
	pool.used -= uint64(a.size)
	pool.free.Set(a)
	return nil
}

// Trim releases every cached block.
func (pool *MemPool) Trim() {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for pool.free.Len() > 0 {
		a, _ := pool.free.PopMin()
		pool.reserved -= uint64(a.size)
		pool.backing.Free(a.buf)
	}
}

func (pool *MemPool) Info() MemInfo {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return MemInfo{
		Limit:    pool.limit,
		Used:     pool.used,
		Reserved: pool.reserved,
		Peak:     pool.peak,
	}
}
