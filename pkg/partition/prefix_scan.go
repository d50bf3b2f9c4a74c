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

	"github.com/daviszhen/radixpart/pkg/device"
)

// conflictFree spreads consecutive scan elements over shared memory banks.
func conflictFree(i int, log2NumBanks uint32) int {
	return i + i>>log2NumBanks
}

// scanBufferLen is the shared buffer length for a scan over n elements.
// The extra last element receives the total.
func scanBufferLen(n int, log2NumBanks uint32) int {
	return n + n>>log2NumBanks + 1
}

// blockExclusiveScan is a work-efficient exclusive scan over n elements
// stored at conflict-free indices of buf. n must be a power of two. Every
// warp of the block calls it; it returns with the block synchronized and the
// total in buf[len(buf)-1].
func blockExclusiveScan(w *device.Warp, buf []uint64, n int, log2NumBanks uint32) {
	cf := func(i int) int { return conflictFree(i, log2NumBanks) }

	for d := 1; d < n; d <<= 1 {
		forThreads(w, n/(2*d), func(k int) {
			ai := d*(2*k+1) - 1
			bi := d*(2*k+2) - 1
			buf[cf(bi)] += buf[cf(ai)]
		})
		w.SyncThreads()
	}
	if w.IsLeader() {
		buf[len(buf)-1] = buf[cf(n-1)]
		buf[cf(n-1)] = 0
	}
	w.SyncThreads()
	for d := n / 2; d >= 1; d >>= 1 {
		forThreads(w, n/(2*d), func(k int) {
			ai := d*(2*k+1) - 1
			bi := d*(2*k+2) - 1
			t := buf[cf(ai)]
			buf[cf(ai)] = buf[cf(bi)]
			buf[cf(bi)] += t
		})
		w.SyncThreads()
	}
}

// Decoupled look-back state. Every block publishes one word: the status
// in the top two bits and an aggregate or inclusive prefix below.
const (
	scanStatusInvalid   uint64 = 0
	scanStatusAggregate uint64 = 1
	scanStatusPrefix    uint64 = 2

	scanStatusShift = 62
	scanValueMask   = 1<<scanStatusShift - 1
)

func packScanState(status, value uint64) uint64 {
	return status<<scanStatusShift | value&scanValueMask
}

func unpackScanState(word uint64) (uint64, uint64) {
	return word >> scanStatusShift, word & scanValueMask
}

// lookBack publishes the aggregate of tile and returns the exclusive prefix
// of all earlier tiles. Only one warp per block calls it. The state must be
// zeroed before the launch.
func lookBack(w *device.Warp, state []uint64, tile int, aggregate uint64) uint64 {
	if tile == 0 {
		atomic.StoreUint64(&state[0], packScanState(scanStatusPrefix, aggregate))
		return 0
	}
	atomic.StoreUint64(&state[tile], packScanState(scanStatusAggregate, aggregate))

	var exclusive uint64
	for j := tile - 1; j >= 0; {
		status, value := unpackScanState(atomic.LoadUint64(&state[j]))
		switch status {
		case scanStatusInvalid:
			w.Yield()
		case scanStatusAggregate:
			exclusive += value
			j--
		default:
			exclusive += value
			j = -1
		}
	}
	atomic.StoreUint64(&state[tile], packScanState(scanStatusPrefix, exclusive+aggregate))
	return exclusive
}
