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

//go:build !linux

package memory

import (
	"math"

	"github.com/daviszhen/radixpart/pkg/util"
)

// mapHost falls back to the heap where NUMA placement is unavailable.
func mapHost(size int, node int, hugePages HugePages, pin bool) ([]byte, func() error, error) {
	if fa := util.Check(util.FAULTS_SCOPE_HOST, "mmap"); fa != nil {
		if err := fa.Fire(); err != nil {
			return nil, nil, err
		}
	}
	buf := util.GAlloc.Alloc(size)
	return buf, func() error {
		util.GAlloc.Free(buf)
		return nil
	}, nil
}

// physicalMemory is unknown here; the allocation itself is the limit.
func physicalMemory() int {
	return math.MaxInt
}
