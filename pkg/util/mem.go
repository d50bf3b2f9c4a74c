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

package util

// BytesAllocator backs every byte buffer the emulated device hands out.
type BytesAllocator interface {
	Alloc(sz int) []byte
	Free([]byte)
}

type DefaultAllocator struct {
}

// Alloc returns a zeroed buffer aligned to 8 bytes, so it can be viewed as
// a slice of any tuple type.
func (alloc *DefaultAllocator) Alloc(sz int) []byte {
	if sz <= 0 {
		return nil
	}
	words := make([]uint64, (sz+7)/8)
	return AsBytes(words)[:sz]
}

func (alloc *DefaultAllocator) Free(bytes []byte) {
}

var GAlloc BytesAllocator = &DefaultAllocator{}
