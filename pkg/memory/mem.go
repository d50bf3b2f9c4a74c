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

package memory

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/util"
)

// HostMemLimit caps a single host allocation. It defaults to the physical
// memory of the machine.
var HostMemLimit = physicalMemory()

// Mem is an owned typed buffer. Exactly one owner frees it.
type Mem[T any] struct {
	mt      MemType
	data    []T
	release func() error
}

// MemAllocFn allocates a buffer of n elements on a fixed memory type.
type MemAllocFn[T any] func(n int) (*Mem[T], error)

// AllocFn binds a memory type, returning an allocator for it.
func AllocFn[T any](dev *device.Device, mt MemType) MemAllocFn[T] {
	return func(n int) (*Mem[T], error) {
		return Alloc[T](dev, mt, n)
	}
}

// Alloc allocates n elements of T. Host memory kinds are zeroed, device
// memory is not.
func Alloc[T any](dev *device.Device, mt MemType, n int) (*Mem[T], error) {
	if n < 0 {
		return nil, common.NewInvalidArgError("memory.Alloc", "negative length %d", n)
	}
	if n == 0 {
		return &Mem[T]{mt: mt}, nil
	}
	elem := util.SizeOf[T]()
	if mt.HostAccessible() && mt.Kind != CudaUniMem && elem > 0 && n > HostMemLimit/elem {
		return nil, common.NewAllocationError("memory.Alloc", mt.String(),
			errors.Errorf("%d elements of %d bytes exceed the host limit of %s",
				n, elem, humanize.IBytes(uint64(HostMemLimit))))
	}
	size := n * elem

	var buf []byte
	var release func() error
	var err error
	switch mt.Kind {
	case SysMem:
		buf = util.GAlloc.Alloc(size)
		release = func() error {
			util.GAlloc.Free(buf)
			return nil
		}
	case NumaMem:
		buf, release, err = mapHost(size, mt.Node, mt.HugePages, mt.Pinned)
	case CudaPinnedMem:
		buf, release, err = mapHost(size, -1, HugePagesDefault, true)
	case CudaUniMem, CudaDevMem:
		if dev == nil {
			return nil, common.NewInvalidArgError("memory.Alloc", "%s memory needs a device", mt.Kind)
		}
		buf, err = dev.Malloc(size)
		release = func() error {
			return dev.Free(buf)
		}
	default:
		return nil, common.NewInvalidArgError("memory.Alloc", "unknown memory kind %v", mt.Kind)
	}
	if err != nil {
		if _, ok := common.KindOf(err); ok {
			return nil, err
		}
		return nil, common.NewAllocationError("memory.Alloc", mt.String(), err)
	}
	return &Mem[T]{
		mt:      mt,
		data:    util.ToSlice[T](buf, util.SizeOf[T]()),
		release: release,
	}, nil
}

func (m *Mem[T]) Len() int {
	return len(m.data)
}

func (m *Mem[T]) Type() MemType {
	return m.mt
}

// HostSlice returns the buffer for host access. Device memory cannot be
// read by the host.
func (m *Mem[T]) HostSlice() ([]T, error) {
	if !m.mt.HostAccessible() {
		return nil, common.NewInvalidArgError("Mem.HostSlice", "%s memory is not host accessible", m.mt)
	}
	return m.data, nil
}

// AsLaunchable borrows the buffer for one kernel dispatch.
func (m *Mem[T]) AsLaunchable() LaunchableSlice[T] {
	return LaunchableSlice[T]{data: m.data}
}

// CopyFromHost copies src into the start of the buffer.
func (m *Mem[T]) CopyFromHost(src []T) error {
	if len(src) > len(m.data) {
		return common.NewInvalidArgError("Mem.CopyFromHost", "source of %d elements exceeds buffer of %d", len(src), len(m.data))
	}
	copy(m.data, src)
	return nil
}

// CopyToHost copies the start of the buffer into dst.
func (m *Mem[T]) CopyToHost(dst []T) error {
	if len(dst) > len(m.data) {
		return common.NewInvalidArgError("Mem.CopyToHost", "destination of %d elements exceeds buffer of %d", len(dst), len(m.data))
	}
	copy(dst, m.data)
	return nil
}

// Zero clears the buffer, the equivalent of a device memset.
func (m *Mem[T]) Zero() {
	clear(m.data)
}

func (m *Mem[T]) Free() error {
	if m == nil || m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	m.data = nil
	return release()
}

// LaunchableSlice is a non-owning view of a buffer valid for one dispatch.
type LaunchableSlice[T any] struct {
	data []T
}

func NewLaunchableSlice[T any](data []T) LaunchableSlice[T] {
	return LaunchableSlice[T]{data: data}
}

func (ls LaunchableSlice[T]) Len() int {
	return len(ls.data)
}

// Slice is for kernel bodies only.
func (ls LaunchableSlice[T]) Slice() []T {
	return ls.data
}
