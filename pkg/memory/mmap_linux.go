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

//go:build linux

package memory

import (
	"math"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/util"
)

const (
	mpolBind   = 2
	mpolMfMove = 1 << 1
	maxNodes   = 64
)

// mapHost maps anonymous memory, binds it to a NUMA node when node >= 0,
// applies the huge page policy and optionally locks it. Placement and
// locking are hints: a kernel that refuses them leaves ordinary memory.
func mapHost(size int, node int, hugePages HugePages, pin bool) ([]byte, func() error, error) {
	if fa := util.Check(util.FAULTS_SCOPE_HOST, "mmap"); fa != nil {
		if err := fa.Fire(); err != nil {
			return nil, nil, err
		}
	}
	if node >= maxNodes {
		return nil, nil, common.NewInvalidArgError("mapHost", "NUMA node %d out of range", node)
	}
	length := util.AlignValue(size, unix.Getpagesize())
	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %d bytes", length)
	}

	switch hugePages {
	case HugePagesOn:
		adviseHint(buf, unix.MADV_HUGEPAGE, "MADV_HUGEPAGE")
	case HugePagesOff:
		adviseHint(buf, unix.MADV_NOHUGEPAGE, "MADV_NOHUGEPAGE")
	}

	if node >= 0 {
		mask := uint64(1) << uint(node)
		_, _, errno := unix.Syscall6(unix.SYS_MBIND,
			uintptr(unsafe.Pointer(unsafe.SliceData(buf))), uintptr(length),
			mpolBind, uintptr(unsafe.Pointer(&mask)), maxNodes, mpolMfMove)
		switch errno {
		case 0:
		case unix.EINVAL:
			_ = unix.Munmap(buf)
			return nil, nil, common.NewInvalidArgError("mapHost", "NUMA node %d does not exist", node)
		default:
			util.Warn("mbind failed, memory is not node local",
				zap.Int("node", node),
				zap.Error(errno))
		}
	}

	locked := false
	if pin {
		if err := unix.Mlock(buf); err != nil {
			util.Warn("mlock failed, memory is not pinned",
				zap.Int("bytes", length),
				zap.Error(err))
		} else {
			locked = true
		}
	}

	release := func() error {
		if locked {
			_ = unix.Munlock(buf)
		}
		return unix.Munmap(buf)
	}
	return buf[:size], release, nil
}

func adviseHint(buf []byte, advice int, name string) {
	if err := unix.Madvise(buf, advice); err != nil {
		util.Warn("madvise failed", zap.String("advice", name), zap.Error(err))
	}
}

func physicalMemory() int {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return math.MaxInt
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	if total == 0 || total > math.MaxInt {
		return math.MaxInt
	}
	return int(total)
}
