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

// Package memory provides typed buffers on the memory kinds a partitioning
// run can place its inputs and outputs on.
package memory

import (
	"fmt"
	"strings"

	"github.com/daviszhen/radixpart/pkg/common"
)

type Kind int

const (
	SysMem Kind = iota
	NumaMem
	CudaPinnedMem
	CudaUniMem
	CudaDevMem
)

func (k Kind) String() string {
	switch k {
	case SysMem:
		return "System"
	case NumaMem:
		return "Numa"
	case CudaPinnedMem:
		return "Pinned"
	case CudaUniMem:
		return "Unified"
	case CudaDevMem:
		return "Device"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type HugePages int

const (
	HugePagesDefault HugePages = iota
	HugePagesOn
	HugePagesOff
)

func (hp HugePages) String() string {
	switch hp {
	case HugePagesOn:
		return "on"
	case HugePagesOff:
		return "off"
	default:
		return "default"
	}
}

func ParseHugePages(s string) (HugePages, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return HugePagesDefault, nil
	case "on", "true":
		return HugePagesOn, nil
	case "off", "false":
		return HugePagesOff, nil
	}
	return HugePagesDefault, common.NewInvalidArgError("ParseHugePages", "unknown huge page policy %q", s)
}

// MemType selects where a buffer lives. Node and HugePages apply to NUMA
// memory only. Pinned NUMA memory is locked into RAM after placement.
type MemType struct {
	Kind      Kind
	Node      int
	HugePages HugePages
	Pinned    bool
}

func (mt MemType) String() string {
	if mt.Kind != NumaMem {
		return mt.Kind.String()
	}
	name := "Numa"
	if mt.Pinned {
		name = "NumaLazyPinned"
	}
	return fmt.Sprintf("%s(node=%d,hugepages=%s)", name, mt.Node, mt.HugePages)
}

// HostAccessible reports whether the host may dereference the memory.
func (mt MemType) HostAccessible() bool {
	return mt.Kind != CudaDevMem
}

// ParseMemType maps a command line memory type name to a MemType.
func ParseMemType(name string, node int, hugePages HugePages) (MemType, error) {
	switch strings.ToLower(name) {
	case "system":
		return MemType{Kind: SysMem}, nil
	case "numa":
		return MemType{Kind: NumaMem, Node: node, HugePages: hugePages}, nil
	case "numalazypinned":
		return MemType{Kind: NumaMem, Node: node, HugePages: hugePages, Pinned: true}, nil
	case "pinned":
		return MemType{Kind: CudaPinnedMem}, nil
	case "unified":
		return MemType{Kind: CudaUniMem}, nil
	case "device":
		return MemType{Kind: CudaDevMem}, nil
	case "distributednuma":
		return MemType{}, common.NewInvalidArgError("ParseMemType", "distributed NUMA placement is not supported")
	}
	return MemType{}, common.NewInvalidArgError("ParseMemType", "unknown memory type %q", name)
}
