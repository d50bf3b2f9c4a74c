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

package common

import (
	"fmt"
	"unsafe"
)

// Key is the attribute type of a relation. Keys and payloads share the
// same width, so a tuple is 8 or 16 bytes.
type Key interface {
	~int32 | ~int64
}

type Tuple[T Key] struct {
	Key   T
	Value T
}

func (t Tuple[T]) String() string {
	return fmt.Sprintf("(%d,%d)", t.Key, t.Value)
}

func TupleBytes[T Key]() int {
	var t Tuple[T]
	return int(unsafe.Sizeof(t))
}

func KeyBits[T Key]() int {
	var k T
	return int(unsafe.Sizeof(k)) * 8
}

// ElementWidth names the attribute width a kernel is compiled for.
type ElementWidth int

const (
	Width32 ElementWidth = 4
	Width64 ElementWidth = 8
)

func (w ElementWidth) String() string {
	switch w {
	case Width32:
		return "int32"
	case Width64:
		return "int64"
	default:
		return fmt.Sprintf("width(%d)", int(w))
	}
}

func WidthOf[T Key]() ElementWidth {
	var k T
	return ElementWidth(unsafe.Sizeof(k))
}
