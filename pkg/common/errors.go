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

	"github.com/pkg/errors"
)

// ErrorKind classifies every failure the partitioning engine reports.
type ErrorKind int

const (
	// InvalidArgument: caller misconfiguration, detected before any device
	// work is enqueued.
	InvalidArgument ErrorKind = iota + 1
	// DeviceCapability: the configuration is not supported by the device.
	DeviceCapability
	// AllocationFailure: a buffer could not be obtained.
	AllocationFailure
	// ExecutionFailure: a kernel failed while running.
	ExecutionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case DeviceCapability:
		return "DeviceCapability"
	case AllocationFailure:
		return "AllocationFailure"
	case ExecutionFailure:
		return "ExecutionFailure"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s in %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s in %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrInvalidArgument)
// holds for every InvalidArgument error regardless of wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Message == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

var (
	ErrInvalidArgument   = &Error{Kind: InvalidArgument}
	ErrDeviceCapability  = &Error{Kind: DeviceCapability}
	ErrAllocationFailure = &Error{Kind: AllocationFailure}
	ErrExecutionFailure  = &Error{Kind: ExecutionFailure}
)

func NewInvalidArgError(op string, format string, args ...any) error {
	return &Error{Kind: InvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NewDeviceCapabilityError(op string, format string, args ...any) error {
	return &Error{Kind: DeviceCapability, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NewAllocationError(op string, message string, err error) error {
	return &Error{Kind: AllocationFailure, Op: op, Message: message, Err: err}
}

func NewExecutionError(op string, message string, err error) error {
	return &Error{Kind: ExecutionFailure, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
