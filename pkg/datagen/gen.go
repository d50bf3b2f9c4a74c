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

// Package datagen fills key and payload columns for benchmark relations.
// Generation runs in parallel over fixed-size chunks, each with its own
// deterministic random source, so a seed always produces the same data.
package datagen

import (
	"fmt"
	"math/rand"
	"runtime"
	"strings"

	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/radixpart/pkg/common"
)

// Generated payloads are drawn from [PayloadMin, PayloadMax].
const (
	PayloadMin = 1
	PayloadMax = 10000
)

const genChunkSize = 1 << 16

type Distribution int

const (
	Uniform Distribution = iota
	Unique
	Zipf
)

func (d Distribution) String() string {
	switch d {
	case Uniform:
		return "Uniform"
	case Unique:
		return "Unique"
	case Zipf:
		return "Zipf"
	default:
		return fmt.Sprintf("Distribution(%d)", int(d))
	}
}

func ParseDistribution(s string) (Distribution, error) {
	switch strings.ToLower(s) {
	case "uniform":
		return Uniform, nil
	case "unique":
		return Unique, nil
	case "zipf":
		return Zipf, nil
	}
	return 0, common.NewInvalidArgError("ParseDistribution", "unknown data distribution %q", s)
}

// parallelChunks calls fn for every chunk of [0, n) on up to GOMAXPROCS
// goroutines. fn gets the chunk index for seeding.
func parallelChunks(n int, fn func(chunk, begin, end int) error) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for chunk, begin := 0, 0; begin < n; chunk, begin = chunk+1, begin+genChunkSize {
		chunk, begin := chunk, begin
		end := min(begin+genChunkSize, n)
		g.Go(func() error {
			return fn(chunk, begin, end)
		})
	}
	return g.Wait()
}

func chunkRand(seed int64, chunk int) *rand.Rand {
	return rand.New(rand.NewSource(seed*1_000_003 + int64(chunk)))
}

// GenPrimaryKey fills data with a random permutation of 1..len(data).
func GenPrimaryKey[T constraints.Integer](data []T, seed int64) error {
	if err := checkRange[T](1, int64(len(data))); err != nil {
		return err
	}
	err := parallelChunks(len(data), func(_, begin, end int) error {
		for i := begin; i < end; i++ {
			data[i] = T(i + 1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(data), func(i, j int) {
		data[i], data[j] = data[j], data[i]
	})
	return nil
}

// GenAttr fills data uniformly from the inclusive range [lo, hi].
func GenAttr[T constraints.Integer](data []T, lo, hi int64, seed int64) error {
	if lo > hi {
		return common.NewInvalidArgError("GenAttr", "empty range [%d, %d]", lo, hi)
	}
	if err := checkRange[T](lo, hi); err != nil {
		return err
	}
	span := uint64(hi) - uint64(lo)
	return parallelChunks(len(data), func(chunk, begin, end int) error {
		rng := chunkRand(seed, chunk)
		for i := begin; i < end; i++ {
			var off uint64
			switch {
			case span < 1<<63-1:
				off = uint64(rng.Int63n(int64(span + 1)))
			case span == 1<<64-1:
				off = rng.Uint64()
			default:
				off = rng.Uint64() % (span + 1)
			}
			data[i] = T(uint64(lo) + off)
		}
		return nil
	})
}

// GenZipf fills data with keys in 1..keyRange whose frequencies follow a
// Zipf law with the given exponent. A non-positive exponent is uniform.
func GenZipf[T constraints.Integer](data []T, keyRange int64, exponent float64, seed int64) error {
	if keyRange < 1 {
		return common.NewInvalidArgError("GenZipf", "key range must be positive, got %d", keyRange)
	}
	if !(exponent > 0) {
		return GenAttr(data, 1, keyRange, seed)
	}
	if err := checkRange[T](1, keyRange); err != nil {
		return err
	}
	return parallelChunks(len(data), func(chunk, begin, end int) error {
		z := newZipfSampler(chunkRand(seed, chunk), keyRange, exponent)
		for i := begin; i < end; i++ {
			data[i] = T(z.sample())
		}
		return nil
	})
}

// Generate fills keys with distribution over 1..len(keys) and payloads
// from the payload range.
func Generate[T constraints.Integer](dist Distribution, keys, payloads []T, exponent float64, seed int64) error {
	var err error
	keyRange := int64(len(keys))
	switch dist {
	case Unique:
		err = GenPrimaryKey(keys, seed)
	case Uniform:
		if keyRange > 0 {
			err = GenAttr(keys, 1, keyRange, seed)
		}
	case Zipf:
		if keyRange > 0 {
			err = GenZipf(keys, keyRange, exponent, seed)
		}
	default:
		err = common.NewInvalidArgError("Generate", "unknown data distribution %v", dist)
	}
	if err != nil {
		return err
	}
	return GenAttr(payloads, PayloadMin, PayloadMax, seed+1)
}

func checkRange[T constraints.Integer](lo, hi int64) error {
	if int64(T(lo)) != lo || int64(T(hi)) != hi {
		return common.NewInvalidArgError("datagen", "range [%d, %d] does not fit the key type", lo, hi)
	}
	return nil
}
