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

package datagen

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixpart/pkg/common"
)

func Test_genPrimaryKey(t *testing.T) {
	data := make([]int32, 3*genChunkSize+17)
	require.NoError(t, GenPrimaryKey(data, 7))

	sorted := slices.Clone(data)
	slices.Sort(sorted)
	for i, v := range sorted {
		require.Equal(t, int32(i+1), v)
	}
	assert.False(t, slices.IsSorted(data))

	again := make([]int32, len(data))
	require.NoError(t, GenPrimaryKey(again, 7))
	assert.Equal(t, data, again)

	tooMany := make([]int8, 200)
	assert.ErrorIs(t, GenPrimaryKey(tooMany, 1), common.ErrInvalidArgument)
}

func Test_genAttr(t *testing.T) {
	data := make([]int64, 2*genChunkSize+5)
	require.NoError(t, GenAttr(data, -5, 5, 3))
	seen := make(map[int64]bool)
	for _, v := range data {
		require.GreaterOrEqual(t, v, int64(-5))
		require.LessOrEqual(t, v, int64(5))
		seen[v] = true
	}
	assert.Len(t, seen, 11)

	again := make([]int64, len(data))
	require.NoError(t, GenAttr(again, -5, 5, 3))
	assert.Equal(t, data, again)

	assert.ErrorIs(t, GenAttr(data, 5, 4, 3), common.ErrInvalidArgument)
	assert.ErrorIs(t, GenAttr(make([]int32, 4), 0, 1<<40, 3), common.ErrInvalidArgument)

	full := make([]int64, 100)
	require.NoError(t, GenAttr(full, -1<<63, 1<<63-1, 3))
}

func Test_genZipf(t *testing.T) {
	const keyRange = 1000
	for _, exponent := range []float64{0.5, 1, 1.5} {
		data := make([]int32, 200000)
		require.NoError(t, GenZipf(data, keyRange, exponent, 11))
		counts := make([]int, keyRange+1)
		for _, v := range data {
			require.GreaterOrEqual(t, v, int32(1))
			require.LessOrEqual(t, v, int32(keyRange))
			counts[v]++
		}
		// rank 1 dominates rank 10 by roughly 10^exponent
		assert.Greater(t, counts[1], counts[10], "exponent %v", exponent)
		assert.Greater(t, counts[10], counts[500], "exponent %v", exponent)
	}

	data := make([]int32, 1000)
	require.NoError(t, GenZipf(data, 10, 0, 1))
	for _, v := range data {
		assert.True(t, v >= 1 && v <= 10)
	}
	assert.ErrorIs(t, GenZipf(data, 0, 1, 1), common.ErrInvalidArgument)
}

func Test_generate(t *testing.T) {
	for _, dist := range []Distribution{Uniform, Unique, Zipf} {
		keys := make([]int32, 5000)
		payloads := make([]int32, 5000)
		require.NoError(t, Generate(dist, keys, payloads, 0.75, 5), dist.String())
		for i := range keys {
			require.True(t, keys[i] >= 1 && keys[i] <= 5000)
			require.True(t, payloads[i] >= PayloadMin && payloads[i] <= PayloadMax)
		}
	}
	require.NoError(t, Generate[int64](Uniform, nil, nil, 0, 5))

	dist, err := ParseDistribution("ZIPF")
	require.NoError(t, err)
	assert.Equal(t, Zipf, dist)
	_, err = ParseDistribution("normal")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func Test_tsvRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rel.tsv")
	keys := []int64{1, -2, 1 << 40}
	payloads := []int64{10, 20, 30}
	require.NoError(t, Save("", path, keys, payloads))

	gotKeys, gotPayloads, err := Load[int64]("", path)
	require.NoError(t, err)
	assert.Equal(t, keys, gotKeys)
	assert.Equal(t, payloads, gotPayloads)

	_, _, err = LoadTSV[int32](path)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.tsv")
	require.NoError(t, os.WriteFile(bad, []byte("# key\tpayload\n1\n"), 0644))
	_, _, err = LoadTSV[int32](bad)
	assert.Error(t, err)

	commented := filepath.Join(t.TempDir(), "c.tsv")
	require.NoError(t, os.WriteFile(commented, []byte("# key\tpayload\n1\t2\n3\t4\n"), 0644))
	gotK, gotP, err := LoadTSV[int32](commented)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 3}, gotK)
	assert.Equal(t, []int32{2, 4}, gotP)
}

func Test_parquetRoundTrip(t *testing.T) {
	dir := t.TempDir()

	keys32 := make([]int32, 3000)
	payloads32 := make([]int32, 3000)
	require.NoError(t, Generate(Uniform, keys32, payloads32, 0, 9))
	path32 := filepath.Join(dir, "rel32.parquet")
	require.NoError(t, Save(FormatParquet, path32, keys32, payloads32))
	gotKeys, gotPayloads, err := Load[int32]("", path32)
	require.NoError(t, err)
	assert.Equal(t, keys32, gotKeys)
	assert.Equal(t, payloads32, gotPayloads)

	keys64 := []int64{1 << 33, 2, 3}
	payloads64 := []int64{4, 5, 6}
	path64 := filepath.Join(dir, "rel64.parquet")
	require.NoError(t, SaveParquet(path64, keys64, payloads64))
	got64, _, err := LoadParquet[int64](path64)
	require.NoError(t, err)
	assert.Equal(t, keys64, got64)

	_, _, err = LoadParquet[int32](path64)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func Test_formatOf(t *testing.T) {
	f, err := FormatOf("", "a/b.parquet")
	require.NoError(t, err)
	assert.Equal(t, FormatParquet, f)
	f, err = FormatOf("CSV", "a/b")
	require.NoError(t, err)
	assert.Equal(t, FormatTSV, f)
	_, err = FormatOf("", "a/b.json")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}
