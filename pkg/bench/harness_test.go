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

package bench

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/datagen"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/util"
)

func testConfig(t *testing.T) (*device.Device, *util.Config) {
	cfg := util.DefaultConfig()
	cfg.Device.MemoryBytes = 256 << 20
	cfg.Bench.HistogramAlgorithms = []string{"GpuChunked", "GpuContiguous"}
	cfg.Bench.PartitionAlgorithms = []string{"NC", "SSWWCv2", "HSSWWCv4"}
	cfg.Bench.Tuples = 20000
	cfg.Bench.RadixBits = []uint32{4, 6}
	cfg.Bench.GridSize = 4
	cfg.Bench.DmemBufferSizesKiB = []int{256}
	cfg.Bench.InputMemType = "System"
	cfg.Bench.OutputMemType = "System"
	cfg.Bench.Repeat = 2
	cfg.Bench.Verify = true
	dev, err := device.New(cfg.Device)
	require.NoError(t, err)
	return dev, cfg
}

func readRows(t *testing.T, r io.Reader) []map[string]string {
	records, err := csv.NewReader(r).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, dataPointHeader, records[0])
	var rows []map[string]string
	for _, rec := range records[1:] {
		row := make(map[string]string)
		for i, col := range records[0] {
			row[col] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows
}

func runToFile(t *testing.T, dev *device.Device, cfg *util.Config, path string) Summary {
	out, err := NewWriter(path)
	require.NoError(t, err)
	summary, err := Run(context.Background(), dev, cfg, out)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	return summary
}

func Test_runWritesOneRowPerSample(t *testing.T) {
	dev, cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "out", "bench.csv")
	summary := runToFile(t, dev, cfg, path)
	assert.Equal(t, 2*3*2*2, summary.Samples)
	assert.Zero(t, summary.Failures)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows := readRows(t, file)
	require.Len(t, rows, summary.Samples)
	for _, row := range rows {
		assert.Empty(t, row["error"])
		assert.Equal(t, summary.RunID, row["run_id"])
		assert.Equal(t, "gpu_radix_partition", row["group"])
		assert.Equal(t, "20000", row["tuples"])
		assert.Equal(t, "4", row["grid_size"])
		assert.Equal(t, "1024", row["block_size"])
		assert.Equal(t, strconv.Itoa(256*1024), row["dmem_buffer_bytes"])
		ns, err := strconv.ParseInt(row["partition_ns"], 10, 64)
		require.NoError(t, err)
		assert.Positive(t, ns)
		_, err = strconv.ParseInt(row["prefix_sum_ns"], 10, 64)
		require.NoError(t, err)
	}
	assert.Equal(t, "ChunkedNC", rows[0]["function"])
	assert.Equal(t, "4", rows[0]["radix_bits"])
}

func Test_failingConfigurationIsRecorded(t *testing.T) {
	dev, cfg := testConfig(t)
	cfg.Bench.HistogramAlgorithms = []string{"Chunked"}
	cfg.Bench.PartitionAlgorithms = []string{"SSWWC", "NC"}
	cfg.Bench.RadixBits = []uint32{12}
	cfg.Bench.Repeat = 3
	path := filepath.Join(t.TempDir(), "bench.csv")
	summary := runToFile(t, dev, cfg, path)
	assert.Equal(t, 1, summary.Failures)
	assert.Equal(t, 3, summary.Samples)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows := readRows(t, file)
	require.Len(t, rows, 4)
	assert.Equal(t, "ChunkedSSWWC", rows[0]["function"])
	assert.Contains(t, rows[0]["error"], "DeviceCapability")
	assert.Empty(t, rows[0]["partition_ns"])
	for _, row := range rows[1:] {
		assert.Equal(t, "ChunkedNC", row["function"])
		assert.Empty(t, row["error"])
	}
}

func Test_compressedOutput(t *testing.T) {
	dev, cfg := testConfig(t)
	cfg.Bench.HistogramAlgorithms = []string{"Chunked"}
	cfg.Bench.PartitionAlgorithms = []string{"LASWWC"}
	cfg.Bench.TupleBytes = 16
	cfg.Bench.Repeat = 1
	cfg.Data.Distribution = "Zipf"
	cfg.Data.ZipfExponent = 1.25
	path := filepath.Join(t.TempDir(), "bench.csv.zst")
	summary := runToFile(t, dev, cfg, path)
	assert.Equal(t, 2, summary.Samples)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	zr, err := zstd.NewReader(file)
	require.NoError(t, err)
	defer zr.Close()
	rows := readRows(t, zr)
	require.Len(t, rows, 2)
	assert.Equal(t, "16", rows[0]["tuple_bytes"])
	assert.Equal(t, "Zipf", rows[0]["data_distribution"])
	assert.Equal(t, "1.25", rows[0]["zipf_exponent"])
}

func Test_loadedRelation(t *testing.T) {
	dev, cfg := testConfig(t)
	cfg.Bench.HistogramAlgorithms = []string{"Contiguous"}
	cfg.Bench.PartitionAlgorithms = []string{"SSWWCNT"}
	cfg.Bench.RadixBits = []uint32{5}
	cfg.Bench.Repeat = 1

	keys := make([]int32, 777)
	payloads := make([]int32, 777)
	require.NoError(t, datagen.Generate(datagen.Unique, keys, payloads, 0, 3))
	rel := filepath.Join(t.TempDir(), "rel.parquet")
	require.NoError(t, datagen.Save("", rel, keys, payloads))
	cfg.Data.Path = rel

	path := filepath.Join(t.TempDir(), "bench.csv")
	summary := runToFile(t, dev, cfg, path)
	assert.Equal(t, 1, summary.Samples)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows := readRows(t, file)
	require.Len(t, rows, 1)
	assert.Equal(t, "777", rows[0]["tuples"])
}

func Test_runRejectsBadConfig(t *testing.T) {
	dev, cfg := testConfig(t)
	out, err := NewWriter(filepath.Join(t.TempDir(), "bench.csv"))
	require.NoError(t, err)
	defer out.Close()

	bad := *cfg
	bad.Bench.TupleBytes = 12
	_, err = Run(context.Background(), dev, &bad, out)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	bad = *cfg
	bad.Bench.PartitionAlgorithms = []string{"SSWWCv5"}
	_, err = Run(context.Background(), dev, &bad, out)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	bad = *cfg
	bad.Bench.InputMemType = "DistributedNuma"
	_, err = Run(context.Background(), dev, &bad, out)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, dev, cfg, out)
	assert.ErrorIs(t, err, context.Canceled)
}
