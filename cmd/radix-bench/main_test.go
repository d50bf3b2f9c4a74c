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

package main

import (
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/partition"
	"github.com/daviszhen/radixpart/pkg/util"
)

func Test_exampleConfigDecodes(t *testing.T) {
	cfg := util.DefaultConfig()
	_, err := toml.DecodeFile(filepath.Join("..", "..", "etc", "radix-bench", cfgFileName), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"Chunked", "Contiguous"}, cfg.Bench.HistogramAlgorithms)
	assert.Equal(t, []int{8}, cfg.Bench.DmemBufferSizesKiB)
	assert.Equal(t, []uint32{8, 10}, cfg.Bench.RadixBits)
	assert.Equal(t, 96*1024, cfg.Device.MaxSharedMemPerBlock)
	assert.True(t, cfg.Debug.Progress)
}

func Test_describe(t *testing.T) {
	dev, err := device.New(util.DefaultDeviceOptions())
	require.NoError(t, err)
	out, err := describe(dev, partition.Options{
		HistogramAlgorithm: partition.Chunked,
		PartitionAlgorithm: partition.NC,
		RadixBits:          2,
		GridSize:           4,
		BlockSize:          128,
	}, 100, 4)
	require.NoError(t, err)
	assert.Contains(t, out, "100 tuples, 4 chunks, 4 partitions")
	assert.Contains(t, out, "chunk")
}

func Test_loadConfigFile(t *testing.T) {
	cfg := util.DefaultConfig()
	missing := filepath.Join(t.TempDir(), "missing.toml")
	fpath, err := loadConfigFile(missing, cfg)
	assert.Error(t, err)
	assert.Equal(t, missing, fpath)

	example := filepath.Join("..", "..", "etc", "radix-bench", cfgFileName)
	fpath, err = loadConfigFile(example, cfg)
	require.NoError(t, err)
	assert.Equal(t, example, fpath)
	assert.Equal(t, []uint32{8, 10}, cfg.Bench.RadixBits)

	fpath, err = loadConfigFile("", util.DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, fpath)
}
