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

// DeviceOptions describes the emulated device. The defaults follow a
// Volta-class part with the shared memory opt-in limit.
type DeviceOptions struct {
	Name                       string `tag:"name"`
	Multiprocessors            int    `tag:"multiprocessors"`
	WarpSize                   int    `tag:"warpSize"`
	MaxThreadsPerBlock         int    `tag:"maxThreadsPerBlock"`
	MaxSharedMemPerBlock       int    `tag:"maxSharedMemPerBlock"`
	MaxBlocksPerMultiprocessor int    `tag:"maxBlocksPerMultiprocessor"`
	CooperativeLaunch          bool   `tag:"cooperativeLaunch"`
	MemoryBytes                uint64 `tag:"memoryBytes"`
	Log2NumBanks               uint32 `tag:"log2NumBanks"`
}

type BenchOptions struct {
	HistogramAlgorithms []string `tag:"histogramAlgorithms"`
	PartitionAlgorithms []string `tag:"partitionAlgorithms"`
	Tuples              int      `tag:"tuples"`
	TupleBytes          int      `tag:"tupleBytes"`
	RadixBits           []uint32 `tag:"radixBits"`
	GridSize            int      `tag:"gridSize"`
	DmemBufferSizesKiB  []int    `tag:"dmemBufferSizes" toml:"dmemBufferSizes"`
	InputMemType        string   `tag:"inputMemType"`
	OutputMemType       string   `tag:"outputMemType"`
	InputLocation       int      `tag:"inputLocation"`
	OutputLocation      int      `tag:"outputLocation"`
	HugePages           string   `tag:"hugePages"`
	Repeat              int      `tag:"repeat"`
	Csv                 string   `tag:"csv"`
	Verify              bool     `tag:"verify"`
}

type DataOptions struct {
	Distribution string  `tag:"distribution"`
	ZipfExponent float64 `tag:"zipfExponent"`
	Path         string  `tag:"path"`
	Format       string  `tag:"format"`
	Seed         int64   `tag:"seed"`
}

type DebugOptions struct {
	LogLevel string `tag:"logLevel"`
	LogJson  bool   `tag:"logJson"`
	Progress bool   `tag:"progress"`
}

type Config struct {
	Device DeviceOptions `tag:"device"`
	Bench  BenchOptions  `tag:"bench"`
	Data   DataOptions   `tag:"data"`
	Debug  DebugOptions  `tag:"debug"`
}

func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{
		Name:                       "emulated-v100",
		Multiprocessors:            80,
		WarpSize:                   32,
		MaxThreadsPerBlock:         1024,
		MaxSharedMemPerBlock:       96 * 1024,
		MaxBlocksPerMultiprocessor: 32,
		CooperativeLaunch:          true,
		MemoryBytes:                16 << 30,
		Log2NumBanks:               5,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Device: DefaultDeviceOptions(),
		Bench: BenchOptions{
			HistogramAlgorithms: []string{"Chunked"},
			PartitionAlgorithms: []string{"NC"},
			Tuples:              10_000_000,
			TupleBytes:          8,
			RadixBits:           []uint32{8, 10},
			DmemBufferSizesKiB:  []int{8},
			InputMemType:        "Device",
			OutputMemType:       "Device",
			Repeat:              1,
			Csv:                 "target/bench/gpu_radix_partition_operator.csv",
		},
		Data: DataOptions{
			Distribution: "Uniform",
			Seed:         1,
		},
		Debug: DebugOptions{
			LogLevel: "info",
		},
	}
}
