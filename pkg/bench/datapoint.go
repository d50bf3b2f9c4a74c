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
	"strconv"
	"time"
)

// DataPoint is one measurement row. Unset optional columns are written as
// empty fields.
type DataPoint struct {
	RunID            string
	Group            string
	Function         string
	Hostname         string
	DeviceCodename   string
	GridSize         int
	BlockSize        int
	DmemBufferBytes  int
	InputMemType     string
	OutputMemType    string
	InputLocation    int
	OutputLocation   int
	HugePages        string
	TupleBytes       int
	Tuples           int
	DataDistribution string
	ZipfExponent     float64
	RadixBits        uint32
	PrefixSum        time.Duration
	Partition        time.Duration
	Error            string
}

var dataPointHeader = []string{
	"run_id",
	"group",
	"function",
	"hostname",
	"device_codename",
	"grid_size",
	"block_size",
	"dmem_buffer_bytes",
	"input_mem_type",
	"output_mem_type",
	"input_location",
	"output_location",
	"huge_pages",
	"tuple_bytes",
	"tuples",
	"data_distribution",
	"zipf_exponent",
	"radix_bits",
	"prefix_sum_ns",
	"partition_ns",
	"error",
}

func (dp *DataPoint) record() []string {
	timing := func(d time.Duration) string {
		if dp.Error != "" {
			return ""
		}
		return strconv.FormatInt(d.Nanoseconds(), 10)
	}
	zipf := ""
	if dp.DataDistribution == "Zipf" {
		zipf = strconv.FormatFloat(dp.ZipfExponent, 'g', -1, 64)
	}
	return []string{
		dp.RunID,
		dp.Group,
		dp.Function,
		dp.Hostname,
		dp.DeviceCodename,
		strconv.Itoa(dp.GridSize),
		strconv.Itoa(dp.BlockSize),
		strconv.Itoa(dp.DmemBufferBytes),
		dp.InputMemType,
		dp.OutputMemType,
		strconv.Itoa(dp.InputLocation),
		strconv.Itoa(dp.OutputLocation),
		dp.HugePages,
		strconv.Itoa(dp.TupleBytes),
		strconv.Itoa(dp.Tuples),
		dp.DataDistribution,
		zipf,
		strconv.FormatUint(uint64(dp.RadixBits), 10),
		timing(dp.PrefixSum),
		timing(dp.Partition),
		dp.Error,
	}
}
