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
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/radixpart/pkg/bench"
	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/datagen"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/memory"
	"github.com/daviszhen/radixpart/pkg/partition"
	"github.com/daviszhen/radixpart/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initRootFlags()
	initBenchCmd()
	initGenCmd()
	initDescribeCmd()
}

var benchCfg = util.DefaultConfig()

///root cmd

var info = "radix partitioning benchmark on an emulated gpu"
var RootCmd = &cobra.Command{
	Use:          "radix-bench",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use radix-bench --help or -h")
	},
}

func initRootFlags() {
	RootCmd.PersistentFlags().String("config", "", "config file, default radix-bench.toml in . or etc/radix-bench")
	RootCmd.PersistentFlags().String("log_level", "info", "debug, info, warn, error")
	RootCmd.PersistentFlags().Bool("log_json", false, "json logs")
	RootCmd.PersistentFlags().Int("multiprocessors", 0, "emulated multiprocessors")
	RootCmd.PersistentFlags().Int("shared_mem", 0, "emulated shared memory per block in bytes")
	RootCmd.PersistentFlags().Bool("cooperative_launch", true, "emulated device supports cooperative launch")
	RootCmd.PersistentFlags().String("device_memory", "", "emulated device memory, e.g. 16GiB")

	viper.BindPFlag("config", RootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("debug.logLevel", RootCmd.PersistentFlags().Lookup("log_level"))
	viper.BindPFlag("debug.logJson", RootCmd.PersistentFlags().Lookup("log_json"))
	viper.BindPFlag("device.multiprocessors", RootCmd.PersistentFlags().Lookup("multiprocessors"))
	viper.BindPFlag("device.maxSharedMemPerBlock", RootCmd.PersistentFlags().Lookup("shared_mem"))
	viper.BindPFlag("device.cooperativeLaunch", RootCmd.PersistentFlags().Lookup("cooperative_launch"))
	viper.BindPFlag("device.memory", RootCmd.PersistentFlags().Lookup("device_memory"))
	viper.SetEnvPrefix("radix_bench")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// initCommonCfg applies the flags and environment on top of the config
// file and sets up logging.
func initCommonCfg() error {
	if viper.IsSet("debug.logLevel") {
		benchCfg.Debug.LogLevel = viper.GetString("debug.logLevel")
	}
	if viper.IsSet("debug.logJson") {
		benchCfg.Debug.LogJson = viper.GetBool("debug.logJson")
	}
	if viper.IsSet("device.multiprocessors") {
		benchCfg.Device.Multiprocessors = viper.GetInt("device.multiprocessors")
	}
	if viper.IsSet("device.maxSharedMemPerBlock") {
		benchCfg.Device.MaxSharedMemPerBlock = viper.GetInt("device.maxSharedMemPerBlock")
	}
	if viper.IsSet("device.cooperativeLaunch") {
		benchCfg.Device.CooperativeLaunch = viper.GetBool("device.cooperativeLaunch")
	}
	if viper.IsSet("device.memory") {
		bytes, err := humanize.ParseBytes(viper.GetString("device.memory"))
		if err != nil {
			return common.NewInvalidArgError("radix-bench", "device memory %q: %v", viper.GetString("device.memory"), err)
		}
		benchCfg.Device.MemoryBytes = bytes
	}
	return util.InitLogger(benchCfg.Debug.LogLevel, benchCfg.Debug.LogJson)
}

//bench cmd

var benchInfo = "run the partitioning benchmark and write the measurements"
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: benchInfo,
	Long:  benchInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initBenchCfg(cmd); err != nil {
			return err
		}
		defer util.SyncLogger()
		dev, err := device.New(benchCfg.Device)
		if err != nil {
			return err
		}
		out, err := bench.NewWriter(benchCfg.Bench.Csv)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		summary, err := bench.Run(ctx, dev, benchCfg, out)
		if err2 := out.Close(); err == nil {
			err = err2
		}
		if err != nil {
			return err
		}
		util.Info("benchmark done",
			zap.String("runID", summary.RunID),
			zap.Int("samples", summary.Samples),
			zap.Int("failures", summary.Failures),
			zap.String("csv", benchCfg.Bench.Csv),
			zap.String("peakDeviceMemory", humanize.IBytes(dev.MemInfo().Peak)))
		return nil
	},
}

func initBenchCfg(cmd *cobra.Command) error {
	if err := initCommonCfg(); err != nil {
		return err
	}
	if viper.IsSet("bench.histogramAlgorithms") {
		benchCfg.Bench.HistogramAlgorithms = viper.GetStringSlice("bench.histogramAlgorithms")
	}
	if viper.IsSet("bench.partitionAlgorithms") {
		benchCfg.Bench.PartitionAlgorithms = viper.GetStringSlice("bench.partitionAlgorithms")
	}
	if viper.IsSet("bench.tuples") {
		benchCfg.Bench.Tuples = viper.GetInt("bench.tuples")
	}
	if viper.IsSet("bench.tupleBytes") {
		benchCfg.Bench.TupleBytes = viper.GetInt("bench.tupleBytes")
	}
	if viper.IsSet("bench.radixBits") {
		bits := viper.GetIntSlice("bench.radixBits")
		benchCfg.Bench.RadixBits = benchCfg.Bench.RadixBits[:0]
		for _, b := range bits {
			benchCfg.Bench.RadixBits = append(benchCfg.Bench.RadixBits, uint32(b))
		}
	}
	if viper.IsSet("bench.gridSize") {
		benchCfg.Bench.GridSize = viper.GetInt("bench.gridSize")
	}
	if viper.IsSet("bench.dmemBufferSizes") {
		benchCfg.Bench.DmemBufferSizesKiB = viper.GetIntSlice("bench.dmemBufferSizes")
	}
	if viper.IsSet("bench.inputMemType") {
		benchCfg.Bench.InputMemType = viper.GetString("bench.inputMemType")
	}
	if viper.IsSet("bench.outputMemType") {
		benchCfg.Bench.OutputMemType = viper.GetString("bench.outputMemType")
	}
	if viper.IsSet("bench.inputLocation") {
		benchCfg.Bench.InputLocation = viper.GetInt("bench.inputLocation")
	}
	if viper.IsSet("bench.outputLocation") {
		benchCfg.Bench.OutputLocation = viper.GetInt("bench.outputLocation")
	}
	if viper.IsSet("bench.hugePages") {
		benchCfg.Bench.HugePages = viper.GetString("bench.hugePages")
	}
	if viper.IsSet("bench.repeat") {
		benchCfg.Bench.Repeat = viper.GetInt("bench.repeat")
	}
	if viper.IsSet("bench.csv") {
		benchCfg.Bench.Csv = viper.GetString("bench.csv")
	}
	if viper.IsSet("bench.verify") {
		benchCfg.Bench.Verify = viper.GetBool("bench.verify")
	}
	if viper.IsSet("debug.progress") {
		benchCfg.Debug.Progress = viper.GetBool("debug.progress")
	}
	initDataCfg(cmd)
	return nil
}

func initDataCfg(cmd *cobra.Command) {
	bindDataFlags(cmd)
	if viper.IsSet("data.distribution") {
		benchCfg.Data.Distribution = viper.GetString("data.distribution")
	}
	if viper.IsSet("data.zipfExponent") {
		benchCfg.Data.ZipfExponent = viper.GetFloat64("data.zipfExponent")
	}
	if viper.IsSet("data.path") {
		benchCfg.Data.Path = viper.GetString("data.path")
	}
	if viper.IsSet("data.format") {
		benchCfg.Data.Format = viper.GetString("data.format")
	}
	if viper.IsSet("data.seed") {
		benchCfg.Data.Seed = viper.GetInt64("data.seed")
	}
}

func initBenchCmd() {
	RootCmd.AddCommand(benchCmd)
	flags := benchCmd.Flags()
	flags.StringSlice("histogram_algorithms", nil, "Chunked, Contiguous")
	flags.StringSlice("partition_algorithms", nil, "NC, LASWWC, SSWWC, SSWWCNT, SSWWCv2, HSSWWC, HSSWWCv2, HSSWWCv3, HSSWWCv4")
	flags.Int("tuples", 0, "tuples in the relation")
	flags.Int("tuple_bytes", 0, "tuple size, 8 or 16")
	flags.IntSlice("radix_bits", nil, "radix bits to partition with")
	flags.Int("grid_size", 0, "grid size, default the multiprocessor count")
	flags.IntSlice("dmem_buffer_sizes", nil, "device memory buffer sizes per block for HSSWWC variants in KiB")
	flags.String("input_mem_type", "", "System, Numa, NumaLazyPinned, Pinned, Unified, Device")
	flags.String("output_mem_type", "", "System, Numa, NumaLazyPinned, Pinned, Unified, Device")
	flags.Int("input_location", 0, "numa node of the input")
	flags.Int("output_location", 0, "numa node of the output")
	flags.String("huge_pages", "", "on, off or default")
	flags.Int("repeat", 0, "samples per configuration")
	flags.String("csv", "", "measurements file, .zst compresses")
	flags.Bool("verify", false, "verify every sample")
	flags.Bool("progress", false, "show a progress bar")
	initDataFlags(benchCmd)

	viper.BindPFlag("bench.histogramAlgorithms", flags.Lookup("histogram_algorithms"))
	viper.BindPFlag("bench.partitionAlgorithms", flags.Lookup("partition_algorithms"))
	viper.BindPFlag("bench.tuples", flags.Lookup("tuples"))
	viper.BindPFlag("bench.tupleBytes", flags.Lookup("tuple_bytes"))
	viper.BindPFlag("bench.radixBits", flags.Lookup("radix_bits"))
	viper.BindPFlag("bench.gridSize", flags.Lookup("grid_size"))
	viper.BindPFlag("bench.dmemBufferSizes", flags.Lookup("dmem_buffer_sizes"))
	viper.BindPFlag("bench.inputMemType", flags.Lookup("input_mem_type"))
	viper.BindPFlag("bench.outputMemType", flags.Lookup("output_mem_type"))
	viper.BindPFlag("bench.inputLocation", flags.Lookup("input_location"))
	viper.BindPFlag("bench.outputLocation", flags.Lookup("output_location"))
	viper.BindPFlag("bench.hugePages", flags.Lookup("huge_pages"))
	viper.BindPFlag("bench.repeat", flags.Lookup("repeat"))
	viper.BindPFlag("bench.csv", flags.Lookup("csv"))
	viper.BindPFlag("bench.verify", flags.Lookup("verify"))
	viper.BindPFlag("debug.progress", flags.Lookup("progress"))
}

func initDataFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("data_distribution", "", "Uniform, Unique, Zipf")
	flags.Float64("zipf_exponent", 0, "exponent of the Zipf distribution")
	flags.String("data_path", "", "load the relation from a tsv or parquet file")
	flags.String("data_format", "", "tsv or parquet, default by extension")
	flags.Int64("seed", 0, "random seed")
}

// bindDataFlags binds the data flags of the running command. Several
// commands define them, so binding happens at run time.
func bindDataFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	viper.BindPFlag("data.distribution", flags.Lookup("data_distribution"))
	viper.BindPFlag("data.zipfExponent", flags.Lookup("zipf_exponent"))
	viper.BindPFlag("data.path", flags.Lookup("data_path"))
	viper.BindPFlag("data.format", flags.Lookup("data_format"))
	viper.BindPFlag("data.seed", flags.Lookup("seed"))
}

//gen cmd

var genInfo = "generate a relation file"
var genCmd = &cobra.Command{
	Use:   "gen <path>",
	Short: genInfo,
	Long:  genInfo,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initCommonCfg(); err != nil {
			return err
		}
		initDataCfg(cmd)
		tuples, _ := cmd.Flags().GetInt("tuples")
		tupleBytes, _ := cmd.Flags().GetInt("tuple_bytes")
		switch tupleBytes {
		case 8:
			return genRelation[int32](args[0], tuples)
		case 16:
			return genRelation[int64](args[0], tuples)
		}
		return common.NewInvalidArgError("gen", "tuple bytes must be 8 or 16, got %d", tupleBytes)
	},
}

func genRelation[T common.Key](path string, tuples int) error {
	dist, err := datagen.ParseDistribution(benchCfg.Data.Distribution)
	if err != nil {
		return err
	}
	keys := make([]T, tuples)
	payloads := make([]T, tuples)
	if err := datagen.Generate(dist, keys, payloads, benchCfg.Data.ZipfExponent, benchCfg.Data.Seed); err != nil {
		return err
	}
	if err := datagen.Save(benchCfg.Data.Format, path, keys, payloads); err != nil {
		return err
	}
	util.Info("relation written",
		zap.String("path", path),
		zap.Int("tuples", tuples),
		zap.Stringer("distribution", dist))
	return nil
}

func initGenCmd() {
	RootCmd.AddCommand(genCmd)
	genCmd.Flags().Int("tuples", 1_000_000, "tuples in the relation")
	genCmd.Flags().Int("tuple_bytes", 8, "tuple size, 8 or 16")
	initDataFlags(genCmd)
}

//describe cmd

var describeInfo = "partition a small relation and print its layout"
var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: describeInfo,
	Long:  describeInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initCommonCfg(); err != nil {
			return err
		}
		initDataCfg(cmd)
		flags := cmd.Flags()
		tuples, _ := flags.GetInt("tuples")
		maxPartitions, _ := flags.GetInt("max_partitions")
		histName, _ := flags.GetString("histogram_algorithm")
		algoName, _ := flags.GetString("partition_algorithm")
		radixBits, _ := flags.GetUint32("radix_bits")
		gridSize, _ := flags.GetInt("grid_size")
		dmemKiB, _ := flags.GetInt("dmem_buffer_size")

		hist, err := partition.ParseHistogramAlgorithm(histName)
		if err != nil {
			return err
		}
		algo, err := partition.ParsePartitionAlgorithm(algoName)
		if err != nil {
			return err
		}
		dev, err := device.New(benchCfg.Device)
		if err != nil {
			return err
		}
		opts := partition.Options{
			HistogramAlgorithm: hist,
			PartitionAlgorithm: algo,
			RadixBits:          radixBits,
			GridSize:           gridSize,
			BlockSize:          min(dev.WarpSize*32, dev.MaxThreadsPerBlock),
			DmemBufferBytes:    dmemKiB * 1024,
		}
		out, err := describe(dev, opts, tuples, maxPartitions)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func describe(dev *device.Device, opts partition.Options, tuples, maxPartitions int) (string, error) {
	dist, err := datagen.ParseDistribution(benchCfg.Data.Distribution)
	if err != nil {
		return "", err
	}
	keys := make([]int32, tuples)
	payloads := make([]int32, tuples)
	if err := datagen.Generate(dist, keys, payloads, benchCfg.Data.ZipfExponent, benchCfg.Data.Seed); err != nil {
		return "", err
	}
	rp, err := partition.NewGpuRadixPartitioner[int32](dev, opts)
	if err != nil {
		return "", err
	}
	defer rp.Close()
	host := memory.MemType{Kind: memory.SysMem}
	rel, err := partition.NewPartitionedRelation[int32](tuples, opts.HistogramAlgorithm, opts.RadixBits, opts.GridSize,
		memory.AllocFn[common.Tuple[int32]](dev, host), memory.AllocFn[uint64](dev, host))
	if err != nil {
		return "", err
	}
	defer rel.Free()

	s := dev.NewStream()
	defer s.Close()
	if err := rp.Partition(memory.NewLaunchableSlice(keys), memory.NewLaunchableSlice(payloads), rel, s); err != nil {
		return "", err
	}
	if err := s.Synchronize(); err != nil {
		return "", err
	}
	report, err := partition.Verify(rel, keys, payloads)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n%d tuples, %d chunks, %d partitions, %d empty, largest %d\n",
		rel.Describe(maxPartitions), report.Tuples, report.Chunks, report.Partitions,
		report.EmptySlots, report.LargestSlot), nil
}

func initDescribeCmd() {
	RootCmd.AddCommand(describeCmd)
	flags := describeCmd.Flags()
	flags.Int("tuples", 100, "tuples in the relation")
	flags.Int("max_partitions", 8, "partitions listed per chunk")
	flags.String("histogram_algorithm", "Chunked", "Chunked, Contiguous")
	flags.String("partition_algorithm", "NC", "write variant")
	flags.Uint32("radix_bits", 2, "radix bits")
	flags.Int("grid_size", 4, "grid size")
	flags.Int("dmem_buffer_size", 64, "device memory buffer per block in KiB")
	initDataFlags(describeCmd)
}

var defCfgFilePaths = []string{".", "etc/radix-bench"}
var cfgFileName = "radix-bench.toml"

// loadConfig decodes the config file over the defaults. Without a file the
// defaults and flags apply.
func loadConfig() {
	fpath, err := loadConfigFile(viper.GetString("config"), benchCfg)
	if err != nil {
		util.Error("load config file failed",
			zap.String("fpath", fpath),
			zap.Error(err))
		os.Exit(1)
	}
	if fpath != "" {
		util.Debug("config loaded", zap.String("fpath", fpath))
	}
}

// loadConfigFile decodes the explicit file, which must exist, or else the
// first file found on the default paths. It returns the path it decoded.
func loadConfigFile(explicit string, cfg *util.Config) (string, error) {
	if explicit != "" {
		if !util.FileIsValid(explicit) {
			return explicit, errors.Errorf("config file %q does not exist", explicit)
		}
		_, err := toml.DecodeFile(explicit, cfg)
		return explicit, err
	}
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if !util.FileIsValid(fpath) {
			continue
		}
		_, err := toml.DecodeFile(fpath, cfg)
		return fpath, err
	}
	return "", nil
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
