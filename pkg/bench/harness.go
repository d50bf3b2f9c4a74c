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

// Package bench measures the radix partitioner over the cartesian product
// of histogram algorithms, partition algorithms, device memory buffer sizes
// and radix bits, and writes one CSV row per sample.
package bench

import (
	"context"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/daviszhen/radixpart/pkg/common"
	"github.com/daviszhen/radixpart/pkg/datagen"
	"github.com/daviszhen/radixpart/pkg/device"
	"github.com/daviszhen/radixpart/pkg/memory"
	"github.com/daviszhen/radixpart/pkg/partition"
	"github.com/daviszhen/radixpart/pkg/util"
)

const (
	benchGroup = "gpu_radix_partition"
	// block size is the warp size times this factor
	warpOvercommitFactor = 32
)

// Summary counts the samples of a run.
type Summary struct {
	RunID    string
	Samples  int
	Failures int
}

type plan struct {
	histograms []partition.HistogramAlgorithm
	algorithms []partition.PartitionAlgorithm
	inputType  memory.MemType
	outputType memory.MemType
	dist       datagen.Distribution
	gridSize   int
	blockSize  int
}

func makePlan(dev *device.Device, cfg *util.Config) (*plan, error) {
	p := &plan{}
	for _, name := range cfg.Bench.HistogramAlgorithms {
		ha, err := partition.ParseHistogramAlgorithm(name)
		if err != nil {
			return nil, err
		}
		p.histograms = append(p.histograms, ha)
	}
	for _, name := range cfg.Bench.PartitionAlgorithms {
		pa, err := partition.ParsePartitionAlgorithm(name)
		if err != nil {
			return nil, err
		}
		p.algorithms = append(p.algorithms, pa)
	}
	hugePages, err := memory.ParseHugePages(cfg.Bench.HugePages)
	if err != nil {
		return nil, err
	}
	p.inputType, err = memory.ParseMemType(cfg.Bench.InputMemType, cfg.Bench.InputLocation, hugePages)
	if err != nil {
		return nil, err
	}
	p.outputType, err = memory.ParseMemType(cfg.Bench.OutputMemType, cfg.Bench.OutputLocation, hugePages)
	if err != nil {
		return nil, err
	}
	p.dist, err = datagen.ParseDistribution(cfg.Data.Distribution)
	if err != nil {
		return nil, err
	}
	if p.dist == datagen.Zipf && !(cfg.Data.ZipfExponent > 0) {
		util.Warn("zipf exponent is not positive, generating uniform keys",
			zap.Float64("exponent", cfg.Data.ZipfExponent))
	}
	if cfg.Bench.Repeat <= 0 {
		return nil, common.NewInvalidArgError("bench", "repeat must be positive, got %d", cfg.Bench.Repeat)
	}
	p.gridSize = cfg.Bench.GridSize
	if p.gridSize <= 0 {
		p.gridSize = dev.Multiprocessors
	}
	p.blockSize = min(dev.WarpSize*warpOvercommitFactor, dev.MaxThreadsPerBlock)
	return p, nil
}

// Run executes every configuration of cfg.Bench on dev and writes the
// samples to out. A failing configuration is recorded with its error and
// the run moves on; only setup and output errors abort the run.
func Run(ctx context.Context, dev *device.Device, cfg *util.Config, out *Writer) (Summary, error) {
	p, err := makePlan(dev, cfg)
	if err != nil {
		return Summary{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	template := &DataPoint{
		RunID:            uuid.NewString(),
		Group:            benchGroup,
		Hostname:         hostname,
		DeviceCodename:   dev.Name,
		GridSize:         p.gridSize,
		BlockSize:        p.blockSize,
		InputMemType:     cfg.Bench.InputMemType,
		OutputMemType:    cfg.Bench.OutputMemType,
		InputLocation:    cfg.Bench.InputLocation,
		OutputLocation:   cfg.Bench.OutputLocation,
		HugePages:        cfg.Bench.HugePages,
		TupleBytes:       cfg.Bench.TupleBytes,
		Tuples:           cfg.Bench.Tuples,
		DataDistribution: p.dist.String(),
		ZipfExponent:     cfg.Data.ZipfExponent,
	}
	util.Info("benchmark run",
		zap.String("runID", template.RunID),
		zap.String("device", dev.Name),
		zap.Int("grid", p.gridSize),
		zap.Int("block", p.blockSize),
		zap.Int("tuples", cfg.Bench.Tuples),
		zap.Int("tupleBytes", cfg.Bench.TupleBytes))

	r := &runner{dev: dev, cfg: cfg, plan: p, template: template, out: out}
	r.summary.RunID = template.RunID
	defer dev.TrimMemPool()
	switch cfg.Bench.TupleBytes {
	case 8:
		err = runTyped[int32](ctx, r)
	case 16:
		err = runTyped[int64](ctx, r)
	default:
		err = common.NewInvalidArgError("bench", "tuple bytes must be 8 or 16, got %d", cfg.Bench.TupleBytes)
	}
	return r.summary, err
}

type runner struct {
	dev      *device.Device
	cfg      *util.Config
	plan     *plan
	template *DataPoint
	out      *Writer
	bar      *progressbar.ProgressBar
	summary  Summary
}

func (r *runner) newBar(total int) {
	if r.cfg.Debug.Progress {
		r.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("partitioning"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("samples"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII))
	} else {
		r.bar = progressbar.DefaultSilent(int64(total))
	}
}

// loadInput generates or loads the host columns and places them on the
// input memory type.
func loadInput[T common.Key](r *runner) (*memory.Mem[T], *memory.Mem[T], error) {
	var keys, payloads []T
	if path := r.cfg.Data.Path; path != "" {
		var err error
		keys, payloads, err = datagen.Load[T](r.cfg.Data.Format, path)
		if err != nil {
			return nil, nil, err
		}
		r.template.Tuples = len(keys)
		r.template.DataDistribution = path
	} else {
		keys = make([]T, r.cfg.Bench.Tuples)
		payloads = make([]T, r.cfg.Bench.Tuples)
		err := datagen.Generate(r.plan.dist, keys, payloads, r.cfg.Data.ZipfExponent, r.cfg.Data.Seed)
		if err != nil {
			return nil, nil, err
		}
	}

	place := func(host []T) (*memory.Mem[T], error) {
		m, err := memory.Alloc[T](r.dev, r.plan.inputType, len(host))
		if err != nil {
			return nil, err
		}
		if err := m.CopyFromHost(host); err != nil {
			_ = m.Free()
			return nil, err
		}
		return m, nil
	}
	keyMem, err := place(keys)
	if err != nil {
		return nil, nil, errors.Wrap(err, "place keys")
	}
	payloadMem, err := place(payloads)
	if err != nil {
		_ = keyMem.Free()
		return nil, nil, errors.Wrap(err, "place payloads")
	}
	return keyMem, payloadMem, nil
}

func runTyped[T common.Key](ctx context.Context, r *runner) error {
	keys, payloads, err := loadInput[T](r)
	if err != nil {
		return err
	}
	defer keys.Free()
	defer payloads.Free()

	s := r.dev.NewStream()
	defer s.Close()

	dmemSizes := r.cfg.Bench.DmemBufferSizesKiB
	if len(dmemSizes) == 0 {
		dmemSizes = []int{0}
	}
	r.newBar(len(r.plan.histograms) * len(r.plan.algorithms) * len(dmemSizes) *
		len(r.cfg.Bench.RadixBits) * r.cfg.Bench.Repeat)
	defer r.bar.Finish()

	for _, hist := range r.plan.histograms {
		for _, algo := range r.plan.algorithms {
			for _, dmemKiB := range dmemSizes {
				for _, bits := range r.cfg.Bench.RadixBits {
					if err := ctx.Err(); err != nil {
						return err
					}
					opts := partition.Options{
						HistogramAlgorithm: hist,
						PartitionAlgorithm: algo,
						RadixBits:          bits,
						GridSize:           r.plan.gridSize,
						BlockSize:          r.plan.blockSize,
						DmemBufferBytes:    dmemKiB * 1024,
					}
					if err := measure(ctx, r, s, opts, keys, payloads); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// measure runs the samples of one configuration. Partitioning errors are
// recorded, write errors are returned.
func measure[T common.Key](
	ctx context.Context,
	r *runner,
	s *device.Stream,
	opts partition.Options,
	keys, payloads *memory.Mem[T],
) error {
	dp := clone.Clone(r.template).(*DataPoint)
	dp.Function = opts.HistogramAlgorithm.String() + opts.PartitionAlgorithm.String()
	dp.RadixBits = opts.RadixBits
	dp.DmemBufferBytes = opts.DmemBufferBytes

	repeat := r.cfg.Bench.Repeat
	fail := func(err error, done int) error {
		util.Warn("benchmark configuration failed",
			zap.String("function", dp.Function),
			zap.Uint32("radixBits", opts.RadixBits),
			zap.String("dmem", humanize.IBytes(uint64(opts.DmemBufferBytes))),
			zap.Error(err))
		dp.Error = err.Error()
		r.summary.Failures++
		_ = r.bar.Add(repeat - done)
		return r.out.Write(dp)
	}

	rp, err := partition.NewGpuRadixPartitioner[T](r.dev, opts)
	if err != nil {
		return fail(err, 0)
	}
	defer rp.Close()

	rel, err := partition.NewPartitionedRelation[T](keys.Len(), opts.HistogramAlgorithm, opts.RadixBits,
		opts.GridSize,
		memory.AllocFn[common.Tuple[T]](r.dev, r.plan.outputType),
		memory.AllocFn[uint64](r.dev, r.plan.outputType))
	if err != nil {
		return fail(err, 0)
	}
	defer rel.Free()

	for i := 0; i < repeat; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := rp.Partition(keys.AsLaunchable(), payloads.AsLaunchable(), rel, s)
		if err == nil {
			err = s.Synchronize()
		}
		var timings partition.Timings
		if err == nil {
			timings, err = rp.Timings()
		}
		if err == nil && r.cfg.Bench.Verify {
			err = verify(rel, keys, payloads)
		}
		if err != nil {
			return fail(err, i)
		}

		sample := clone.Clone(dp).(*DataPoint)
		sample.PrefixSum = timings.PrefixSum
		sample.Partition = timings.Partition
		if err := r.out.Write(sample); err != nil {
			return err
		}
		r.summary.Samples++
		_ = r.bar.Add(1)
		util.Debug("sample",
			zap.String("function", dp.Function),
			zap.Uint32("radixBits", opts.RadixBits),
			zap.Duration("prefixSum", timings.PrefixSum),
			zap.Duration("partition", timings.Partition))
	}
	return nil
}

// verify checks a sample when input and output are host accessible.
func verify[T common.Key](rel *partition.PartitionedRelation[T], keys, payloads *memory.Mem[T]) error {
	if !rel.Relation().Type().HostAccessible() || !keys.Type().HostAccessible() {
		util.Debug("skipping verification of device resident data")
		return nil
	}
	hostKeys, err := keys.HostSlice()
	if err != nil {
		return err
	}
	hostPayloads, err := payloads.HostSlice()
	if err != nil {
		return err
	}
	_, err = partition.Verify(rel, hostKeys, hostPayloads)
	return err
}
