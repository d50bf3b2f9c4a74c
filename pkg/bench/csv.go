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
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Writer appends data points to a CSV file. A path ending in ".zst" is
// zstd compressed.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	zw     *zstd.Encoder
	csv    *csv.Writer
	closed bool
}

func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	w := &Writer{file: file, buf: bufio.NewWriter(file)}
	var out io.Writer = w.buf
	if strings.HasSuffix(path, ".zst") {
		w.zw, err = zstd.NewWriter(w.buf)
		if err != nil {
			_ = file.Close()
			return nil, errors.Wrap(err, "zstd encoder")
		}
		out = w.zw
	}
	w.csv = csv.NewWriter(out)
	if err := w.csv.Write(dataPointHeader); err != nil {
		_ = w.Close()
		return nil, errors.Wrap(err, "write header")
	}
	return w, nil
}

func (w *Writer) Write(dp *DataPoint) error {
	if err := w.csv.Write(dp.record()); err != nil {
		return errors.Wrap(err, "write data point")
	}
	w.csv.Flush()
	return w.csv.Error()
}

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.csv.Flush()
	err := w.csv.Error()
	if w.zw != nil {
		if err2 := w.zw.Close(); err == nil {
			err = err2
		}
	}
	if err2 := w.buf.Flush(); err == nil {
		err = err2
	}
	if err2 := w.file.Close(); err == nil {
		err = err2
	}
	return errors.Wrap(err, "close measurements")
}
