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
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	pqReader "github.com/xitongsys/parquet-go/reader"
	pqWriter "github.com/xitongsys/parquet-go/writer"

	"github.com/daviszhen/radixpart/pkg/common"
)

// Relation files hold two integer columns, key and payload.
const (
	FormatTSV     = "tsv"
	FormatParquet = "parquet"
)

type parquetRow32 struct {
	Key     int32 `parquet:"name=key, type=INT32"`
	Payload int32 `parquet:"name=payload, type=INT32"`
}

type parquetRow64 struct {
	Key     int64 `parquet:"name=key, type=INT64"`
	Payload int64 `parquet:"name=payload, type=INT64"`
}

// FormatOf guesses the file format from the extension when format is empty.
func FormatOf(format, path string) (string, error) {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	switch strings.ToLower(format) {
	case "tsv", "csv", "tbl":
		return FormatTSV, nil
	case "parquet", "pq":
		return FormatParquet, nil
	}
	return "", common.NewInvalidArgError("FormatOf", "unknown relation format %q for %s", format, path)
}

// Load reads a relation file.
func Load[T common.Key](format, path string) ([]T, []T, error) {
	format, err := FormatOf(format, path)
	if err != nil {
		return nil, nil, err
	}
	if format == FormatParquet {
		return LoadParquet[T](path)
	}
	return LoadTSV[T](path)
}

// Save writes a relation file.
func Save[T common.Key](format, path string, keys, payloads []T) error {
	format, err := FormatOf(format, path)
	if err != nil {
		return err
	}
	if format == FormatParquet {
		return SaveParquet(path, keys, payloads)
	}
	return SaveTSV(path, keys, payloads)
}

// LoadTSV reads tab separated key and payload columns. Lines starting with
// '#' are skipped.
func LoadTSV[T common.Key](path string) ([]T, []T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReader(file))
	reader.Comma = '\t'
	reader.Comment = '#'
	reader.ReuseRecord = true
	bits := common.KeyBits[T]()

	var keys, payloads []T
	for {
		line, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, errors.Wrapf(err, "read %s", path)
		}
		if len(line) < 2 {
			row, _ := reader.FieldPos(0)
			return nil, nil, common.NewInvalidArgError("LoadTSV", "%s:%d: need key and payload columns", path, row)
		}
		key, err := strconv.ParseInt(strings.TrimSpace(line[0]), 10, bits)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parse key in %s", path)
		}
		payload, err := strconv.ParseInt(strings.TrimSpace(line[1]), 10, bits)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parse payload in %s", path)
		}
		keys = append(keys, T(key))
		payloads = append(payloads, T(payload))
	}
	return keys, payloads, nil
}

func SaveTSV[T common.Key](path string, keys, payloads []T) error {
	if len(keys) != len(payloads) {
		return common.NewInvalidArgError("SaveTSV", "%d keys but %d payloads", len(keys), len(payloads))
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	writer := csv.NewWriter(bufio.NewWriter(file))
	writer.Comma = '\t'
	record := make([]string, 2)
	for i := range keys {
		record[0] = strconv.FormatInt(int64(keys[i]), 10)
		record[1] = strconv.FormatInt(int64(payloads[i]), 10)
		if err = writer.Write(record); err != nil {
			break
		}
	}
	if err == nil {
		writer.Flush()
		err = writer.Error()
	}
	if err2 := file.Close(); err == nil {
		err = err2
	}
	return errors.Wrapf(err, "write %s", path)
}

// LoadParquet reads the first two columns of a parquet file as key and
// payload.
func LoadParquet[T common.Key](path string) ([]T, []T, error) {
	file, err := pqLocal.NewLocalFileReader(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	reader, err := pqReader.NewParquetColumnReader(file, int64(runtime.GOMAXPROCS(0)))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parquet reader for %s", path)
	}
	defer reader.ReadStop()

	rows := reader.GetNumRows()
	keys, err := readParquetColumn[T](reader, 0, rows)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "key column of %s", path)
	}
	payloads, err := readParquetColumn[T](reader, 1, rows)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "payload column of %s", path)
	}
	return keys, payloads, nil
}

func readParquetColumn[T common.Key](reader *pqReader.ParquetReader, idx, rows int64) ([]T, error) {
	values, _, _, err := reader.ReadColumnByIndex(idx, rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if int64(len(values)) != rows {
		return nil, errors.Errorf("column %d has %d values, file has %d rows", idx, len(values), rows)
	}
	ret := make([]T, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case int32:
			ret[i] = T(x)
		case int64:
			if int64(T(x)) != x {
				return nil, common.NewInvalidArgError("LoadParquet", "value %d overflows %s", x, common.WidthOf[T]())
			}
			ret[i] = T(x)
		default:
			return nil, common.NewInvalidArgError("LoadParquet", "unsupported column value %T", v)
		}
	}
	return ret, nil
}

// SaveParquet writes keys and payloads as INT32 or INT64 columns, matching
// the key width.
func SaveParquet[T common.Key](path string, keys, payloads []T) error {
	if len(keys) != len(payloads) {
		return common.NewInvalidArgError("SaveParquet", "%d keys but %d payloads", len(keys), len(payloads))
	}
	file, err := pqLocal.NewLocalFileWriter(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	wide := common.WidthOf[T]() == common.Width64
	var schema any = new(parquetRow32)
	if wide {
		schema = new(parquetRow64)
	}
	writer, err := pqWriter.NewParquetWriter(file, schema, int64(runtime.GOMAXPROCS(0)))
	if err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "parquet writer for %s", path)
	}
	for i := range keys {
		if wide {
			err = writer.Write(parquetRow64{Key: int64(keys[i]), Payload: int64(payloads[i])})
		} else {
			err = writer.Write(parquetRow32{Key: int32(keys[i]), Payload: int32(payloads[i])})
		}
		if err != nil {
			break
		}
	}
	if err2 := writer.WriteStop(); err == nil {
		err = err2
	}
	if err2 := file.Close(); err == nil {
		err = err2
	}
	return errors.Wrapf(err, "write %s", path)
}
