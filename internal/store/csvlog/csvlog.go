// Package csvlog writes feature and raw candle tables as CSV: append-only
// logs with a single header line, and full-table overwrites. Time columns
// render as "YYYY-MM-DD HH:MM:SS.mmm UTC"; nulls render as empty fields.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"klinefeed/internal/feature"
	"klinefeed/internal/model"
)

// RawHeader is the column header of raw candle logs.
var RawHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time"}

// AppendRow appends row i of tbl to path. The header is written first when
// the file is new (or empty).
func AppendRow(tbl *feature.Table, i int, path string) error {
	if i < 0 || i >= tbl.Len() {
		return fmt.Errorf("csvlog: row %d out of range [0,%d)", i, tbl.Len())
	}
	cols := tbl.Columns()
	record := make([]string, len(cols))
	for n, c := range cols {
		record[n] = c.Text(i)
	}
	return appendRecord(path, tbl.Names(), record)
}

// AppendCandle appends one raw candle to path, writing RawHeader first when
// the file is new.
func AppendCandle(c model.Candle, path string) error {
	return appendRecord(path, RawHeader, candleRecord(c))
}

// WriteTable overwrites path with a header plus every row of tbl.
func WriteTable(tbl *feature.Table, path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("csvlog create: %w", err)
	}

	if err := writeAll(file, tbl); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("csvlog close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("csvlog rename: %w", err)
	}
	return nil
}

// WriteCandles writes candles to path with RawHeader, but only if path does
// not exist yet. It reports whether the file was written.
func WriteCandles(cs []model.Candle, path string) (bool, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("csvlog create: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(RawHeader); err != nil {
		return false, fmt.Errorf("csvlog header: %w", err)
	}
	for _, c := range cs {
		if err := writer.Write(candleRecord(c)); err != nil {
			return false, fmt.Errorf("csvlog write: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return false, fmt.Errorf("csvlog flush: %w", err)
	}
	return true, nil
}

func writeAll(file *os.File, tbl *feature.Table) error {
	writer := csv.NewWriter(file)
	if err := writer.Write(tbl.Names()); err != nil {
		return fmt.Errorf("csvlog header: %w", err)
	}

	cols := tbl.Columns()
	record := make([]string, len(cols))
	for i := 0; i < tbl.Len(); i++ {
		for n, c := range cols {
			record[n] = c.Text(i)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("csvlog write: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("csvlog flush: %w", err)
	}
	return nil
}

func appendRecord(path string, header, record []string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("csvlog open: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("csvlog stat: %w", err)
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("csvlog header: %w", err)
		}
	}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("csvlog write: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("csvlog flush: %w", err)
	}
	return file.Close()
}

func candleRecord(c model.Candle) []string {
	return []string{
		model.FormatUTC(c.OpenTime),
		formatFloat(c.Open),
		formatFloat(c.High),
		formatFloat(c.Low),
		formatFloat(c.Close),
		formatFloat(c.Volume),
		model.FormatUTC(c.CloseTime),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
