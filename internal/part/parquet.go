package part

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// record is the Parquet row layout of a part. Cells keep column order.
type record struct {
	Cells []cell `parquet:"cells,list"`
}

type cell struct {
	Type  int32   `parquet:"type"`
	Int   int64   `parquet:"int"`
	Float float64 `parquet:"float"`
	Str   string  `parquet:"str"`
}

// WriteParquet encodes rows as a Parquet file.
func WriteParquet(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[record](&buf)

	records := make([]record, len(rows))
	for i, r := range rows {
		cells := make([]cell, len(r))
		for j, v := range r {
			cells[j] = cell{Type: int32(v.Type), Int: v.I, Float: v.F, Str: v.S}
		}
		records[i] = record{Cells: cells}
	}

	if len(records) > 0 {
		n, err := w.Write(records)
		if err != nil {
			return nil, fmt.Errorf("parquet: write rows: %w", err)
		}
		if n != len(records) {
			return nil, fmt.Errorf("parquet: wrote %d of %d rows", n, len(records))
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("parquet: close: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadParquet decodes rows written by WriteParquet.
func ReadParquet(data []byte) ([]Row, error) {
	reader := parquet.NewGenericReader[record](bytes.NewReader(data))
	defer reader.Close()

	n := reader.NumRows()
	if n == 0 {
		return nil, nil
	}
	records := make([]record, n)
	read, err := reader.Read(records)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parquet: read rows: %w", err)
	}

	rows := make([]Row, read)
	for i, rec := range records[:read] {
		row := make(Row, len(rec.Cells))
		for j, c := range rec.Cells {
			row[j] = Value{Type: Type(c.Type), I: c.Int, F: c.Float, S: c.Str}
		}
		rows[i] = row
	}
	return rows, nil
}
