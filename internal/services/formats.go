package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/invoxa/invoiceflow/internal/models"
)

// FormatEncoder streams one result sequence into an output artifact. Encode
// must drain the channel even if it stops writing, so the fanout stage never
// blocks on a dead consumer (closing the originating sink achieves the same).
type FormatEncoder interface {
	Encode(ctx context.Context, items <-chan models.ExtractionResult, w io.Writer) error
	Extension() string
}

// EncoderFor resolves the encoder for a format. The format set is closed;
// an unknown value is a programming error surfaced at consolidation time.
func EncoderFor(format models.OutputFormat, opts FlattenOptions) (FormatEncoder, error) {
	switch format {
	case models.FormatJSON:
		return &jsonEncoder{}, nil
	case models.FormatCSV:
		return &csvEncoder{opts: opts}, nil
	case models.FormatXLSX:
		return &xlsxEncoder{opts: opts}, nil
	default:
		return nil, fmt.Errorf("no encoder registered for format %q", format)
	}
}

// jsonEncoder emits a single JSON array incrementally: opening bracket, each
// item serialized and comma-joined, closing bracket. Only one item is in
// memory at a time.
type jsonEncoder struct{}

func (e *jsonEncoder) Extension() string { return "json" }

func (e *jsonEncoder) Encode(ctx context.Context, items <-chan models.ExtractionResult, w io.Writer) error {
	if _, err := w.Write([]byte("[")); err != nil {
		return err
	}
	first := true
	for item := range items {
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		encoded, err := json.Marshal(item.Fields)
		if err != nil {
			return fmt.Errorf("failed to serialize result for file %s: %w", item.FileID, err)
		}
		if _, err := w.Write(encoded); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("]")); err != nil {
		return err
	}
	return nil
}

// csvEncoder writes flattened rows. The header row comes from the keys of
// the first flattened item and is reused for all subsequent rows; later
// items with a different shape after flattening are not reconciled (extra
// keys are dropped, missing keys produce empty cells).
type csvEncoder struct {
	opts FlattenOptions
}

func (e *csvEncoder) Extension() string { return "csv" }

func (e *csvEncoder) Encode(ctx context.Context, items <-chan models.ExtractionResult, w io.Writer) error {
	cw := csv.NewWriter(w)
	var header []string
	for item := range items {
		rows := FlattenFields(item.Fields, e.opts)
		if header == nil {
			header = headerFrom(rows)
			if err := cw.Write(header); err != nil {
				return err
			}
		}
		for _, row := range rows {
			if err := cw.Write(rowValues(header, row)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// xlsxEncoder writes the same flattened rows through excelize's stream
// writer, which keeps a bounded window of rows in memory.
type xlsxEncoder struct {
	opts FlattenOptions
}

func (e *xlsxEncoder) Extension() string { return "xlsx" }

func (e *xlsxEncoder) Encode(ctx context.Context, items <-chan models.ExtractionResult, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()
	sw, err := f.NewStreamWriter("Sheet1")
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	var header []string
	rowNum := 1
	for item := range items {
		rows := FlattenFields(item.Fields, e.opts)
		if header == nil {
			header = headerFrom(rows)
			if err := writeXLSXRow(sw, rowNum, header); err != nil {
				return err
			}
			rowNum++
		}
		for _, row := range rows {
			if err := writeXLSXRow(sw, rowNum, rowValues(header, row)); err != nil {
				return err
			}
			rowNum++
		}
	}
	if header == nil {
		// Still emit a valid empty workbook.
		if err := writeXLSXRow(sw, 1, nil); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush stream writer: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeXLSXRow(sw *excelize.StreamWriter, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return sw.SetRow(cell, cells)
}

// headerFrom derives the column set from the first flattened item. Keys are
// already emitted in sorted order by FlattenFields, but a map does not keep
// that, so sort again here.
func headerFrom(rows []map[string]string) []string {
	if len(rows) == 0 {
		return nil
	}
	return sortedStringKeys(rows[0])
}

func rowValues(header []string, row map[string]string) []string {
	values := make([]string, len(header))
	for i, col := range header {
		values[i] = row[col]
	}
	return values
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
