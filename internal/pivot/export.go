package pivot

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"StockETL/internal/model"
)

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "Pivot"

// WriteCSV writes the table with a leading date column.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	header := append([]string{"date"}, t.Columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(header))
	for _, r := range t.Rows {
		record[0] = r.Date.Format(model.DateLayout)
		for i, c := range t.Columns {
			v, ok := r.Values[c]
			record[i+1] = formatCell(v, ok)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", record[0], err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes the table as a single-sheet workbook.
func WriteXLSX(w io.Writer, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	header := make([]interface{}, 0, len(t.Columns)+1)
	header = append(header, "date")
	for _, c := range t.Columns {
		header = append(header, c)
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, r := range t.Rows {
		cells := make([]interface{}, 0, len(header))
		cells = append(cells, r.Date.Format(model.DateLayout))
		for _, c := range t.Columns {
			cells = append(cells, xlsxCell(r.Values[c]))
		}
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(axis, cells); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	return f.Write(w)
}

// Write encodes the table in format ("csv" or "xlsx").
func Write(w io.Writer, t *Table, format string) error {
	switch format {
	case "csv":
		return WriteCSV(w, t)
	case "xlsx":
		return WriteXLSX(w, t)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

// WriteFile writes the table to dir/<name>.<format>, creating dir if needed,
// and returns the file path.
func WriteFile(dir, name, format string, t *Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, name+"."+format)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if err := Write(f, t, format); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

func xlsxCell(v any) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return x.InexactFloat64()
	default:
		return x
	}
}
