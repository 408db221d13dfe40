package tables

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const emptySheetMessage = "No rows"

// WriteXLSX renders the table as a single-sheet workbook.
func WriteXLSX(w io.Writer, t *Table, sheetName string) error {
	if t == nil {
		return errors.New("nil table")
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := safeSheetName(sheetName)
	if def := f.GetSheetName(0); def != sheet {
		if err := f.SetSheetName(def, sheet); err != nil {
			return err
		}
	}
	if err := writeTableSheetStream(f, sheet, t); err != nil {
		return err
	}
	_, err := f.WriteTo(w)
	return err
}

func writeTableSheetStream(f *excelize.File, sheet string, t *Table) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(t.Headers) == 0 {
		if err := sw.SetRow("A1", []interface{}{emptySheetMessage}); err != nil {
			return err
		}
		return sw.Flush()
	}
	rowNum := 1
	headerRow := make([]interface{}, len(t.Headers))
	for i, h := range t.Headers {
		headerRow[i] = h
	}
	if err := sw.SetRow(cellAxis(rowNum, 1), headerRow); err != nil {
		return err
	}
	rowNum++

	row := make([]interface{}, len(t.Headers))
	for _, r := range t.Rows {
		for i := range row {
			if i < len(r) {
				row[i] = r[i]
			} else {
				row[i] = ""
			}
		}
		if err := sw.SetRow(cellAxis(rowNum, 1), row); err != nil {
			return err
		}
		rowNum++
	}
	return sw.Flush()
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}

// SheetNameFromFile turns "report.final.pdf" into "report.final".
func SheetNameFromFile(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if dot := strings.LastIndex(name, "."); dot > 0 {
		name = name[:dot]
	}
	return safeSheetName(name)
}

func safeSheetName(name string) string {
	s := strings.TrimSpace(name)
	if s == "" || s == "." {
		s = "Sheet1"
	}
	// Excel forbids : \ / ? * [ ]
	for _, ch := range []string{":", "\\", "/", "?", "*", "[", "]"} {
		s = strings.ReplaceAll(s, ch, "_")
	}
	if utf8.RuneCountInString(s) > 31 {
		s = string([]rune(s)[:31])
	}
	return s
}
