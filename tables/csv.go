package tables

import (
	"encoding/csv"
	"errors"
	"io"
)

// WriteCSV writes the header followed by every row, "\n" terminated, quoting only when needed.
func WriteCSV(w io.Writer, t *Table) error {
	if t == nil {
		return errors.New("nil table")
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Headers); err != nil {
		return err
	}
	row := make([]string, len(t.Headers))
	for _, r := range t.Rows {
		for i := range row {
			if i < len(r) {
				row[i] = r[i]
			} else {
				row[i] = ""
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a file produced by WriteCSV back into a Table.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	return FromGrid(records), nil
}
