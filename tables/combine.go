package tables

import (
	"errors"
	"fmt"

	"pdftables/domain"
)

// ErrColumnMismatch is returned when a later table is wider than the canonical header.
var ErrColumnMismatch = errors.New("length mismatch")

// Combine merges extracted tables into one dataset.
//
// The first non-empty table fixes the header. Every later non-empty table is relabelled
// with the first len(table.Headers) canonical names and its rows are appended, padded to
// the canonical width. Empty tables are skipped. If nothing usable remains the result is
// domain.ErrNoTablesFound.
//
// The relabelling is positional only; tables with a different layout end up misaligned.
func Combine(in []*Table) (*Table, error) {
	var out *Table
	for i, t := range in {
		if t.Empty() {
			continue
		}
		if out == nil {
			out = &Table{
				Headers: append([]string(nil), t.Headers...),
				Rows:    make([][]string, 0, len(t.Rows)),
			}
			for _, r := range t.Rows {
				out.Rows = append(out.Rows, padRow(r, len(out.Headers)))
			}
			continue
		}
		if len(t.Headers) > len(out.Headers) {
			return nil, fmt.Errorf("%w: table %d has %d columns, header has %d", ErrColumnMismatch, i+1, len(t.Headers), len(out.Headers))
		}
		for _, r := range t.Rows {
			if len(r) > len(t.Headers) {
				r = r[:len(t.Headers)]
			}
			out.Rows = append(out.Rows, padRow(r, len(out.Headers)))
		}
	}
	if out == nil {
		return nil, domain.ErrNoTablesFound
	}
	return out, nil
}
