package tables

// Table is one rectangular grid of cells: a header row and zero or more data rows.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Empty reports a table with no columns or no data rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Headers) == 0 || len(t.Rows) == 0
}

// FromGrid uses the first row of a raw cell grid as the header and the rest as data.
// Short rows are padded to the header width.
func FromGrid(grid [][]string) *Table {
	if len(grid) == 0 {
		return &Table{}
	}
	headers := append([]string(nil), grid[0]...)
	rows := make([][]string, 0, len(grid)-1)
	for _, r := range grid[1:] {
		rows = append(rows, padRow(r, len(headers)))
	}
	return &Table{Headers: headers, Rows: rows}
}

func padRow(cols []string, n int) []string {
	if n <= 0 {
		return nil
	}
	row := make([]string, n)
	copy(row, cols)
	return row
}
