package features

import "fmt"

// Table is a dense feature matrix. Rows follow the input transaction order;
// columns follow the schema the table was built for.
type Table struct {
	columns []string
	rows    [][]float64
}

// NewTable builds a table. Every row must have one value per column.
func NewTable(columns []string, rows [][]float64) (*Table, error) {
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(r), len(columns))
		}
	}
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{columns: cols, rows: rows}, nil
}

// Empty returns a table with the given columns and no rows.
func Empty(columns []string) *Table {
	t, _ := NewTable(columns, nil)
	return t
}

// Columns returns a copy of the column names.
func (t *Table) Columns() []string {
	cols := make([]string, len(t.columns))
	copy(cols, t.columns)
	return cols
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Width returns the number of columns.
func (t *Table) Width() int { return len(t.columns) }

// Row returns row i. Callers must not modify it.
func (t *Table) Row(i int) []float64 { return t.rows[i] }

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]float64, bool) {
	idx := -1
	for i, c := range t.columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]float64, len(t.rows))
	for i, r := range t.rows {
		out[i] = r[idx]
	}
	return out, true
}

// Map returns a new table with fn applied to every cell.
func (t *Table) Map(fn func(col int, v float64) float64) *Table {
	rows := make([][]float64, len(t.rows))
	for i, r := range t.rows {
		out := make([]float64, len(r))
		for j, v := range r {
			out[j] = fn(j, v)
		}
		rows[i] = out
	}
	return &Table{columns: t.Columns(), rows: rows}
}
