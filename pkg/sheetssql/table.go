package sheetssql

import "fmt"

// Row is a single record keyed by column name
type Row map[string]string

// Clone returns an independent copy of the row
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Table is an in-memory snapshot of a table's rows plus an index of row
// positions by key column value
type Table struct {
	Name   string
	Schema TableSchema
	Rows   []Row
	Index  map[string]int

	header []string // physical header order, when read from a sheet
	extent int      // number of physical data rows, including padding

	// extras holds, per row, cells under headers the schema does not
	// declare, keyed by physical column. They are written back untouched.
	extras []cells
	// orphans are rows with no schema values but some extra cells
	orphans []cells
}

// cells maps a physical column index to its value
type cells map[int]string

func (c cells) clone() cells {
	if c == nil {
		return nil
	}
	out := make(cells, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func cloneCells(list []cells) []cells {
	if list == nil {
		return nil
	}
	out := make([]cells, len(list))
	for i, c := range list {
		out[i] = c.clone()
	}
	return out
}

// extraAt returns the extra cells of row i, nil when it has none
func (t *Table) extraAt(i int) cells {
	if i < len(t.extras) {
		return t.extras[i]
	}
	return nil
}

// ReplaceStats describes the effect of a replace-range computation
type ReplaceStats struct {
	Removed  int
	Appended int
}

// NewTable builds a table snapshot from rows, normalising every row to exactly
// the schema's columns
func NewTable(schema TableSchema, rows []Row) (*Table, error) {
	t := &Table{
		Name:   schema.Name,
		Schema: schema,
		Rows:   make([]Row, 0, len(rows)),
	}
	for _, r := range rows {
		t.Rows = append(t.Rows, normaliseRow(schema, r))
	}
	if err := t.reindex(); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the row with the given key
func (t *Table) Get(key string) (Row, bool) {
	i, ok := t.Index[key]
	if !ok {
		return nil, false
	}
	return t.Rows[i], true
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// Clone returns a deep copy of the table, preserving physical layout
func (t *Table) Clone() *Table {
	c := &Table{
		Name:   t.Name,
		Schema: t.Schema,
		Rows:   make([]Row, len(t.Rows)),
		Index:  make(map[string]int, len(t.Index)),
		header: append([]string(nil), t.header...),
		extent: t.extent,

		extras:  cloneCells(t.extras),
		orphans: cloneCells(t.orphans),
	}
	for i, r := range t.Rows {
		c.Rows[i] = r.Clone()
	}
	for k, v := range t.Index {
		c.Index[k] = v
	}
	return c
}

// Replace computes the table that results from dropping every row matched by
// remove and appending add. The receiver is left untouched; the returned table
// is fully validated and ready to be written in one operation. Extra cells
// follow their row; an added row inherits those of a removed row with the
// same key.
func (t *Table) Replace(remove func(Row) bool, add []Row) (*Table, ReplaceStats, error) {
	next := &Table{
		Name:    t.Name,
		Schema:  t.Schema,
		Rows:    make([]Row, 0, len(t.Rows)+len(add)),
		header:  append([]string(nil), t.header...),
		extent:  t.extent,
		extras:  make([]cells, 0, len(t.Rows)+len(add)),
		orphans: cloneCells(t.orphans),
	}

	var stats ReplaceStats
	removedExtras := make(map[string]cells)
	for i, r := range t.Rows {
		if remove != nil && remove(r) {
			if c := t.extraAt(i); c != nil {
				removedExtras[r[t.Schema.Key]] = c
			}
			stats.Removed++
			continue
		}
		next.Rows = append(next.Rows, r.Clone())
		next.extras = append(next.extras, t.extraAt(i).clone())
	}
	for _, r := range add {
		row := normaliseRow(t.Schema, r)
		next.Rows = append(next.Rows, row)
		next.extras = append(next.extras, removedExtras[row[t.Schema.Key]].clone())
		stats.Appended++
	}

	if err := next.reindex(); err != nil {
		return nil, ReplaceStats{}, err
	}
	return next, stats, nil
}

// Validate checks every row has a unique, non-empty key and only schema columns
func (t *Table) Validate() error {
	seen := make(map[string]struct{}, len(t.Rows))
	for i, r := range t.Rows {
		for name := range r {
			if !t.Schema.HasColumn(name) {
				return fmt.Errorf("row %d: unknown column %s", i, name)
			}
		}
		key := r[t.Schema.Key]
		if key == "" {
			return fmt.Errorf("row %d: empty key column %s", i, t.Schema.Key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("row %d: duplicate key %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (t *Table) reindex() error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	t.Index = make(map[string]int, len(t.Rows))
	for i, r := range t.Rows {
		t.Index[r[t.Schema.Key]] = i
	}
	return nil
}

func normaliseRow(schema TableSchema, r Row) Row {
	out := make(Row, len(schema.Columns))
	for _, col := range schema.Columns {
		out[col.Name] = r[col.Name]
	}
	return out
}
