package sheetssql

import (
	"fmt"

	"google.golang.org/api/sheets/v4"
)

// SheetsClient defines the interface for sheets operations
type SheetsClient interface {
	GetValues(spreadsheetID, sheetRange string) ([][]interface{}, error)
	AppendRows(spreadsheetID, sheetRange string, values [][]interface{}) error
	BatchUpdateValues(spreadsheetID string, data []*sheets.ValueRange) error
	CreateSheet(spreadsheetID, sheetTitle string) (int64, error)
	ListSheets(spreadsheetID string) ([]string, error)
}

// DB represents a connection to a Google Sheets "database"
type DB struct {
	client        SheetsClient
	spreadsheetID string
	schema        *Schema
}

// NewDB creates a new Sheets SQL database connection and ensures schema exists
func NewDB(client SheetsClient, spreadsheetID string, schema *Schema) (*DB, error) {
	db := &DB{
		client:        client,
		spreadsheetID: spreadsheetID,
		schema:        schema,
	}

	// Ensure schema exists
	if err := db.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return db, nil
}

// Schema returns the schema the database was opened with
func (db *DB) Schema() *Schema {
	return db.schema
}

// ReadTable loads the full content of a table.
// Columns are matched to the schema by header name, never by position.
func (db *DB) ReadTable(tableName string) (*Table, error) {
	ts, ok := db.schema.Table(tableName)
	if !ok {
		return nil, fmt.Errorf("unknown table %s", tableName)
	}

	values, err := db.client.GetValues(db.spreadsheetID, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to get table %s: %w", tableName, err)
	}

	if len(values) < 2 {
		return nil, fmt.Errorf("table %s missing header or type row", tableName)
	}

	header := make([]string, len(values[0]))
	for i, cell := range values[0] {
		header[i] = cellString(cell)
	}

	positions := make(map[string]int, len(header))
	for i, name := range header {
		if name != "" {
			positions[name] = i
		}
	}
	for _, col := range ts.Columns {
		if _, ok := positions[col.Name]; !ok {
			return nil, fmt.Errorf("table %s: header is missing column %s", tableName, col.Name)
		}
	}

	dataRows := values[2:]
	rows := make([]Row, 0, len(dataRows))
	var extras, orphans []cells
	for _, raw := range dataRows {
		row := make(Row, len(ts.Columns))
		blank := true
		for _, col := range ts.Columns {
			idx := positions[col.Name]
			if idx >= len(raw) {
				row[col.Name] = ""
				continue
			}
			v := cellString(raw[idx])
			if v != "" {
				blank = false
			}
			row[col.Name] = v
		}
		extra := extraCells(*ts, header, raw)
		// Rows blanked by a shrinking rewrite are padding, not data
		if blank {
			if extra != nil {
				orphans = append(orphans, extra)
			}
			continue
		}
		rows = append(rows, row)
		extras = append(extras, extra)
	}

	table, err := NewTable(*ts, rows)
	if err != nil {
		return nil, err
	}
	table.header = header
	table.extent = len(dataRows)
	table.extras = extras
	table.orphans = orphans
	return table, nil
}

// WriteTables writes the complete content of every given table in a single
// batch update call. Each table's data region is overwritten in place and
// padded with blank rows up to its previous extent, so no table is ever
// observable in a cleared state.
func (db *DB) WriteTables(tables ...*Table) error {
	data := make([]*sheets.ValueRange, 0, len(tables))

	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("refusing to write table %s: %w", t.Name, err)
		}

		header := t.header
		if len(header) == 0 {
			header = t.Schema.ColumnNames()
		}

		height := len(t.Rows) + len(t.orphans)
		if t.extent > height {
			height = t.extent
		}
		if height == 0 {
			continue
		}

		values := make([][]interface{}, height)
		for i := 0; i < height; i++ {
			var row Row
			var extra cells
			switch {
			case i < len(t.Rows):
				row, extra = t.Rows[i], t.extraAt(i)
			case i < len(t.Rows)+len(t.orphans):
				extra = t.orphans[i-len(t.Rows)]
			}

			line := make([]interface{}, len(header))
			for j, name := range header {
				line[j] = ""
				if v, ok := extra[j]; ok {
					line[j] = v
				} else if v, ok := row[name]; ok && t.Schema.HasColumn(name) {
					line[j] = v
				}
			}
			values[i] = line
		}

		data = append(data, &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!A3:%s%d", t.Name, columnLetter(len(header)), height+2),
			Values: values,
		})
	}

	if len(data) == 0 {
		return nil
	}

	if err := db.client.BatchUpdateValues(db.spreadsheetID, data); err != nil {
		return fmt.Errorf("failed to write tables: %w", err)
	}

	for _, t := range tables {
		if n := len(t.Rows) + len(t.orphans); n > t.extent {
			t.extent = n
		}
	}

	return nil
}

// extraCells collects the non-blank cells of raw under headers the schema
// does not declare, nil when there are none
func extraCells(ts TableSchema, header []string, raw []interface{}) cells {
	var extra cells
	for j, name := range header {
		if j >= len(raw) || ts.HasColumn(name) {
			continue
		}
		v := cellString(raw[j])
		if v == "" {
			continue
		}
		if extra == nil {
			extra = make(cells)
		}
		extra[j] = v
	}
	return extra
}

// cellString normalises a sheet cell to its string form
func cellString(cell interface{}) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// columnLetter converts a 1-based column count to its A1 letter (1 -> A, 27 -> AA)
func columnLetter(n int) string {
	if n < 1 {
		n = 1
	}
	letters := ""
	for n > 0 {
		n--
		letters = string(rune('A'+n%26)) + letters
		n /= 26
	}
	return letters
}
