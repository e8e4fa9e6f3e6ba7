package sheetssql

import (
	"fmt"
	"reflect"
	"strings"
)

// columnTypes are the values accepted in an ssql_type tag. The type row of a
// sheet records them so drift between code and sheet is caught on startup.
var columnTypes = map[string]bool{
	"text":      true,
	"int":       true,
	"bool":      true,
	"uuid":      true,
	"date":      true,
	"time":      true,
	"timestamp": true,
	"rrule":     true,
}

// Column is a named, typed column of a table
type Column struct {
	Name string
	Type string
}

// TableSchema describes one table. Key names the column that identifies a row.
type TableSchema struct {
	Name    string
	Key     string
	Columns []Column
}

// ColumnNames returns the column names in declaration order
func (ts TableSchema) ColumnNames() []string {
	names := make([]string, len(ts.Columns))
	for i, col := range ts.Columns {
		names[i] = col.Name
	}
	return names
}

func (ts TableSchema) HasColumn(name string) bool {
	_, ok := ts.column(name)
	return ok
}

func (ts TableSchema) column(name string) (Column, bool) {
	for _, col := range ts.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

type Schema struct {
	Tables []TableSchema
}

// Table looks up a table schema by name
func (s *Schema) Table(name string) (*TableSchema, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// SchemaFromModels derives one table per struct. Every field needs
// `ssql_header` and `ssql_type` tags; a field tagged `ssql_key:"true"` is the
// key, falling back to the "id" column.
func SchemaFromModels(models ...interface{}) (*Schema, error) {
	schema := &Schema{Tables: make([]TableSchema, 0, len(models))}
	for _, model := range models {
		ts, err := tableSchemaFromModel(model)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, ts)
	}
	return schema, nil
}

// TableName returns the table name a model maps to
func TableName(model interface{}) string {
	return toSnakeCase(structType(model).Name())
}

// KeyColumn returns the key column of the table a model maps to
func KeyColumn(model interface{}) (string, error) {
	ts, err := tableSchemaFromModel(model)
	if err != nil {
		return "", err
	}
	return ts.Key, nil
}

func structType(model interface{}) reflect.Type {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

func tableSchemaFromModel(model interface{}) (TableSchema, error) {
	t := structType(model)
	if t.Kind() != reflect.Struct {
		return TableSchema{}, fmt.Errorf("model must be a struct, got %s", t.Kind())
	}
	if t.NumField() == 0 {
		return TableSchema{}, fmt.Errorf("struct %s has no fields", t.Name())
	}

	ts := TableSchema{Name: toSnakeCase(t.Name()), Columns: make([]Column, 0, t.NumField())}
	for i := 0; i < t.NumField(); i++ {
		col, isKey, err := columnFromField(t.Field(i))
		if err != nil {
			return TableSchema{}, fmt.Errorf("field %s.%s: %w", t.Name(), t.Field(i).Name, err)
		}
		if isKey {
			if ts.Key != "" {
				return TableSchema{}, fmt.Errorf("struct %s declares more than one key column", t.Name())
			}
			ts.Key = col.Name
		}
		ts.Columns = append(ts.Columns, col)
	}

	if ts.Key == "" {
		if !ts.HasColumn("id") {
			return TableSchema{}, fmt.Errorf("struct %s has no key column", t.Name())
		}
		ts.Key = "id"
	}
	return ts, nil
}

func columnFromField(field reflect.StructField) (Column, bool, error) {
	name := field.Tag.Get("ssql_header")
	if name == "" {
		return Column{}, false, fmt.Errorf("missing 'ssql_header' tag")
	}
	typ := field.Tag.Get("ssql_type")
	if typ == "" {
		return Column{}, false, fmt.Errorf("missing 'ssql_type' tag")
	}
	if !columnTypes[typ] {
		return Column{}, false, fmt.Errorf("unknown column type '%s'", typ)
	}
	return Column{Name: name, Type: typ}, field.Tag.Get("ssql_key") == "true", nil
}

// toSnakeCase converts PascalCase to snake_case
func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// ensureSchema creates missing tables and checks the header and type rows of
// existing ones
func (db *DB) ensureSchema() error {
	sheets, err := db.client.ListSheets(db.spreadsheetID)
	if err != nil {
		return fmt.Errorf("failed to get existing sheets: %w", err)
	}
	existing := make(map[string]struct{}, len(sheets))
	for _, name := range sheets {
		existing[name] = struct{}{}
	}

	for _, table := range db.schema.Tables {
		if _, ok := existing[table.Name]; !ok {
			if err := db.createTable(table); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table.Name, err)
			}
			continue
		}
		if err := db.verifyTableSchema(table); err != nil {
			return fmt.Errorf("table %s schema mismatch: %w", table.Name, err)
		}
	}
	return nil
}

// verifyTableSchema checks every declared column has a header with the
// expected type. Column order is free and extra columns are ignored.
func (db *DB) verifyTableSchema(table TableSchema) error {
	values, err := db.client.GetValues(db.spreadsheetID, fmt.Sprintf("%s!A1:ZZ2", table.Name))
	if err != nil {
		return fmt.Errorf("failed to read table headers: %w", err)
	}
	if len(values) < 2 {
		return fmt.Errorf("table missing header or type row")
	}
	headers, types := values[0], values[1]

	positions := make(map[string]int, len(headers))
	for i, h := range headers {
		name := cellString(h)
		if _, dup := positions[name]; dup && name != "" {
			return fmt.Errorf("duplicate header '%s'", name)
		}
		positions[name] = i
	}

	for _, col := range table.Columns {
		i, ok := positions[col.Name]
		switch {
		case !ok:
			return fmt.Errorf("missing header for column %s", col.Name)
		case i >= len(types):
			return fmt.Errorf("missing type for column %s", col.Name)
		}
		if got := cellString(types[i]); got != col.Type {
			return fmt.Errorf("column %d (%s): expected type '%s', got '%s'", i, col.Name, col.Type, got)
		}
	}
	return nil
}

// createTable adds a sheet and writes its header and type rows
func (db *DB) createTable(table TableSchema) error {
	if _, err := db.client.CreateSheet(db.spreadsheetID, table.Name); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	headers := make([]interface{}, len(table.Columns))
	types := make([]interface{}, len(table.Columns))
	for i, col := range table.Columns {
		headers[i], types[i] = col.Name, col.Type
	}
	if err := db.client.AppendRows(db.spreadsheetID, table.Name, [][]interface{}{headers, types}); err != nil {
		return fmt.Errorf("failed to write headers and types: %w", err)
	}
	return nil
}
