package sheetssql

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// DecodeAll maps every row to a struct of type T
func DecodeAll[T any](rows []Row) ([]T, error) {
	results := make([]T, 0, len(rows))
	for i, row := range rows {
		v, err := Decode[T](row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		results = append(results, v)
	}
	return results, nil
}

// Decode maps a row onto a struct of type T using its ssql_header tags
func Decode[T any](row Row) (T, error) {
	var model T
	t := reflect.TypeOf(model)
	if t.Kind() != reflect.Struct {
		return model, fmt.Errorf("model must be a struct, got %s", t.Kind())
	}

	result := reflect.New(t).Elem()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		columnName := field.Tag.Get("ssql_header")
		if columnName == "" {
			continue
		}

		cellValue, ok := row[columnName]
		if !ok {
			continue
		}

		// Convert and set the value
		if err := setFieldValue(result.Field(i), cellValue); err != nil {
			return model, fmt.Errorf("column %s: %w", columnName, err)
		}
	}

	return result.Interface().(T), nil
}

// Encode converts a struct into a row using its ssql_header tags
func Encode(model interface{}) (Row, error) {
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model must be a struct, got %s", t.Kind())
	}

	row := make(Row, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		columnName := field.Tag.Get("ssql_header")
		if columnName == "" {
			continue
		}

		s, err := formatFieldValue(v.Field(i))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		row[columnName] = s
	}
	return row, nil
}

// EncodeAll converts a slice of structs into rows
func EncodeAll[T any](models []T) ([]Row, error) {
	rows := make([]Row, 0, len(models))
	for _, m := range models {
		row, err := Encode(m)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// setFieldValue parses a cell into field. Blank cells leave the zero value.
func setFieldValue(field reflect.Value, cell string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}
	if field.Kind() == reflect.String {
		field.SetString(cell)
		return nil
	}

	text := strings.TrimSpace(cell)
	if text == "" {
		field.SetZero()
		return nil
	}

	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(text, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to parse int: %w", err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(text, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to parse uint: %w", err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(text, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to parse float: %w", err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return fmt.Errorf("failed to parse bool: %w", err)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// formatFieldValue renders a struct field as the string stored in a cell
func formatFieldValue(field reflect.Value) (string, error) {
	switch field.Kind() {
	case reflect.String:
		return field.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(field.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(field.Float(), 'f', -1, field.Type().Bits()), nil
	case reflect.Bool:
		return strconv.FormatBool(field.Bool()), nil
	default:
		return "", fmt.Errorf("unsupported field type: %s", field.Kind())
	}
}
