package sql

import (
	"fmt"
)

// ScanValues scans the current row of the ColumnScanner into a
// column-name-keyed map. Values arrive as the driver's raw types; byte
// slices are copied into strings so the map outlives the row buffer.
func ScanValues(rows ColumnScanner) (map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sql/scan: columns: %w", err)
	}
	dest := make([]any, len(columns))
	for i := range dest {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("sql/scan: scan row: %w", err)
	}
	values := make(map[string]any, len(columns))
	for i, c := range columns {
		v := *dest[i].(*any)
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		values[c] = v
	}
	return values, nil
}

// ScanAllValues drains the ColumnScanner into a list of row maps and
// closes it.
func ScanAllValues(rows ColumnScanner) ([]map[string]any, error) {
	defer rows.Close()
	var all []map[string]any
	for rows.Next() {
		values, err := ScanValues(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql/scan: iterate rows: %w", err)
	}
	return all, nil
}

// ScanOne scans exactly the first row into a map and closes the scanner.
// It returns false when the result set is empty.
func ScanOne(rows ColumnScanner) (map[string]any, bool, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, fmt.Errorf("sql/scan: iterate rows: %w", err)
		}
		return nil, false, nil
	}
	values, err := ScanValues(rows)
	if err != nil {
		return nil, false, err
	}
	return values, true, nil
}

// ScanInt64 scans the first column of the first row as int64. Used for
// COUNT and other scalar aggregates.
func ScanInt64(rows ColumnScanner) (int64, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("sql/scan: iterate rows: %w", err)
		}
		return 0, fmt.Errorf("sql/scan: no rows for scalar scan")
	}
	var n int64
	if err := rows.Scan(&n); err != nil {
		return 0, fmt.Errorf("sql/scan: scan scalar: %w", err)
	}
	return n, nil
}

// ScanSlice scans all rows' first column into a typed slice and closes
// the scanner.
func ScanSlice[T any](rows ColumnScanner) ([]T, error) {
	defer rows.Close()
	var vs []T
	for rows.Next() {
		var v T
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("sql/scan: scan value: %w", err)
		}
		vs = append(vs, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql/scan: iterate rows: %w", err)
	}
	return vs, nil
}
