package data

import (
	"fmt"
	"strings"
)

// SchemaError reports an input batch that does not fit the model schema.
type SchemaError struct {
	Missing    []string
	Extra      []string
	Duplicates []string
	// Row is the offending row for width mismatches, -1 otherwise.
	Row   int
	Width int
	Want  int
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected columns: "+strings.Join(e.Extra, ", "))
	}
	if len(e.Duplicates) > 0 {
		parts = append(parts, "duplicate columns: "+strings.Join(e.Duplicates, ", "))
	}
	if e.Row >= 0 {
		parts = append(parts, fmt.Sprintf("row %d has %d values, want %d", e.Row, e.Width, e.Want))
	}
	return "input does not match model schema: " + strings.Join(parts, "; ")
}

// Align returns rows in schema order. When columns is empty the rows must
// already be in schema order; otherwise columns must name every schema
// column exactly once and nothing else.
func Align(columns []string, rows [][]float64, schema []string) ([][]float64, error) {
	width := len(schema)

	if len(columns) == 0 {
		for i, row := range rows {
			if len(row) != width {
				return nil, &SchemaError{Row: i, Width: len(row), Want: width}
			}
		}
		return rows, nil
	}

	pos := make(map[string]int, len(columns))
	serr := &SchemaError{Row: -1}
	for i, c := range columns {
		if _, dup := pos[c]; dup {
			serr.Duplicates = append(serr.Duplicates, c)
			continue
		}
		pos[c] = i
	}
	inSchema := make(map[string]bool, width)
	for _, c := range schema {
		inSchema[c] = true
		if _, ok := pos[c]; !ok {
			serr.Missing = append(serr.Missing, c)
		}
	}
	for _, c := range columns {
		if !inSchema[c] {
			serr.Extra = append(serr.Extra, c)
		}
	}
	if len(serr.Missing) > 0 || len(serr.Extra) > 0 || len(serr.Duplicates) > 0 {
		return nil, serr
	}

	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, &SchemaError{Row: i, Width: len(row), Want: len(columns)}
		}
		aligned := make([]float64, width)
		for j, c := range schema {
			aligned[j] = row[pos[c]]
		}
		out[i] = aligned
	}
	return out, nil
}
