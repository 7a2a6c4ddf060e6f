package data

import (
	"errors"
	"strings"
	"testing"
)

func TestAlign_ReordersIntoSchemaOrder(t *testing.T) {
	schema := []string{"a", "b", "c"}
	rows, err := Align([]string{"c", "a", "b"}, [][]float64{{3, 1, 2}, {30, 10, 20}}, schema)
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	want := [][]float64{{1, 2, 3}, {10, 20, 30}}
	for i := range want {
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Fatalf("got %v, want %v", rows, want)
			}
		}
	}
}

func TestAlign_Errors(t *testing.T) {
	schema := []string{"a", "b", "c"}
	tests := []struct {
		name    string
		columns []string
		rows    [][]float64
		mention string
	}{
		{"missing column", []string{"a", "b"}, [][]float64{{1, 2}}, "missing columns: c"},
		{"extra column", []string{"a", "b", "c", "d"}, [][]float64{{1, 2, 3, 4}}, "unexpected columns: d"},
		{"duplicate column", []string{"a", "b", "c", "a"}, [][]float64{{1, 2, 3, 1}}, "duplicate columns: a"},
		{"short row with columns", []string{"a", "b", "c"}, [][]float64{{1, 2}}, "row 0 has 2 values, want 3"},
		{"short row without columns", nil, [][]float64{{1, 2, 3}, {1}}, "row 1 has 1 values, want 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Align(tt.columns, tt.rows, schema)
			var serr *SchemaError
			if !errors.As(err, &serr) {
				t.Fatalf("expected *SchemaError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error %q does not mention %q", err, tt.mention)
			}
		})
	}
}

func TestAlign_NoColumnsPassThrough(t *testing.T) {
	rows := [][]float64{{1, 2, 3}}
	got, err := Align(nil, rows, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	if got[0][2] != 3 {
		t.Errorf("unexpected rows %v", got)
	}
}
