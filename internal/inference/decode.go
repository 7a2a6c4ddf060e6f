package inference

import (
	"encoding/json"
	"fmt"

	"modelplane/internal/data"
	"modelplane/internal/serving"
)

// SchemaError reports an input batch that does not fit the model schema.
type SchemaError = data.SchemaError

// payload is the split-orient JSON produced by importers.
type payload struct {
	Columns []string `json:"columns"`
	// Index is ignored; any JSON shape is accepted.
	Index json.RawMessage `json:"index"`
	Data  [][]float64     `json:"data"`
}

// DecodeBatch parses raw split-orient JSON into a batch in schema order.
// columns and index are dropped. When columns is present it must name every
// schema column exactly once. Mismatches yield *SchemaError.
func DecodeBatch(raw []byte, schema []string) (serving.InputBatch, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return serving.InputBatch{}, fmt.Errorf("invalid inference payload: %w", err)
	}

	rows, err := data.Align(p.Columns, p.Data, schema)
	if err != nil {
		return serving.InputBatch{}, err
	}
	if rows == nil {
		rows = [][]float64{}
	}
	return serving.InputBatch{
		Columns: append([]string(nil), schema...),
		Rows:    rows,
	}, nil
}
