package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modelplane/internal/data"
)

// DefaultSampleSize is the number of rows SampleImporter draws.
const DefaultSampleSize = 100

// Importer produces a raw inference payload: JSON {columns, index, data}.
type Importer interface {
	Import(ctx context.Context) ([]byte, error)
}

// FileImporter reads a JSON payload from disk.
type FileImporter struct {
	Path string
}

func (i FileImporter) Import(ctx context.Context) ([]byte, error) {
	b, err := os.ReadFile(i.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inference payload: %w", err)
	}
	return b, nil
}

// SampleImporter draws rows from the training CSV and drops the label.
type SampleImporter struct {
	DataPath string
	N        int
	Seed     int64
}

func (i SampleImporter) Import(ctx context.Context) ([]byte, error) {
	t, err := data.Ingest(i.DataPath)
	if err != nil {
		return nil, err
	}
	n := i.N
	if n <= 0 {
		n = DefaultSampleSize
	}
	rows, err := data.Sample(t, n, i.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", i.DataPath, err)
	}

	index := make([]int, len(rows))
	for j := range index {
		index[j] = j
	}
	return json.Marshal(struct {
		Columns []string    `json:"columns"`
		Index   []int       `json:"index"`
		Data    [][]float64 `json:"data"`
	}{data.FeatureColumns, index, rows})
}

// NewImporter picks an importer for path: .json files are read verbatim,
// anything else is sampled as CSV.
func NewImporter(path string) Importer {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FileImporter{Path: path}
	}
	return SampleImporter{DataPath: path, N: DefaultSampleSize, Seed: data.DefaultSeed}
}
