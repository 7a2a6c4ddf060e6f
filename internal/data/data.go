// Package data loads the training CSV and prepares train/test splits.
package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
)

// FeatureColumns is the fixed, order-significant model input schema.
var FeatureColumns = []string{
	"payment_sequential",
	"payment_installments",
	"payment_value",
	"price",
	"freight_value",
	"product_name_length",
	"product_description_length",
	"product_photos_qty",
	"product_weight_g",
	"product_length_cm",
	"product_height_cm",
	"product_width_cm",
}

// LabelColumn is the regression target.
const LabelColumn = "review_score"

const (
	DefaultTestRatio = 0.2
	DefaultSeed      = 42
)

var (
	// ErrEmptyDataset is returned when no usable rows remain.
	ErrEmptyDataset = errors.New("dataset has no usable rows")
	// ErrMissingColumn is returned when the CSV header lacks a required column.
	ErrMissingColumn = errors.New("missing required column")
)

// Table is raw CSV content.
type Table struct {
	Header  []string
	Records [][]string
}

// Index returns the position of column name in the header, or -1.
func (t *Table) Index(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Split holds feature matrices and label vectors for training and testing.
type Split struct {
	TrainX [][]float64
	TestX  [][]float64
	TrainY []float64
	TestY  []float64
}

// Ingest reads a CSV file with a header row.
func Ingest(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	return Read(f)
}

// Read parses CSV content with a header row.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyDataset
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv records: %w", err)
	}

	return &Table{Header: header, Records: records}, nil
}

// Features projects the table onto FeatureColumns, filling missing or
// non-numeric cells with the column median. Rows keep their table order.
func Features(t *Table) ([][]float64, error) {
	cols, err := numericColumns(t, FeatureColumns)
	if err != nil {
		return nil, err
	}
	fillMedians(cols)

	rows := make([][]float64, len(t.Records))
	for i := range rows {
		row := make([]float64, len(FeatureColumns))
		for j := range FeatureColumns {
			row[j] = cols[j][i].value
		}
		rows[i] = row
	}
	return rows, nil
}

// Clean drops rows without a label, fills feature gaps with medians and
// splits the result with the default ratio and seed.
func Clean(t *Table) (*Split, error) {
	return CleanWith(t, DefaultTestRatio, DefaultSeed)
}

// CleanWith is Clean with an explicit test ratio and shuffle seed.
func CleanWith(t *Table, testRatio float64, seed int64) (*Split, error) {
	if testRatio <= 0 || testRatio >= 1 {
		return nil, fmt.Errorf("test ratio must be in (0, 1), got %v", testRatio)
	}

	labelIdx := t.Index(LabelColumn)
	if labelIdx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, LabelColumn)
	}

	labeled := &Table{Header: t.Header}
	labels := make([]float64, 0, len(t.Records))
	for _, rec := range t.Records {
		if labelIdx >= len(rec) {
			continue
		}
		y, ok := parseCell(rec[labelIdx])
		if !ok {
			continue
		}
		labeled.Records = append(labeled.Records, rec)
		labels = append(labels, y)
	}
	if len(labels) < 2 {
		return nil, ErrEmptyDataset
	}

	x, err := Features(labeled)
	if err != nil {
		return nil, err
	}

	order := rand.New(rand.NewSource(seed)).Perm(len(x))
	nTest := int(float64(len(x)) * testRatio)
	if nTest == 0 {
		nTest = 1
	}

	split := &Split{}
	for i, idx := range order {
		if i < nTest {
			split.TestX = append(split.TestX, x[idx])
			split.TestY = append(split.TestY, labels[idx])
		} else {
			split.TrainX = append(split.TrainX, x[idx])
			split.TrainY = append(split.TrainY, labels[idx])
		}
	}
	return split, nil
}

// Sample returns n feature rows drawn without replacement, in random order.
// When the table has fewer rows, all of them are returned.
func Sample(t *Table, n int, seed int64) ([][]float64, error) {
	x, err := Features(t)
	if err != nil {
		return nil, err
	}
	if len(x) == 0 {
		return nil, ErrEmptyDataset
	}
	if n <= 0 || n > len(x) {
		n = len(x)
	}

	order := rand.New(rand.NewSource(seed)).Perm(len(x))
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = x[order[i]]
	}
	return out, nil
}

type cell struct {
	value float64
	ok    bool
}

func numericColumns(t *Table, names []string) ([][]cell, error) {
	idx := make([]int, len(names))
	for j, name := range names {
		idx[j] = t.Index(name)
		if idx[j] < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	cols := make([][]cell, len(names))
	for j := range names {
		cols[j] = make([]cell, len(t.Records))
		for i, rec := range t.Records {
			if idx[j] < len(rec) {
				v, ok := parseCell(rec[idx[j]])
				cols[j][i] = cell{value: v, ok: ok}
			}
		}
	}
	return cols, nil
}

func fillMedians(cols [][]cell) {
	for _, col := range cols {
		present := make([]float64, 0, len(col))
		for _, c := range col {
			if c.ok {
				present = append(present, c.value)
			}
		}
		m := median(present)
		for i := range col {
			if !col[i].ok {
				col[i] = cell{value: m, ok: true}
			}
		}
	}
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func parseCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
