// Package model fits and evaluates the regression model served by the predictor.
package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Kind identifies the model family in serialized artifacts.
const Kind = "linear_regression"

var (
	// ErrNoData is returned when training or evaluation gets no rows.
	ErrNoData = errors.New("no training data")
	// ErrDimension is returned when row widths or lengths disagree.
	ErrDimension = errors.New("dimension mismatch")
)

// singular values below rcond * max(singular value) are treated as zero.
const rcond = 1e-10

// LinearRegression is an ordinary least squares model with intercept.
type LinearRegression struct {
	Kind         string    `json:"kind"`
	Columns      []string  `json:"columns"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

// Train fits y ~ X with an intercept. Rank-deficient inputs get the minimum-norm solution.
func Train(columns []string, x [][]float64, y []float64) (*LinearRegression, error) {
	if len(x) == 0 {
		return nil, ErrNoData
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", ErrDimension, len(x), len(y))
	}
	width := len(columns)

	design := mat.NewDense(len(x), width+1, nil)
	for i, row := range x {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrDimension, i, len(row), width)
		}
		design.Set(i, 0, 1)
		for j, v := range row {
			design.Set(i, j+1, v)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(design, mat.SVDThin); !ok {
		return nil, errors.New("svd factorization failed")
	}
	rank := svd.Rank(rcond)
	if rank == 0 {
		return nil, fmt.Errorf("%w: design matrix has rank 0", ErrDimension)
	}

	var beta mat.VecDense
	svd.SolveVecTo(&beta, mat.NewVecDense(len(y), append([]float64(nil), y...)), rank)

	coef := make([]float64, width)
	for j := range coef {
		coef[j] = beta.AtVec(j + 1)
	}

	return &LinearRegression{
		Kind:         Kind,
		Columns:      append([]string(nil), columns...),
		Coefficients: coef,
		Intercept:    beta.AtVec(0),
	}, nil
}

// Predict returns one prediction per row, in row order.
func (m *LinearRegression) Predict(x [][]float64) ([]float64, error) {
	out := make([]float64, len(x))
	for i, row := range x {
		if len(row) != len(m.Coefficients) {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrDimension, i, len(row), len(m.Coefficients))
		}
		out[i] = floats.Dot(row, m.Coefficients) + m.Intercept
	}
	return out, nil
}

// Marshal serializes the model for the artifact store.
func (m *LinearRegression) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a serialized model.
func Unmarshal(b []byte) (*LinearRegression, error) {
	var m LinearRegression
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if m.Kind != Kind {
		return nil, fmt.Errorf("unsupported model kind %q", m.Kind)
	}
	if len(m.Columns) != len(m.Coefficients) {
		return nil, fmt.Errorf("%w: %d columns, %d coefficients", ErrDimension, len(m.Columns), len(m.Coefficients))
	}
	return &m, nil
}
