package model

import (
	"errors"
	"math"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestTrain_RecoversLinearRelation(t *testing.T) {
	// y = 3 + 2*a - b
	x := [][]float64{{1, 0}, {2, 1}, {3, 5}, {4, 2}, {5, 3}, {0, 7}}
	y := make([]float64, len(x))
	for i, row := range x {
		y[i] = 3 + 2*row[0] - row[1]
	}

	m, err := Train([]string{"a", "b"}, x, y)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !approx(m.Intercept, 3) || !approx(m.Coefficients[0], 2) || !approx(m.Coefficients[1], -1) {
		t.Errorf("unexpected fit: intercept=%v coef=%v", m.Intercept, m.Coefficients)
	}

	pred, err := m.Predict([][]float64{{10, 10}, {0, 0}})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if !approx(pred[0], 13) || !approx(pred[1], 3) {
		t.Errorf("unexpected predictions: %v", pred)
	}
}

func TestTrain_RankDeficient(t *testing.T) {
	// Both columns are identical; the minimum-norm solution splits the weight.
	x := [][]float64{{1, 1}, {2, 2}, {3, 3}, {4, 4}}
	y := []float64{2, 4, 6, 8}

	m, err := Train([]string{"a", "b"}, x, y)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	pred, _ := m.Predict([][]float64{{5, 5}})
	if !approx(pred[0], 10) {
		t.Errorf("got prediction %v, want 10", pred[0])
	}
}

func TestTrain_Errors(t *testing.T) {
	tests := []struct {
		name string
		x    [][]float64
		y    []float64
		want error
	}{
		{"no rows", nil, nil, ErrNoData},
		{"label count", [][]float64{{1}, {2}}, []float64{1}, ErrDimension},
		{"ragged rows", [][]float64{{1}, {2, 3}}, []float64{1, 2}, ErrDimension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Train([]string{"a"}, tt.x, tt.y); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPredict_PreservesOrderAndLength(t *testing.T) {
	m := &LinearRegression{Kind: Kind, Columns: []string{"a"}, Coefficients: []float64{1}, Intercept: 0}
	x := [][]float64{{5}, {1}, {3}}

	pred, err := m.Predict(x)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(pred) != len(x) {
		t.Fatalf("got %d predictions, want %d", len(pred), len(x))
	}
	for i := range x {
		if pred[i] != x[i][0] {
			t.Errorf("prediction %d = %v, want %v", i, pred[i], x[i][0])
		}
	}

	if _, err := m.Predict([][]float64{{1, 2}}); !errors.Is(err, ErrDimension) {
		t.Errorf("expected ErrDimension, got %v", err)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	m := &LinearRegression{Kind: Kind, Columns: []string{"a", "b"}, Coefficients: []float64{1.5, -2}, Intercept: 0.25}
	b, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Intercept != 0.25 || got.Coefficients[1] != -2 {
		t.Errorf("unexpected model: %+v", got)
	}

	if _, err := Unmarshal([]byte(`{"kind":"forest"}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestCompute(t *testing.T) {
	yTrue := []float64{3, -0.5, 2, 7}
	yPred := []float64{2.5, 0.0, 2, 8}

	tests := []struct {
		kind MetricKind
		want float64
	}{
		{MSE, 0.375},
		{RMSE, math.Sqrt(0.375)},
		{R2, 0.9486081370449679},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, err := Compute(tt.kind, yTrue, yPred)
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			if !approx(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompute_Errors(t *testing.T) {
	if _, err := Compute(MSE, nil, nil); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
	if _, err := Compute(MSE, []float64{1}, []float64{1, 2}); !errors.Is(err, ErrDimension) {
		t.Errorf("expected ErrDimension, got %v", err)
	}
	if _, err := Compute(MetricKind(42), []float64{1}, []float64{1}); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestR2_ConstantTarget(t *testing.T) {
	perfect, _ := Compute(R2, []float64{2, 2}, []float64{2, 2})
	if perfect != 1 {
		t.Errorf("got %v, want 1", perfect)
	}
	off, _ := Compute(R2, []float64{2, 2}, []float64{1, 3})
	if off != 0 {
		t.Errorf("got %v, want 0", off)
	}
}

func TestParseMetricKind(t *testing.T) {
	for _, k := range AllMetrics {
		got, err := ParseMetricKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseMetricKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseMetricKind("mae"); err == nil {
		t.Error("expected error for unsupported metric")
	}
}

func TestEvaluate(t *testing.T) {
	m := &LinearRegression{Kind: Kind, Columns: []string{"a"}, Coefficients: []float64{2}, Intercept: 1}
	x := [][]float64{{0}, {1}, {2}}
	y := []float64{1, 3, 5}

	scores, err := Evaluate(m, x, y)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if scores[R2] != 1 || scores[MSE] != 0 || scores[RMSE] != 0 {
		t.Errorf("unexpected scores: %v", scores)
	}

	only, _ := Evaluate(m, x, y, MSE)
	if _, ok := only[R2]; ok {
		t.Error("expected only the requested metric")
	}
}

func TestLowerIsBetter(t *testing.T) {
	for kind, want := range map[MetricKind]bool{R2: false, MSE: true, RMSE: true} {
		if got := kind.LowerIsBetter(); got != want {
			t.Errorf("%s.LowerIsBetter() = %v, want %v", kind, got, want)
		}
	}
}
