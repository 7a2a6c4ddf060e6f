package model

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// MetricKind selects an evaluation metric.
type MetricKind int

// R2 is the zero value, so an unset gate metric means R2.
const (
	R2 MetricKind = iota
	MSE
	RMSE
)

// AllMetrics lists every supported metric in reporting order.
var AllMetrics = []MetricKind{R2, RMSE, MSE}

func (k MetricKind) String() string {
	switch k {
	case MSE:
		return "mse"
	case R2:
		return "r2"
	case RMSE:
		return "rmse"
	default:
		return fmt.Sprintf("metric(%d)", int(k))
	}
}

// LowerIsBetter reports whether smaller values of the metric mean a better model.
func (k MetricKind) LowerIsBetter() bool {
	return k == MSE || k == RMSE
}

// ParseMetricKind parses a metric name as used in configuration.
func ParseMetricKind(s string) (MetricKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mse":
		return MSE, nil
	case "r2":
		return R2, nil
	case "rmse":
		return RMSE, nil
	default:
		return 0, fmt.Errorf("unknown metric %q: must be mse, r2 or rmse", s)
	}
}

// Compute evaluates metric kind over paired true and predicted values.
func Compute(kind MetricKind, yTrue, yPred []float64) (float64, error) {
	if len(yTrue) == 0 {
		return 0, ErrNoData
	}
	if len(yTrue) != len(yPred) {
		return 0, fmt.Errorf("%w: %d true values, %d predictions", ErrDimension, len(yTrue), len(yPred))
	}

	switch kind {
	case MSE:
		return meanSquaredError(yTrue, yPred), nil
	case RMSE:
		return math.Sqrt(meanSquaredError(yTrue, yPred)), nil
	case R2:
		return r2Score(yTrue, yPred), nil
	default:
		return 0, fmt.Errorf("unknown metric %s", kind)
	}
}

func meanSquaredError(yTrue, yPred []float64) float64 {
	var sum float64
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		sum += d * d
	}
	return sum / float64(len(yTrue))
}

// r2Score follows the usual convention for constant targets: 1 for a perfect fit, 0 otherwise.
func r2Score(yTrue, yPred []float64) float64 {
	mean := stat.Mean(yTrue, nil)
	var ssRes, ssTot float64
	for i := range yTrue {
		r := yTrue[i] - yPred[i]
		ssRes += r * r
		d := yTrue[i] - mean
		ssTot += d * d
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

// Scores maps each evaluated metric to its value.
type Scores map[MetricKind]float64

// Evaluate predicts x with m and computes the requested metrics against y.
func Evaluate(m *LinearRegression, x [][]float64, y []float64, kinds ...MetricKind) (Scores, error) {
	if len(kinds) == 0 {
		kinds = AllMetrics
	}
	pred, err := m.Predict(x)
	if err != nil {
		return nil, err
	}

	scores := make(Scores, len(kinds))
	for _, k := range kinds {
		v, err := Compute(k, y, pred)
		if err != nil {
			return nil, fmt.Errorf("failed to compute %s: %w", k, err)
		}
		scores[k] = v
	}
	return scores, nil
}
