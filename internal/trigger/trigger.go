// Package trigger holds the deployment gate.
package trigger

import "modelplane/internal/model"

// Decide reports whether a model with the given score should be deployed.
// It is true only when score strictly exceeds minAcceptable; a NaN score never deploys.
func Decide(score, minAcceptable float64) bool {
	return score > minAcceptable
}

// Gate is the deployment condition on one evaluation metric.
type Gate struct {
	Metric model.MetricKind
	// Threshold is the minimum score for R2 and the maximum error for MSE and RMSE.
	Threshold float64
}

// Decide applies the gate to scores. Both directions are strict, and scores
// missing the gate metric never deploy.
func (g Gate) Decide(scores model.Scores) bool {
	score, ok := scores[g.Metric]
	if !ok {
		return false
	}
	if g.Metric.LowerIsBetter() {
		return Decide(-score, -g.Threshold)
	}
	return Decide(score, g.Threshold)
}
