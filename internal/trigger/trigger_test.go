package trigger

import (
	"math"
	"math/rand"
	"testing"

	"modelplane/internal/model"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		threshold float64
		want      bool
	}{
		{"above threshold", 0.8, 0.75, true},
		{"below threshold", 0.5, 0.75, false},
		{"equal is not enough", 0.75, 0.75, false},
		{"default threshold positive", 0.01, 0, true},
		{"default threshold zero", 0, 0, false},
		{"negative score", -1.5, 0, false},
		{"negative threshold", -0.5, -1, true},
		{"nan score", math.NaN(), 0, false},
		{"infinite score", math.Inf(1), 0.99, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.score, tt.threshold); got != tt.want {
				t.Errorf("Decide(%v, %v) = %v, want %v", tt.score, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestDecide_MatchesStrictComparison(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		s := rng.NormFloat64()
		th := rng.NormFloat64()
		if i%10 == 0 {
			th = s
		}
		if got, want := Decide(s, th), s > th; got != want {
			t.Fatalf("Decide(%v, %v) = %v, want %v", s, th, got, want)
		}
	}
}

func TestGate_Decide(t *testing.T) {
	scores := model.Scores{model.R2: 0.9, model.RMSE: 0.4, model.MSE: 0.16}
	tests := []struct {
		name string
		gate Gate
		want bool
	}{
		{"r2 above", Gate{Metric: model.R2, Threshold: 0.8}, true},
		{"r2 equal", Gate{Metric: model.R2, Threshold: 0.9}, false},
		{"rmse below max", Gate{Metric: model.RMSE, Threshold: 0.5}, true},
		{"rmse equal max", Gate{Metric: model.RMSE, Threshold: 0.4}, false},
		{"rmse above max", Gate{Metric: model.RMSE, Threshold: 0.1}, false},
		{"mse below max", Gate{Metric: model.MSE, Threshold: 0.2}, true},
		{"zero value gates on r2", Gate{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.gate.Decide(scores); got != tt.want {
				t.Errorf("%s > %v: got %v, want %v", tt.gate.Metric, tt.gate.Threshold, got, tt.want)
			}
		})
	}
}

func TestGate_MissingOrNaNScore(t *testing.T) {
	g := Gate{Metric: model.RMSE, Threshold: 1}
	if g.Decide(model.Scores{model.R2: 1}) {
		t.Error("a missing gate metric must not deploy")
	}
	if g.Decide(model.Scores{model.RMSE: math.NaN()}) {
		t.Error("a NaN error must not deploy")
	}
}
