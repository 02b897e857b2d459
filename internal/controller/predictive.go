package controller

import (
	"context"
	"math"
)

// PredictiveStore is the subset of the Context Store the predictive bias
// needs (satisfied by *store.Store).
type PredictiveStore interface {
	RecordPredictiveSample(ctx context.Context, hour int, delta float64) error
	GetPredictiveBias(ctx context.Context, hour int) (float64, error)
}

// PredictiveBias folds historical concurrency-by-hour-of-day into a bounded
// bias the controller can add to an increase/decrease decision (spec §4.7:
// "every PREDICTION_UPDATE_INTERVAL ... compute the mean of historically
// stored concurrency values and derive delta = clamp(round(mean-C), -5, 5)").
// Pattern updates only happen while the caller confirms systemHealth is
// positive and C is above the min/max midpoint — that gating lives in the
// caller (cmd/worker's controller loop evaluates Controller.SystemHealth and
// Controller.AboveMidpoint), so Observe takes the gate result as a plain bool.
type PredictiveBias struct {
	store PredictiveStore
}

func NewPredictiveBias(store PredictiveStore) *PredictiveBias {
	return &PredictiveBias{store: store}
}

// Observe records one concurrency sample for the given hour-of-day, only
// when shouldUpdate is true.
func (p *PredictiveBias) Observe(ctx context.Context, hour int, concurrency int, shouldUpdate bool) error {
	if !shouldUpdate {
		return nil
	}
	return p.store.RecordPredictiveSample(ctx, hour, float64(concurrency))
}

// Bias returns clamp(round(mean-currentC), -5, 5) for the next hour bucket.
func (p *PredictiveBias) Bias(ctx context.Context, nextHour int, currentConcurrency int) (int, error) {
	mean, err := p.store.GetPredictiveBias(ctx, nextHour)
	if err != nil {
		return 0, err
	}
	delta := int(math.Round(mean - float64(currentConcurrency)))
	if delta > 5 {
		return 5, nil
	}
	if delta < -5 {
		return -5, nil
	}
	return delta, nil
}
