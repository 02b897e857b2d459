package controller

import (
	"context"
	"testing"
)

type fakePredictiveStore struct {
	samples map[int][]float64
	means   map[int]float64
}

func newFakePredictiveStore() *fakePredictiveStore {
	return &fakePredictiveStore{samples: map[int][]float64{}, means: map[int]float64{}}
}

func (f *fakePredictiveStore) RecordPredictiveSample(ctx context.Context, hour int, delta float64) error {
	f.samples[hour] = append(f.samples[hour], delta)
	f.means[hour] = delta
	return nil
}

func (f *fakePredictiveStore) GetPredictiveBias(ctx context.Context, hour int) (float64, error) {
	return f.means[hour], nil
}

func TestPredictiveBiasObserveSkipsWhenGateFalse(t *testing.T) {
	store := newFakePredictiveStore()
	pb := NewPredictiveBias(store)

	if err := pb.Observe(context.Background(), 14, 30, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.samples[14]) != 0 {
		t.Fatalf("expected no sample recorded when gate is false")
	}
}

func TestPredictiveBiasObserveRecordsWhenGateTrue(t *testing.T) {
	store := newFakePredictiveStore()
	pb := NewPredictiveBias(store)

	if err := pb.Observe(context.Background(), 14, 30, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.samples[14]) != 1 {
		t.Fatalf("expected one sample recorded, got %d", len(store.samples[14]))
	}
}

func TestPredictiveBiasIsClampedToFive(t *testing.T) {
	store := newFakePredictiveStore()
	store.means[9] = 100
	pb := NewPredictiveBias(store)

	delta, err := pb.Bias(context.Background(), 9, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta != 5 {
		t.Fatalf("expected delta clamped to 5, got %d", delta)
	}
}

func TestPredictiveBiasIsClampedToNegativeFive(t *testing.T) {
	store := newFakePredictiveStore()
	store.means[9] = 0
	pb := NewPredictiveBias(store)

	delta, err := pb.Bias(context.Background(), 9, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta != -5 {
		t.Fatalf("expected delta clamped to -5, got %d", delta)
	}
}
