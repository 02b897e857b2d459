package queue

import "testing"

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", opts.Attempts)
	}
	if opts.BackoffBase.Seconds() != 5 {
		t.Errorf("BackoffBase = %s, want 5s", opts.BackoffBase)
	}
	if opts.RetainCompleted.Hours() != 24 {
		t.Errorf("RetainCompleted = %s, want 24h", opts.RetainCompleted)
	}
	if opts.RetainCompletedCount != 1000 {
		t.Errorf("RetainCompletedCount = %d, want 1000", opts.RetainCompletedCount)
	}
	if opts.RetainFailed.Hours() != 7*24 {
		t.Errorf("RetainFailed = %s, want 168h", opts.RetainFailed)
	}
}
