package events

import (
	"encoding/json"
	"testing"
)

func TestProgressEventMarshal(t *testing.T) {
	ev := ProgressEvent{
		JobID: "job-1", SessionID: "sess-1",
		SuccessCount: 3, FailureCount: 1, Total: 4,
		EstTimeLeftSec: 12, Concurrency: 20, Backlog: 5,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out ProgressEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != ev {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, ev)
	}
}

func TestCompletedEventMarshal(t *testing.T) {
	ev := CompletedEvent{JobID: "job-1", SessionID: "sess-1", Status: "completed", SuccessCount: 2, FailureCount: 0, TotalRecords: 2}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty payload")
	}

	var out CompletedEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != ev {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, ev)
	}
}

func TestSubjectNames(t *testing.T) {
	if SubjectJobProgress != "job.progress" {
		t.Fatalf("unexpected progress subject: %s", SubjectJobProgress)
	}
	if SubjectJobCompleted != "job.completed" {
		t.Fatalf("unexpected completed subject: %s", SubjectJobCompleted)
	}
	if SubjectJobUserAction != "job.useraction" {
		t.Fatalf("unexpected user action subject: %s", SubjectJobUserAction)
	}
}
