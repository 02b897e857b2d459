package batchworker

import (
	"strings"
	"testing"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

func TestValidateRecords(t *testing.T) {
	cases := []struct {
		name    string
		records []domain.Record
		wantErr string
	}{
		{
			name:    "empty",
			records: nil,
			wantErr: "no records",
		},
		{
			name: "all valid",
			records: []domain.Record{
				{MemberID: "m1", RequestID: "r1"},
				{MemberID: "m2", RequestID: "r2"},
			},
			wantErr: "",
		},
		{
			name: "missing memberId at index 1",
			records: []domain.Record{
				{MemberID: "m1", RequestID: "r1"},
				{MemberID: "", RequestID: "r2"},
			},
			wantErr: "indices: 1",
		},
		{
			name: "missing requestId at multiple indices",
			records: []domain.Record{
				{MemberID: "m1", RequestID: ""},
				{MemberID: "m2", RequestID: "r2"},
				{MemberID: "m3", RequestID: ""},
			},
			wantErr: "indices: 0,2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRecords(tc.records)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}
