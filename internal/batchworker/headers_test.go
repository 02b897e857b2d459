package batchworker

import (
	"encoding/base64"
	"testing"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

func TestBuildHeaders(t *testing.T) {
	auth := domain.Auth{UserID: "user-1", APIKey: "key-123"}
	headers := buildHeaders(auth)

	wantToken := base64.StdEncoding.EncodeToString([]byte("user-1:key-123"))
	if got := headers["Authorization"]; got != "Basic "+wantToken {
		t.Fatalf("Authorization = %q, want Basic %s", got, wantToken)
	}
	if got := headers["X-User-Id"]; got != "user-1" {
		t.Fatalf("X-User-Id = %q, want user-1", got)
	}
	if headers["Content-Type"] != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", headers["Content-Type"])
	}
}
