package classify

import (
	"errors"
	"net/http"
	"testing"
)

func TestFromStatusCategoryMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Category
	}{
		{400, RequiresUserAction},
		{403, RequiresUserAction},
		{404, RequiresUserAction},
		{409, RequiresUserAction},
		{422, RequiresUserAction},
		{401, AuthError},
		{429, TemporaryFailure},
		{502, SystemError},
		{599, SystemError},
		{418, UnknownError},
	}
	for _, tc := range cases {
		got := FromStatus(tc.status, http.Header{}, nil)
		if got.Category != tc.want {
			t.Errorf("FromStatus(%d).Category = %s, want %s", tc.status, got.Category, tc.want)
		}
	}
}

func TestCanRetryOnlyForTemporaryAndNetwork(t *testing.T) {
	retryable := map[Category]bool{
		RequiresUserAction: false,
		AuthError:          false,
		TemporaryFailure:   true,
		SystemError:        false,
		NetworkError:       true,
		UnknownError:       false,
	}
	for category, want := range retryable {
		if got := canRetry(category); got != want {
			t.Errorf("canRetry(%s) = %v, want %v", category, got, want)
		}
	}
}

func TestFromStatusExtractsValidationErrors(t *testing.T) {
	body := []byte(`{"errors":["memberId required"]}`)
	out := FromStatus(400, http.Header{}, body)
	if out.ValidationErrors == nil {
		t.Fatalf("expected validationErrors to be populated for 400")
	}
}

func TestFromStatusExtractsPermissionInfoFromHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("required-permission", "members:write")
	out := FromStatus(403, headers, nil)
	if out.PermissionInfo != "members:write" {
		t.Fatalf("expected permission info from header, got %v", out.PermissionInfo)
	}
	if out.Category != RequiresUserAction {
		t.Fatalf("403 must resolve to REQUIRES_USER_ACTION, got %s", out.Category)
	}
}

func TestFromStatusExtractsUserActionGuidance(t *testing.T) {
	headers := http.Header{}
	headers.Set("user-action", "update your billing info")
	out := FromStatus(402, headers, nil)
	if out.UserActionGuidance != "update your billing info" {
		t.Fatalf("expected guidance from header, got %q", out.UserActionGuidance)
	}
}

func TestFromErrorClassifiesNetworkFailures(t *testing.T) {
	err := errors.New("dial tcp: connection refused")
	out := FromError(err)
	if out.Category != NetworkError {
		t.Fatalf("expected NETWORK_ERROR, got %s", out.Category)
	}
	if !out.CanRetry {
		t.Fatalf("expected network errors to be retryable")
	}
}

func TestFromErrorFallsBackToUnknown(t *testing.T) {
	err := errors.New("something bizarre happened")
	out := FromError(err)
	if out.Category != UnknownError {
		t.Fatalf("expected UNKNOWN_ERROR, got %s", out.Category)
	}
}

func TestFromServerErrorIsSystemErrorAndNotRetryable(t *testing.T) {
	out := FromServerError(503, []byte("upstream down"))
	if out.Category != SystemError {
		t.Fatalf("expected SYSTEM_ERROR, got %s", out.Category)
	}
	if out.CanRetry {
		t.Fatalf("SYSTEM_ERROR must not be retryable per the closed taxonomy")
	}
}
