// Package classify maps a raw outcome from the HTTP Executor (C2) into the
// closed error taxonomy the rest of the pipeline reasons about (spec §4.3).
// No component downstream of here ever inspects a raw error value.
package classify

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Category is the closed taxonomy. No other values are ever produced.
type Category string

const (
	RequiresUserAction Category = "REQUIRES_USER_ACTION"
	AuthError          Category = "AUTH_ERROR"
	TemporaryFailure   Category = "TEMPORARY_FAILURE"
	SystemError        Category = "SYSTEM_ERROR"
	NetworkError       Category = "NETWORK_ERROR"
	UnknownError       Category = "UNKNOWN_ERROR"
)

// Outcome is the structured classification every failure is reduced to
// before crossing a component boundary.
type Outcome struct {
	Category           Category
	StatusCode         int
	Message            string
	CanRetry           bool
	UserActionRequired bool
	ValidationErrors   interface{}
	PermissionInfo     interface{}
	UserActionGuidance string
	RawError           string
}

// FromStatus classifies a completed HTTP response (status < 500, since 5xx
// arrives as a transport-level error from C2).
func FromStatus(status int, headers http.Header, body []byte) Outcome {
	category := categoryForStatus(status)
	o := Outcome{
		Category:           category,
		StatusCode:         status,
		CanRetry:           canRetry(category),
		UserActionRequired: category == RequiresUserAction,
		Message:            messageForStatus(status),
	}

	if status == 400 || status == 422 {
		o.ValidationErrors = extractJSONPath(body, "errors", "validationErrors", "details")
	}
	if status == 403 {
		o.PermissionInfo = extractPermissionInfo(body, headers)
	}
	o.UserActionGuidance = extractUserActionGuidance(body, headers)

	return o
}

// FromError classifies a transport-level failure (timeout, connection
// refused, DNS failure). A >=500 StatusError from C2 is not recognised
// here; callers route it to FromServerError.
func FromError(err error) Outcome {
	if err == nil {
		return Outcome{Category: UnknownError, Message: "nil error"}
	}

	if isNetworkFailure(err) {
		return Outcome{
			Category: NetworkError,
			CanRetry: true,
			Message:  err.Error(),
			RawError: err.Error(),
		}
	}

	return Outcome{
		Category: UnknownError,
		Message:  err.Error(),
		RawError: err.Error(),
	}
}

// FromServerError classifies a >=500 status, surfaced by C2 as an error
// rather than a Response.
func FromServerError(status int, body []byte) Outcome {
	return Outcome{
		Category:   SystemError,
		StatusCode: status,
		CanRetry:   canRetry(SystemError),
		Message:    messageForStatus(status),
		RawError:   string(body),
	}
}

func categoryForStatus(status int) Category {
	switch status {
	case 403:
		// REQUIRES_USER_ACTION and AUTH_ERROR both claim 403; the spec
		// resolves the overlap in favor of REQUIRES_USER_ACTION.
		return RequiresUserAction
	case 400, 404, 409, 422:
		return RequiresUserAction
	case 401:
		return AuthError
	case 429:
		return TemporaryFailure
	}
	if status >= 500 {
		return SystemError
	}
	return UnknownError
}

func canRetry(c Category) bool {
	return c == TemporaryFailure || c == NetworkError
}

func messageForStatus(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "unrecognized status"
}

func isNetworkFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dns")
}

// extractJSONPath tries each candidate top-level JSON key in body and
// returns the first one present, matching the "errors | validationErrors |
// details" alternation the spec requires.
func extractJSONPath(body []byte, keys ...string) interface{} {
	if len(body) == 0 {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			return v
		}
	}
	return nil
}

func extractPermissionInfo(body []byte, headers http.Header) interface{} {
	if v := extractJSONPath(body, "permission", "requiredPermissions"); v != nil {
		return v
	}
	if h := headers.Get("required-permission"); h != "" {
		return h
	}
	return nil
}

func extractUserActionGuidance(body []byte, headers http.Header) string {
	if v := extractJSONPath(body, "userAction", "userGuidance"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return headers.Get("user-action")
}
