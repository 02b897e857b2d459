package batchworker

import (
	"encoding/base64"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// buildHeaders derives the outbound request headers from a Session's Auth
// (spec §4.8 step 3): Basic base64(userId:apiKey) plus X-User-Id.
func buildHeaders(auth domain.Auth) map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(auth.UserID + ":" + auth.APIKey))
	return map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    "POC-Excel-Formatter/1.0",
		"Authorization": "Basic " + token,
		"X-User-Id":     auth.UserID,
	}
}
