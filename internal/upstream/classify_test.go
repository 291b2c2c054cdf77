package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   responseClass
	}{
		{"403 is forbidden regardless of body", 403, "whatever", classForbidden},
		{"429 is rate limited", 429, "", classRateLimited},
		{"400 quota marker", 400, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, classQuotaExhausted},
		{"400 quota exceeded text", 400, "Quota exceeded for metric", classQuotaExhausted},
		{"400 consumer invalid", 400, `{"error":{"status":"CONSUMER_INVALID"}}`, classProjectInvalid},
		{"400 payload too large", 400, "Request payload size exceeds the limit: 20971520 bytes", classPayloadTooLarge},
		{"400 invalid argument", 400, `{"error":{"status":"INVALID_ARGUMENT"}}`, classInvalidArgument},
		{"400 unrecognized body", 400, "something else", classBadRequest},
		{"500 internal marker", 500, `{"error":{"status":"INTERNAL"}}`, classInternal},
		{"500 without marker", 500, "oops", classOther},
		{"503 with quota marker", 503, "rateLimitExceeded", classQuotaExhausted},
		{"502 plain", 502, "bad gateway", classOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.status, tt.body))
		})
	}
}

func TestIsPermissionDenied(t *testing.T) {
	assert.True(t, isPermissionDenied(`{"error":{"status":"PERMISSION_DENIED"}}`))
	assert.True(t, isPermissionDenied("Permission denied on resource"))
	assert.False(t, isPermissionDenied("account suspended"))
}
