package upstream

import "strings"

// responseClass buckets a non-2xx upstream response for the retry loop.
type responseClass int

const (
	classForbidden responseClass = iota
	classQuotaExhausted
	classProjectInvalid
	classInvalidArgument
	classPayloadTooLarge
	classBadRequest
	classRateLimited
	classInternal
	classOther
)

var quotaMarkers = []string{
	"RESOURCE_EXHAUSTED",
	"Quota exceeded",
	"rateLimitExceeded",
}

var projectInvalidMarkers = []string{
	"CONSUMER_INVALID",
	"SERVICE_DISABLED",
}

var invalidArgumentMarkers = []string{
	"INVALID_ARGUMENT",
	"FAILED_PRECONDITION",
}

const payloadTooLargeMarker = "Request payload size exceeds the limit"

func containsAny(body string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// classify maps an upstream status and body to a response class per the
// retry policy table.
func classify(status int, body string) responseClass {
	switch {
	case status == 403:
		return classForbidden
	case status == 429:
		return classRateLimited
	case status == 400 && containsAny(body, quotaMarkers):
		return classQuotaExhausted
	case status == 400 && containsAny(body, projectInvalidMarkers):
		return classProjectInvalid
	case status == 400 && strings.Contains(body, payloadTooLargeMarker):
		return classPayloadTooLarge
	case status == 400 && containsAny(body, invalidArgumentMarkers):
		return classInvalidArgument
	case status == 400:
		return classBadRequest
	case status == 500 && strings.Contains(body, "INTERNAL"):
		return classInternal
	case containsAny(body, quotaMarkers):
		return classQuotaExhausted
	default:
		return classOther
	}
}

// isPermissionDenied reports whether a 403 body is a policy-level denial
// rather than account state. The distinction decides whether exhausting all
// endpoints disables the credential.
func isPermissionDenied(body string) bool {
	return strings.Contains(body, "PERMISSION_DENIED") ||
		strings.Contains(body, "Permission denied")
}
