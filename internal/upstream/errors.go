package upstream

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the terminal failure class of a logical request.
type ErrorCode string

const (
	// CodeAllEndpointsForbidden means every configured endpoint rejected the
	// credential with 403.
	CodeAllEndpointsForbidden ErrorCode = "ALL_ENDPOINTS_FORBIDDEN"
	// CodeResourceExhausted means quota ran out on every candidate credential
	// or the retry budget was spent.
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	// CodeInvalidArgument is a client-side request defect reported upstream.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// CodeIllegalPrompt is the provider refusing the content itself.
	CodeIllegalPrompt ErrorCode = "ILLEGAL_PROMPT"
	// CodeUpstreamError covers everything else the upstream rejected.
	CodeUpstreamError ErrorCode = "UPSTREAM_ERROR"
)

// Error is a terminal upstream rejection carrying the raw body for the
// caller. Recoverable rejections never surface as Error; they are consumed
// by the retry loop.
type Error struct {
	Code   ErrorCode
	Status int
	Body   string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream rejected request: %s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("upstream rejected request: %s (HTTP %d): %s", e.Code, e.Status, e.Body)
}

// AsError unwraps err into *Error when it is one.
func AsError(err error) (*Error, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ErrUnavailable wraps network failures and timeouts. The underlying error
// is preserved for the caller; no implicit retry happens on this path.
var ErrUnavailable = errors.New("upstream unavailable")
