package provider

import (
	"fmt"
	"strconv"
	"strings"
)

// Upstream error codes. These travel to clients in the x-sendcat-error-code
// header and the error body, so they are part of the API contract.
const (
	CodeQuotaExceeded = "upstream_quota_exceeded"
	CodeRateLimited   = "upstream_rate_limited"
	CodeAuth          = "upstream_auth"
	CodeBadRequest    = "upstream_bad_request"
	CodeUnavailable   = "upstream_unavailable"
	CodeTimeout       = "upstream_timeout"
	CodeError         = "upstream_error"
)

const timeoutRetryAfterMs = 1_000

// UpstreamError is a classified provider failure. The JSON shape is the
// client-safe projection; the wrapped cause stays server-side.
type UpstreamError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Status       int    `json:"status,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Retryable    bool   `json:"retryable"`
	ProviderID   string `json:"providerId,omitempty"`
	RouteID      string `json:"routeId,omitempty"`

	cause error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *UpstreamError) Unwrap() error { return e.cause }

// Classify maps a non-OK HTTP status and its Retry-After header to an
// UpstreamError.
func Classify(status int, retryAfter string) *UpstreamError {
	ra := ParseRetryAfterMs(retryAfter)
	msg := fmt.Sprintf("provider returned HTTP %d", status)
	switch {
	case status == 402:
		return &UpstreamError{Code: CodeQuotaExceeded, Message: msg, Status: status, Retryable: true, RetryAfterMs: ra}
	case status == 429:
		return &UpstreamError{Code: CodeRateLimited, Message: msg, Status: status, Retryable: true, RetryAfterMs: ra}
	case status == 401 || status == 403:
		return &UpstreamError{Code: CodeAuth, Message: msg, Status: status, Retryable: false}
	case status == 400 || status == 404 || status == 422:
		return &UpstreamError{Code: CodeBadRequest, Message: msg, Status: status, Retryable: false}
	case status >= 500:
		return &UpstreamError{Code: CodeUnavailable, Message: msg, Status: status, Retryable: true, RetryAfterMs: ra}
	default:
		return &UpstreamError{Code: CodeError, Message: msg, Status: status, Retryable: true, RetryAfterMs: ra}
	}
}

// ParseRetryAfterMs converts a Retry-After header in seconds to
// milliseconds. Anything unparsable is 0.
func ParseRetryAfterMs(header string) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return secs * 1_000
}

// failoverCodes are the error codes worth burning the secondary route on.
// Auth and bad-request failures would fail identically there.
var failoverCodes = map[string]bool{
	CodeQuotaExceeded: true,
	CodeUnavailable:   true,
	CodeTimeout:       true,
	CodeRateLimited:   true,
	CodeError:         true,
}

// ShouldAttemptFailover reports whether code justifies moving to the next
// route.
func ShouldAttemptFailover(code string) bool { return failoverCodes[code] }
