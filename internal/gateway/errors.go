package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/Eccentric-jamaican/t3-chat-replica-sub002/internal/provider"
)

// ErrorCodeHeader carries the machine-readable error code on every non-2xx
// response, mirroring the code field in the JSON body.
const ErrorCodeHeader = "x-sendcat-error-code"

// HTTP-surface error codes.
const (
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeMethodNotAllowed = "method_not_allowed"
	codeInvalidJSON      = "invalid_json"
	codeInvalidRequest   = "invalid_request"
	codeUnsupportedMedia = "unsupported_media_type"
	codePayloadTooLarge  = "payload_too_large"
	codeRateLimited      = "rate_limited"
	codeMisconfigured    = "misconfigured"
	codeInternalError    = "internal_error"
)

type fieldIssue struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

type errorBody struct {
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	RetryAfterMs int64        `json:"retryAfterMs,omitempty"`
	Issues       []fieldIssue `json:"issues,omitempty"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("encode response", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set(ErrorCodeHeader, code)
	g.writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeRateLimited answers a shedding decision: 429 plus a Retry-After
// seconds header rounded up from the millisecond hint.
func (g *Gateway) writeRateLimited(w http.ResponseWriter, message string, retryAfterMs int64) {
	w.Header().Set(ErrorCodeHeader, codeRateLimited)
	setRetryAfter(w, retryAfterMs)
	g.writeJSON(w, http.StatusTooManyRequests, errorBody{
		Code:         codeRateLimited,
		Message:      message,
		RetryAfterMs: retryAfterMs,
	})
}

func (g *Gateway) writeInvalidRequest(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	body := errorBody{Code: codeInvalidRequest, Message: "request failed validation"}
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			body.Issues = append(body.Issues, fieldIssue{Field: fe.Field(), Rule: fe.Tag()})
		}
	}
	w.Header().Set(ErrorCodeHeader, codeInvalidRequest)
	g.writeJSON(w, http.StatusBadRequest, body)
}

// writeUpstreamError maps a classified provider failure onto the HTTP
// boundary. The upstream code rides the error header; the body is the
// client-safe projection.
func (g *Gateway) writeUpstreamError(w http.ResponseWriter, err error) {
	var ue *provider.UpstreamError
	if !errors.As(err, &ue) {
		g.logger.Error("unclassified provider error", "error", err)
		g.writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}
	w.Header().Set(ErrorCodeHeader, ue.Code)
	setRetryAfter(w, ue.RetryAfterMs)
	g.writeJSON(w, upstreamHTTPStatus(ue.Code), ue)
}

func upstreamHTTPStatus(code string) int {
	switch code {
	case provider.CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case provider.CodeRateLimited:
		return http.StatusTooManyRequests
	case provider.CodeAuth:
		return http.StatusUnauthorized
	case provider.CodeBadRequest:
		return http.StatusBadRequest
	case provider.CodeTimeout:
		return http.StatusGatewayTimeout
	case provider.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func setRetryAfter(w http.ResponseWriter, ms int64) {
	if ms <= 0 {
		return
	}
	secs := (ms + 999) / 1000
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
