package models

// APIError is the structured JSON error envelope returned whenever the
// engine has to answer for the origin. Pages inspect Code to tell a
// transport failure apart from an ordinary empty result.
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error codes for the failure modes the engine can hit on behalf of a page.
const (
	ErrCodeOriginUnreachable = "ORIGIN_UNREACHABLE"
	ErrCodeNoFallback        = "NO_FALLBACK"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)
