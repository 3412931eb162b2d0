package middleware

// ErrorResponse is the envelope middleware write when they reject a request
// before it reaches a handler. Handlers respond through pkg/httputil; this
// type exists so middleware rejections carry the same shape plus the
// request ID for correlation.
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
