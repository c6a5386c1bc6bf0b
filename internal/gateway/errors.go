package gateway

import (
	"encoding/json"
	"net/http"
)

// jsonErrorResponse is the structured error body returned by EdgeGate.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. The Content-Type
// is set to application/json. Any headers already set on the writer (trace
// ID, rate-limit headroom) are preserved.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		TraceID:    w.Header().Get(traceIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
