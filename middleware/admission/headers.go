package admission

import (
	"encoding/json"
	"net/http"

	"stream-gateway/middleware/admission/domain"
)

// WriteRateLimitHeaders anota limite, restante e reset da decisão.
func WriteRateLimitHeaders(h http.Header, dec domain.Decision) {
	h.Set("X-RateLimit-Limit", formatInt(dec.Limit))
	h.Set("X-RateLimit-Remaining", formatInt(max(dec.Remaining, 0)))
	if !dec.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", formatUnix(dec.Reset))
	}
	if dec.Kind != "" {
		h.Set("X-RateLimit-Limit-Type", string(dec.Kind))
	}
}

type rejectionBody struct {
	Status            int    `json:"status"`
	Reason            string `json:"reason"`
	Kind              string `json:"limit_type,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// WriteRejection responde uma decisão negada: headers, Retry-After e corpo JSON.
func WriteRejection(w http.ResponseWriter, dec domain.Decision, status int) {
	if status == 0 {
		status = http.StatusTooManyRequests
	}
	secs := retryAfterSeconds(dec.RetryAfter)

	WriteRateLimitHeaders(w.Header(), dec)
	w.Header().Set("Retry-After", formatInt(secs))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	reason := "rate_limit_exceeded"
	if dec.Kind == domain.KindConnection {
		reason = "connection_limit_exceeded"
	}
	_ = json.NewEncoder(w).Encode(rejectionBody{
		Status:            status,
		Reason:            reason,
		Kind:              string(dec.Kind),
		RetryAfterSeconds: secs,
	})
}
