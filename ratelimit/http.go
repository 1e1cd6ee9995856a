package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// RejectedBody is the JSON body of a 429 response.
type RejectedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// WriteHeaders sets the X-RateLimit-* headers from d. Reset is in unix seconds.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// WriteRejected sends 429 Too Many Requests with Retry-After.
func WriteRejected(w http.ResponseWriter, d Decision, now time.Time) {
	secs := RetryAfterSeconds(d.RetryAfter(now))
	WriteHeaders(w, d)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(RejectedBody{
		Error:      "rate_limit_exceeded",
		Message:    "too many requests; try again later",
		RetryAfter: secs,
	})
}

// RetryAfterSeconds rounds d up to whole seconds, at least one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
