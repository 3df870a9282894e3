package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"ontour.app/internal/pipeline"
)

// errorBody is the JSON shape of every non-2xx answer.
type errorBody struct {
	HTTPStatus int      `json:"httpStatus"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Error      string   `json:"error,omitempty"`
	Required   []string `json:"required,omitempty"`
	RetryAfter int      `json:"retryAfter,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Window     int      `json:"window,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		RequestID:  requestIDFrom(r.Context()),
	})
}

func writeRejection(w http.ResponseWriter, r *http.Request, rej *pipeline.Rejection) {
	if rej == nil {
		rej = &pipeline.Rejection{HTTPStatus: http.StatusInternalServerError, Code: pipeline.CodeInternal, Message: "internal error"}
	}
	body := errorBody{
		HTTPStatus: rej.HTTPStatus,
		Code:       rej.Code,
		Message:    rej.Message,
		Required:   rej.Required,
		RequestID:  requestIDFrom(r.Context()),
	}
	switch rej.HTTPStatus {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="ontour"`)
	case http.StatusTooManyRequests:
		body.RetryAfter = wholeSeconds(rej.RetryAfter)
		body.Limit = rej.Limit
		body.Window = wholeSeconds(rej.Window)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, rej.HTTPStatus, body)
}

func writeQuota(w http.ResponseWriter, q *pipeline.Quota) {
	if q == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(q.ResetAt.Unix(), 10))
}

func wholeSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
