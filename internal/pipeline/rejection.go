package pipeline

import (
	"net/http"
	"time"
)

// Rejection codes returned to callers.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeNoOrganization   = "NO_ORGANIZATION"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeForbidden        = "FORBIDDEN"
	CodeInternal         = "INTERNAL_ERROR"
)

// Stage names the pipeline step that produced a rejection.
type Stage string

const (
	StageAuthenticate Stage = "authenticate"
	StageAuthorize    Stage = "authorize"
	StageThrottle     Stage = "throttle"
)

// Rejection is the terminal answer for a request that may not proceed. Required, RetryAfter,
// Limit and Window are only set for the codes that carry them.
type Rejection struct {
	HTTPStatus int
	Code       string
	Message    string
	Required   []string
	RetryAfter time.Duration
	Limit      int
	Window     time.Duration
	Stage      Stage
}

func authRequired() *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusUnauthorized,
		Code:       CodeAuthRequired,
		Message:    "authentication required",
		Stage:      StageAuthenticate,
	}
}

func tokenExpired() *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusUnauthorized,
		Code:       CodeTokenExpired,
		Message:    "token expired",
		Stage:      StageAuthenticate,
	}
}

func invalidToken() *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusUnauthorized,
		Code:       CodeInvalidToken,
		Message:    "invalid token",
		Stage:      StageAuthenticate,
	}
}

func noOrganization() *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusForbidden,
		Code:       CodeNoOrganization,
		Message:    "token does not name an organization",
		Stage:      StageAuthenticate,
	}
}

func permissionDenied(required []string) *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusForbidden,
		Code:       CodePermissionDenied,
		Message:    "missing required permission",
		Required:   append([]string(nil), required...),
		Stage:      StageAuthorize,
	}
}

func forbidden(msg string) *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusForbidden,
		Code:       CodeForbidden,
		Message:    msg,
		Stage:      StageAuthorize,
	}
}

func rateLimited(retryAfter time.Duration, limit int, window time.Duration) *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    "organization rate limit exceeded",
		RetryAfter: retryAfter,
		Limit:      limit,
		Window:     window,
		Stage:      StageThrottle,
	}
}

func internalError(stage Stage) *Rejection {
	return &Rejection{
		HTTPStatus: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    "internal error",
		Stage:      stage,
	}
}
