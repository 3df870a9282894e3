package auth

import (
	"errors"
	"fmt"
)

// ErrInvalidToken is the root of every credential failure. The specific failures below wrap it,
// so errors.Is(err, ErrInvalidToken) holds for all of them.
var ErrInvalidToken = errors.New("auth: invalid token")

var (
	ErrInvalidSignature = fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	ErrExpired          = fmt.Errorf("%w: token expired", ErrInvalidToken)
	ErrMalformed        = fmt.Errorf("%w: malformed claims", ErrInvalidToken)
)

var (
	// ErrNoOrganization reports a valid tenant token that does not name an organization.
	ErrNoOrganization = errors.New("auth: token carries no organization")

	errMissingSecret = errors.New("auth: signing secret is not configured")
)
