package domain

import "errors"

// Error taxonomy shared by every component. Specific errors wrap one of these
// so the HTTP layer can map them with errors.Is.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("invalid request")
)
