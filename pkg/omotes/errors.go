package omotes

import (
	"errors"

	"omotes/internal/apperrors"
)

// Errors returned by Client, for use with errors.Is.
var (
	ErrTransport  = apperrors.ErrTransport
	ErrDecode     = apperrors.ErrDecode
	ErrTimeout    = apperrors.ErrTimeout
	ErrCancel     = apperrors.ErrCancel
	ErrNotFound   = apperrors.ErrNotFound
	ErrConflict   = apperrors.ErrConflict
	ErrValidation = apperrors.ErrValidation

	// ErrNotStarted is returned by calls that need the broker before Start.
	ErrNotStarted = errors.New("omotes: client not started")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("omotes: client stopped")
)
