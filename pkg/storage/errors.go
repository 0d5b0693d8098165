package storage

import "errors"

var (
	// ErrTooLarge is returned by Put when the stream exceeds the configured limit.
	ErrTooLarge = errors.New("storage: object exceeds size limit")
	// ErrInvalidToken is returned for malformed or tampered signed URL tokens.
	ErrInvalidToken = errors.New("storage: invalid signed token")
	// ErrTokenExpired is returned for signed URL tokens past their expiry.
	ErrTokenExpired = errors.New("storage: signed token expired")
)
