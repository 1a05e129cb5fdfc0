package auth

import "errors"

// ErrSignedOut is returned when a token is requested while signed out.
var ErrSignedOut = errors.New("not signed in")
