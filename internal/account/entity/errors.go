package entity

import "errors"

// ErrLocked is returned when a reset code is requested during an active lockout.
var ErrLocked = errors.New("password reset locked")
