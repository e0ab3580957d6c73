package account

import "errors"

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrBadCredentials     = errors.New("invalid email or password")
	ErrDeactivated        = errors.New("account deactivated")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrResetLocked        = errors.New("too many password reset attempts, try again later")
	ErrInvalidOTP         = errors.New("invalid or expired otp")
	ErrInvalidCredentials = errors.New("current password is incorrect")
	ErrAlreadyVerified    = errors.New("email already verified")
	ErrDelivery           = errors.New("failed to send email")
	ErrPasswordTooLong    = errors.New("password must be at most 72 bytes")
)
