package entity

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Account is the credential record stored in the `accounts` table.
// Nullable columns are pointers; the password hash never leaves the service layer.
type Account struct {
	ID              string `db:"id" json:"id"`
	Email           string `db:"email" json:"email"`
	PasswordHash    string `db:"password_hash" json:"-"`
	FirstName       string `db:"first_name" json:"firstName"`
	LastName        string `db:"last_name" json:"lastName"`
	IsActive        bool   `db:"is_active" json:"isActive"`
	IsEmailVerified bool   `db:"is_email_verified" json:"isEmailVerified"`

	OTP          *string    `db:"otp" json:"-"`
	OTPExpiresAt *time.Time `db:"otp_expires_at" json:"-"`

	ResetOTP          *string    `db:"reset_otp" json:"-"`
	ResetOTPExpiresAt *time.Time `db:"reset_otp_expires_at" json:"-"`
	ResetAttemptCount int        `db:"reset_attempt_count" json:"-"`
	ResetRequestCount int        `db:"reset_request_count" json:"-"`
	ResetLockedUntil  *time.Time `db:"reset_locked_until" json:"-"`
	ResetVerifiedAt   *time.Time `db:"reset_verified_at" json:"-"`
	PasswordChangedAt *time.Time `db:"password_changed_at" json:"-"`

	LastSeenAt *time.Time `db:"last_seen_at" json:"lastSeenAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// Summary is the public projection returned to clients.
type Summary struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	FirstName       string     `json:"firstName"`
	LastName        string     `json:"lastName"`
	IsActive        bool       `json:"isActive"`
	IsEmailVerified bool       `json:"isEmailVerified"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func (a *Account) Summary() Summary {
	return Summary{
		ID:              a.ID,
		Email:           a.Email,
		FirstName:       a.FirstName,
		LastName:        a.LastName,
		IsActive:        a.IsActive,
		IsEmailVerified: a.IsEmailVerified,
		LastSeenAt:      a.LastSeenAt,
		CreatedAt:       a.CreatedAt,
	}
}

// NormalizeEmail lower-cases and trims an address so it can be used as a lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CodeFunc produces a one-time code.
type CodeFunc func() (string, error)

// NewCode returns a uniformly random 6-digit code in 100000..999999.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}

// GenerateOTP issues an email verification code valid for ttl, replacing any previous one.
func (a *Account) GenerateOTP(gen CodeFunc, now time.Time, ttl time.Duration) (string, error) {
	code, err := gen()
	if err != nil {
		return "", err
	}
	exp := now.Add(ttl)
	a.OTP = &code
	a.OTPExpiresAt = &exp
	return code, nil
}

// VerifyOTP reports whether code matches the stored email code and has not expired.
func (a *Account) VerifyOTP(code string, now time.Time) bool {
	if a.OTP == nil || a.OTPExpiresAt == nil {
		return false
	}
	return *a.OTP == code && now.Before(*a.OTPExpiresAt)
}

// MarkEmailVerified consumes the email code.
func (a *Account) MarkEmailVerified() {
	a.OTP = nil
	a.OTPExpiresAt = nil
	a.IsEmailVerified = true
}

// ResetPolicy bounds the password reset flow.
type ResetPolicy struct {
	TTL          time.Duration
	MaxAttempts  int
	LockDuration time.Duration
}

// DefaultResetPolicy: 15 minute codes, 5 tries, 1 hour lock.
func DefaultResetPolicy() ResetPolicy {
	return ResetPolicy{TTL: 15 * time.Minute, MaxAttempts: 5, LockDuration: time.Hour}
}

// IsResetLocked reports whether reset verification is refused at now.
func (a *Account) IsResetLocked(now time.Time) bool {
	return a.ResetLockedUntil != nil && now.Before(*a.ResetLockedUntil)
}

// ClearExpiredResetLock drops a lock whose time has passed together with both counters.
// It reports whether anything was cleared.
func (a *Account) ClearExpiredResetLock(now time.Time) bool {
	if a.ResetLockedUntil == nil || a.IsResetLocked(now) {
		return false
	}
	a.ResetLockedUntil = nil
	a.ResetAttemptCount = 0
	a.ResetRequestCount = 0
	return true
}

func (a *Account) lockReset(now time.Time, d time.Duration) {
	until := now.Add(d)
	a.ResetLockedUntil = &until
}

// GeneratePasswordResetOTP issues a fresh reset code. It fails with ErrLocked while a lock is
// active; an expired lock is cleared first. Every request counts towards the lock, so the
// MaxAttempts-th request still returns a code but leaves the account locked.
func (a *Account) GeneratePasswordResetOTP(gen CodeFunc, now time.Time, p ResetPolicy) (string, error) {
	if a.IsResetLocked(now) {
		return "", ErrLocked
	}
	a.ClearExpiredResetLock(now)
	code, err := gen()
	if err != nil {
		return "", err
	}
	exp := now.Add(p.TTL)
	a.ResetOTP = &code
	a.ResetOTPExpiresAt = &exp
	a.ResetVerifiedAt = nil
	a.ResetAttemptCount = 0
	a.ResetRequestCount++
	if a.ResetRequestCount >= p.MaxAttempts {
		a.lockReset(now, p.LockDuration)
	}
	return code, nil
}

// VerifyPasswordResetOTP is a pure check: false while locked, otherwise true iff code matches
// and has not expired. It never mutates the account.
func (a *Account) VerifyPasswordResetOTP(code string, now time.Time) bool {
	if a.IsResetLocked(now) {
		return false
	}
	if a.ResetOTP == nil || a.ResetOTPExpiresAt == nil {
		return false
	}
	return *a.ResetOTP == code && now.Before(*a.ResetOTPExpiresAt)
}

// MarkResetVerified moves the reset flow to verified-pending-reset.
func (a *Account) MarkResetVerified(now time.Time) {
	t := now
	a.ResetVerifiedAt = &t
}

// CanCompletePasswordReset requires a prior successful verification of the current code
// and that the code still matches.
func (a *Account) CanCompletePasswordReset(code string, now time.Time) bool {
	return a.ResetVerifiedAt != nil && a.VerifyPasswordResetOTP(code, now)
}

// RecordFailedResetAttempt counts a failed verification and reports whether it locked the account.
func (a *Account) RecordFailedResetAttempt(now time.Time, p ResetPolicy) bool {
	a.ResetAttemptCount++
	if a.ResetAttemptCount >= p.MaxAttempts {
		a.lockReset(now, p.LockDuration)
		return true
	}
	return false
}

// CompletePasswordReset installs hash and returns the reset sub-state to idle.
func (a *Account) CompletePasswordReset(hash string, now time.Time) {
	a.SetPasswordHash(hash, now)
	a.ResetOTP = nil
	a.ResetOTPExpiresAt = nil
	a.ResetVerifiedAt = nil
	a.ResetAttemptCount = 0
	a.ResetRequestCount = 0
	a.ResetLockedUntil = nil
}

func (a *Account) SetPasswordHash(hash string, now time.Time) {
	a.PasswordHash = hash
	t := now
	a.PasswordChangedAt = &t
}

// Touch stamps the last activity time.
func (a *Account) Touch(now time.Time) {
	t := now
	a.LastSeenAt = &t
}
