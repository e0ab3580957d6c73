package account

import (
	"os"
	"strconv"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

type Config struct {
	OTPTTL     time.Duration
	Reset      entity.ResetPolicy
	BcryptCost int
}

// ConfigFromEnv reads OTP and hashing knobs. Durations use time.ParseDuration syntax.
func ConfigFromEnv() Config {
	cfg := Config{
		OTPTTL:     10 * time.Minute,
		Reset:      entity.DefaultResetPolicy(),
		BcryptCost: defaultBcryptCost,
	}
	if d, err := time.ParseDuration(os.Getenv("OTP_TTL")); err == nil && d > 0 {
		cfg.OTPTTL = d
	}
	if d, err := time.ParseDuration(os.Getenv("RESET_OTP_TTL")); err == nil && d > 0 {
		cfg.Reset.TTL = d
	}
	if d, err := time.ParseDuration(os.Getenv("RESET_LOCK_DURATION")); err == nil && d > 0 {
		cfg.Reset.LockDuration = d
	}
	if n, err := strconv.Atoi(os.Getenv("RESET_MAX_ATTEMPTS")); err == nil && n > 0 {
		cfg.Reset.MaxAttempts = n
	}
	if n, err := strconv.Atoi(os.Getenv("BCRYPT_COST")); err == nil && n > 0 {
		cfg.BcryptCost = n
	}
	return cfg
}
