package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// Store is the record store. Lookups return repo.ErrNotFound when nothing matches;
// the Active variants also treat deactivated accounts as missing.
type Store interface {
	Create(ctx context.Context, a *entity.Account) error
	FindByEmail(ctx context.Context, email string) (*entity.Account, error)
	FindActiveByEmail(ctx context.Context, email string) (*entity.Account, error)
	FindByID(ctx context.Context, id string) (*entity.Account, error)
	FindActiveByID(ctx context.Context, id string) (*entity.Account, error)
	Save(ctx context.Context, a *entity.Account) error
}

// TokenIssuer issues and revokes access/refresh pairs.
type TokenIssuer interface {
	IssuePair(ctx context.Context, accountID, email string) (*token.Pair, error)
	Consume(ctx context.Context, refreshToken string) (string, error)
	Revoke(ctx context.Context, refreshToken string) error
	RevokeAll(ctx context.Context, accountID string) error
}

// Service orchestrates the credential lifecycle: registration, login, email verification
// and the password reset state machine.
type Service struct {
	store  Store
	tokens TokenIssuer
	sink   notify.Sink
	hasher PasswordHasher
	logger *zap.SugaredLogger
	cfg    Config

	// Now and NewCode are replaceable for tests.
	Now     func() time.Time
	NewCode entity.CodeFunc
	NewID   func() string
}

func NewService(store Store, tokens TokenIssuer, sink notify.Sink, hasher PasswordHasher, logger *zap.SugaredLogger, cfg Config) *Service {
	if hasher == nil {
		hasher = BcryptHasher{Cost: cfg.BcryptCost}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:   store,
		tokens:  tokens,
		sink:    sink,
		hasher:  hasher,
		logger:  logger,
		cfg:     cfg,
		Now:     time.Now,
		NewCode: entity.NewCode,
		NewID:   utilities.NewSnowflakeID,
	}
}

// AuthResult is returned by every operation that signs the caller in.
type AuthResult struct {
	User   entity.Summary `json:"user"`
	Tokens *token.Pair    `json:"tokens"`
}

type RegisterInput struct {
	FirstName string
	LastName  string
	Email     string
	Password  string
}

func (s *Service) issue(ctx context.Context, a *entity.Account) (*AuthResult, error) {
	pair, err := s.tokens.IssuePair(ctx, a.ID, a.Email)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	return &AuthResult{User: a.Summary(), Tokens: pair}, nil
}

func (s *Service) save(ctx context.Context, a *entity.Account) error {
	a.UpdatedAt = s.Now()
	if err := s.store.Save(ctx, a); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// findActive maps a missing or deactivated account to ErrAccountNotFound.
func (s *Service) findActive(ctx context.Context, email string) (*entity.Account, error) {
	a, err := s.store.FindActiveByEmail(ctx, entity.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return a, nil
}

// Register creates an account that is already email-verified and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	email := entity.NormalizeEmail(in.Email)
	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.Now()
	a := &entity.Account{
		ID:              s.NewID(),
		Email:           email,
		PasswordHash:    hash,
		FirstName:       strings.TrimSpace(in.FirstName),
		LastName:        strings.TrimSpace(in.LastName),
		IsActive:        true,
		IsEmailVerified: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.logger.Infow("account registered", "account_id", a.ID)
	return s.issue(ctx, a)
}

// Login checks the password and signs the account in. Unknown email and wrong password
// produce the same ErrBadCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	a, err := s.store.FindByEmail(ctx, entity.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if !s.hasher.Verify(a.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	if !a.IsActive {
		return nil, ErrDeactivated
	}
	a.Touch(s.Now())
	if err := s.save(ctx, a); err != nil {
		return nil, err
	}
	return s.issue(ctx, a)
}

// VerifyEmail consumes the email OTP and signs the account in.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (*AuthResult, error) {
	a, err := s.findActive(ctx, email)
	if err != nil {
		return nil, err
	}
	if !a.VerifyOTP(code, s.Now()) {
		return nil, ErrInvalidOTP
	}
	a.MarkEmailVerified()
	if err := s.save(ctx, a); err != nil {
		return nil, err
	}
	return s.issue(ctx, a)
}

// ResendOTP issues a new email OTP. Delivery is the whole point here, so a failed send is
// reported as ErrDelivery; the stored code stays valid.
func (s *Service) ResendOTP(ctx context.Context, email string) error {
	a, err := s.findActive(ctx, email)
	if err != nil {
		return err
	}
	if a.IsEmailVerified {
		return ErrAlreadyVerified
	}
	code, err := a.GenerateOTP(s.NewCode, s.Now(), s.cfg.OTPTTL)
	if err != nil {
		return err
	}
	if err := s.save(ctx, a); err != nil {
		return err
	}
	if err := s.sink.Send(ctx, verificationMessage(a, code, s.cfg.OTPTTL)); err != nil {
		s.logger.Warnw("verification email delivery failed", "account_id", a.ID, "err", err)
		return ErrDelivery
	}
	return nil
}

// ForgotPassword issues a reset OTP. Unknown emails succeed silently.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	a, err := s.findActive(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			s.logger.Debugw("password reset requested for unknown email")
			return nil
		}
		return err
	}
	code, err := a.GeneratePasswordResetOTP(s.NewCode, s.Now(), s.cfg.Reset)
	if err != nil {
		if errors.Is(err, entity.ErrLocked) {
			return ErrResetLocked
		}
		return err
	}
	if err := s.save(ctx, a); err != nil {
		return err
	}
	if a.ResetLockedUntil != nil {
		s.logger.Warnw("password reset requests locked", "account_id", a.ID, "until", *a.ResetLockedUntil)
	}
	// the code stays issued even when the mail bounces
	if err := s.sink.Send(ctx, resetMessage(a, code, s.cfg.Reset.TTL)); err != nil {
		s.logger.Warnw("password reset email delivery failed", "account_id", a.ID, "err", err)
	}
	return nil
}

// VerifyResetOTP checks a reset code and, on success, marks the account verified-pending-reset.
// Failures count towards the lockout; the failure that reaches the limit already answers
// ErrResetLocked. A lock that has run out is cleared with its counters first.
func (s *Service) VerifyResetOTP(ctx context.Context, email, code string) error {
	a, err := s.findActive(ctx, email)
	if err != nil {
		return err
	}
	now := s.Now()
	if a.IsResetLocked(now) {
		return ErrResetLocked
	}
	a.ClearExpiredResetLock(now)
	if a.VerifyPasswordResetOTP(code, now) {
		a.MarkResetVerified(now)
		return s.save(ctx, a)
	}
	locked := a.RecordFailedResetAttempt(now, s.cfg.Reset)
	if err := s.save(ctx, a); err != nil {
		return err
	}
	if locked {
		s.logger.Warnw("password reset locked after failed attempts", "account_id", a.ID, "attempts", a.ResetAttemptCount)
		return ErrResetLocked
	}
	return ErrInvalidOTP
}

// ResetPassword needs a prior successful VerifyResetOTP. It re-checks the code without
// counting it, installs the new password, returns the reset state to idle, revokes existing
// refresh sessions and signs the account in.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) (*AuthResult, error) {
	a, err := s.findActive(ctx, email)
	if err != nil {
		return nil, err
	}
	if !a.CanCompletePasswordReset(code, s.Now()) {
		return nil, ErrInvalidOTP
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a.CompletePasswordReset(hash, s.Now())
	if err := s.save(ctx, a); err != nil {
		return nil, err
	}
	if err := s.tokens.RevokeAll(ctx, a.ID); err != nil {
		s.logger.Warnw("revoke refresh sessions after reset failed", "account_id", a.ID, "err", err)
	}
	s.logger.Infow("password reset completed", "account_id", a.ID)
	return s.issue(ctx, a)
}

// ChangePassword replaces the password of an authenticated account after checking the
// current one. The stored hash is untouched on any failure.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	a, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	if !a.IsActive {
		return ErrDeactivated
	}
	if !s.hasher.Verify(a.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	a.SetPasswordHash(hash, s.Now())
	return s.save(ctx, a)
}

// Me returns the summary of an active account.
func (s *Service) Me(ctx context.Context, accountID string) (*entity.Summary, error) {
	a, err := s.store.FindActiveByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	sum := a.Summary()
	return &sum, nil
}

// Refresh exchanges a refresh token for a new pair. The old token is spent even when the
// account turns out to be deactivated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	id, err := s.tokens.Consume(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	a, err := s.store.FindActiveByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, token.ErrInvalidToken
		}
		return nil, err
	}
	return s.issue(ctx, a)
}

// Logout revokes a refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.tokens.Revoke(ctx, refreshToken)
}

func verificationMessage(a *entity.Account, code string, ttl time.Duration) notify.Message {
	return notify.Message{
		To:      a.Email,
		Subject: "Verify your email",
		Body: fmt.Sprintf("Hi %s,\n\nYour verification code is %s. It expires in %d minutes.\n",
			a.FirstName, code, int(ttl.Minutes())),
	}
}

func resetMessage(a *entity.Account, code string, ttl time.Duration) notify.Message {
	return notify.Message{
		To:      a.Email,
		Subject: "Reset your password",
		Body: fmt.Sprintf("Hi %s,\n\nUse %s to reset your password. The code expires in %d minutes.\n"+
			"If you did not ask for a reset you can ignore this email.\n",
			a.FirstName, code, int(ttl.Minutes())),
	}
}
