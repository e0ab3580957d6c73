package account

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	tokenrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/token/repo"
)

var testKey = func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}()

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (s *recordingSink) Send(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return s.err
}

func (s *recordingSink) last() notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

var codeInBody = regexp.MustCompile(`\b([0-9]{6})\b`)

func (s *recordingSink) lastCode(t *testing.T) string {
	t.Helper()
	m := codeInBody.FindStringSubmatch(s.last().Body)
	require.Len(t, m, 2, "no code in %q", s.last().Body)
	return m[1]
}

type fixture struct {
	svc    *Service
	store  *repo.MemoryRepo
	sink   *recordingSink
	tokens *token.Service
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: repo.NewMemoryRepo(),
		sink:  &recordingSink{},
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.tokens = token.NewService(token.Config{Issuer: "test", AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour},
		testKey, tokenrepo.NewMemorySessionRepo()).WithClock(clock)
	cfg := Config{OTPTTL: 10 * time.Minute, Reset: entity.DefaultResetPolicy()}
	f.svc = NewService(f.store, f.tokens, f.sink, BcryptHasher{Cost: bcrypt.MinCost}, zap.NewNop().Sugar(), cfg)
	f.svc.Now = clock
	seq := 0
	f.svc.NewID = func() string {
		seq++
		return fmt.Sprintf("acc-%d", seq)
	}
	return f
}

func (f *fixture) register(t *testing.T, email, password string) *AuthResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterInput{
		FirstName: "Ada", LastName: "Lovelace", Email: email, Password: password,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) account(t *testing.T, email string) *entity.Account {
	t.Helper()
	a, err := f.store.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return a
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, " User@Example.com", "correct horse")

	assert.Equal(t, "user@example.com", res.User.Email)
	assert.True(t, res.User.IsEmailVerified)
	assert.True(t, res.User.IsActive)
	require.NotNil(t, res.Tokens)
	claims, err := f.tokens.ParseAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Subject)

	a := f.account(t, "user@example.com")
	assert.NotEqual(t, "correct horse", a.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte("correct horse")))
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")

	_, err := f.svc.Register(context.Background(), RegisterInput{
		FirstName: "B", LastName: "C", Email: "USER@example.com ", Password: "another pass",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestBcryptHasher_DefaultCost(t *testing.T) {
	h, err := BcryptHasher{}.Hash("pw")
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(h))
	require.NoError(t, err)
	assert.Equal(t, 12, cost)
	assert.False(t, BcryptHasher{}.Verify("", "pw"))
}

func TestRegister_PasswordOverBcryptLimit(t *testing.T) {
	f := newFixture(t)
	// 40 runes, 80 bytes
	_, err := f.svc.Register(context.Background(), RegisterInput{
		FirstName: "Ada", LastName: "Lovelace", Email: "user@example.com", Password: strings.Repeat("é", 40),
	})
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	_, err = f.store.FindByEmail(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")

	t.Run("success stamps last seen", func(t *testing.T) {
		f.now = f.now.Add(time.Hour)
		res, err := f.svc.Login(ctx, "USER@example.com", "correct horse")
		require.NoError(t, err)
		require.NotNil(t, res.Tokens)
		a := f.account(t, "user@example.com")
		require.NotNil(t, a.LastSeenAt)
		assert.Equal(t, f.now, *a.LastSeenAt)
	})

	t.Run("unknown email and wrong password look the same", func(t *testing.T) {
		_, errUnknown := f.svc.Login(ctx, "nobody@example.com", "correct horse")
		_, errWrong := f.svc.Login(ctx, "user@example.com", "wrong horse")
		assert.ErrorIs(t, errUnknown, ErrBadCredentials)
		assert.ErrorIs(t, errWrong, ErrBadCredentials)
		assert.Equal(t, errUnknown.Error(), errWrong.Error())
	})

	t.Run("deactivated", func(t *testing.T) {
		a := f.account(t, "user@example.com")
		a.IsActive = false
		require.NoError(t, f.store.Save(ctx, a))
		_, err := f.svc.Login(ctx, "user@example.com", "correct horse")
		assert.ErrorIs(t, err, ErrDeactivated)
	})
}

func TestVerifyEmailAndResend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")

	// registration auto-verifies, so a resend is refused
	assert.ErrorIs(t, f.svc.ResendOTP(ctx, "user@example.com"), ErrAlreadyVerified)
	assert.ErrorIs(t, f.svc.ResendOTP(ctx, "nobody@example.com"), ErrAccountNotFound)

	a := f.account(t, "user@example.com")
	a.IsEmailVerified = false
	require.NoError(t, f.store.Save(ctx, a))

	require.NoError(t, f.svc.ResendOTP(ctx, "user@example.com"))
	code := f.sink.lastCode(t)
	assert.Equal(t, "user@example.com", f.sink.last().To)

	_, err := f.svc.VerifyEmail(ctx, "user@example.com", "000000")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	_, err = f.svc.VerifyEmail(ctx, "nobody@example.com", code)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	res, err := f.svc.VerifyEmail(ctx, "user@example.com", code)
	require.NoError(t, err)
	assert.True(t, res.User.IsEmailVerified)
	a = f.account(t, "user@example.com")
	assert.Nil(t, a.OTP)
	assert.Nil(t, a.OTPExpiresAt)

	// consumed
	_, err = f.svc.VerifyEmail(ctx, "user@example.com", code)
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestVerifyEmail_Expired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")
	a := f.account(t, "user@example.com")
	a.IsEmailVerified = false
	require.NoError(t, f.store.Save(ctx, a))

	require.NoError(t, f.svc.ResendOTP(ctx, "user@example.com"))
	code := f.sink.lastCode(t)
	f.now = f.now.Add(10*time.Minute + time.Second)
	_, err := f.svc.VerifyEmail(ctx, "user@example.com", code)
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestResendOTP_DeliveryFailureKeepsCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")
	a := f.account(t, "user@example.com")
	a.IsEmailVerified = false
	require.NoError(t, f.store.Save(ctx, a))

	f.sink.err = errors.New("mailbox unavailable")
	assert.ErrorIs(t, f.svc.ResendOTP(ctx, "user@example.com"), ErrDelivery)

	code := f.sink.lastCode(t)
	_, err := f.svc.VerifyEmail(ctx, "user@example.com", code)
	assert.NoError(t, err)
}

func TestForgotPassword_UnknownEmailIsMasked(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.ForgotPassword(context.Background(), "nobody@example.com"))
	assert.Empty(t, f.sink.sent)
}

func TestForgotPassword_DeliveryFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")
	f.sink.err = errors.New("smtp down")

	require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
	code := f.sink.lastCode(t)
	assert.NoError(t, f.svc.VerifyResetOTP(ctx, "user@example.com", code))
}

func TestForgotPassword_RequestLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")

	for i := 0; i < 5; i++ {
		require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"), "request %d", i+1)
	}
	assert.ErrorIs(t, f.svc.ForgotPassword(ctx, "user@example.com"), ErrResetLocked)

	f.now = f.now.Add(time.Hour + time.Second)
	assert.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
}

func TestPasswordResetLockoutScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")

	require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
	code := f.sink.lastCode(t)
	assert.Regexp(t, `^[0-9]{6}$`, code)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 1; i <= 4; i++ {
		assert.ErrorIs(t, f.svc.VerifyResetOTP(ctx, "user@example.com", wrong), ErrInvalidOTP, "attempt %d", i)
	}
	assert.ErrorIs(t, f.svc.VerifyResetOTP(ctx, "user@example.com", wrong), ErrResetLocked)

	a := f.account(t, "user@example.com")
	require.NotNil(t, a.ResetLockedUntil)
	assert.WithinDuration(t, f.now.Add(time.Hour), *a.ResetLockedUntil, time.Second)

	// the correct code does not get through the lock
	assert.ErrorIs(t, f.svc.VerifyResetOTP(ctx, "user@example.com", code), ErrResetLocked)
	_, err := f.svc.ResetPassword(ctx, "user@example.com", code, "new password")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	assert.ErrorIs(t, f.svc.ForgotPassword(ctx, "user@example.com"), ErrResetLocked)
}

func TestVerifyResetOTP_Expiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")
	require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
	code := f.sink.lastCode(t)

	f.now = f.now.Add(15*time.Minute + time.Second)
	assert.ErrorIs(t, f.svc.VerifyResetOTP(ctx, "user@example.com", code), ErrInvalidOTP)
	_, err := f.svc.ResetPassword(ctx, "user@example.com", code, "new password")
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestVerifyResetOTP_UnknownEmail(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.VerifyResetOTP(context.Background(), "nobody@example.com", "123456"), ErrAccountNotFound)
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := f.register(t, "user@example.com", "old password")

	require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
	code := f.sink.lastCode(t)
	assert.ErrorIs(t, f.svc.VerifyResetOTP(ctx, "user@example.com", "999999x"), ErrInvalidOTP)
	require.NoError(t, f.svc.VerifyResetOTP(ctx, "user@example.com", code))
	// verify does not consume the code
	require.NoError(t, f.svc.VerifyResetOTP(ctx, "user@example.com", code))

	res, err := f.svc.ResetPassword(ctx, "user@example.com", code, "new password")
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)

	a := f.account(t, "user@example.com")
	assert.Zero(t, a.ResetAttemptCount)
	assert.Nil(t, a.ResetLockedUntil)
	assert.Nil(t, a.ResetOTP)
	require.NotNil(t, a.PasswordChangedAt)

	_, err = f.svc.Login(ctx, "user@example.com", "old password")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = f.svc.Login(ctx, "user@example.com", "new password")
	assert.NoError(t, err)

	// sessions from before the reset are gone
	_, err = f.svc.Refresh(ctx, old.Tokens.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	// the code is single use
	_, err = f.svc.ResetPassword(ctx, "user@example.com", code, "third password")
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestResetPassword_RequiresVerifiedCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "old password")
	require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
	code := f.sink.lastCode(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 50; i++ {
		_, err := f.svc.ResetPassword(ctx, "user@example.com", wrong, "new password")
		require.ErrorIs(t, err, ErrInvalidOTP)
	}
	// the right code is refused too until it has been verified
	_, err := f.svc.ResetPassword(ctx, "user@example.com", code, "new password")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	_, err = f.svc.Login(ctx, "user@example.com", "old password")
	require.NoError(t, err)

	require.NoError(t, f.svc.VerifyResetOTP(ctx, "user@example.com", code))
	require.NotNil(t, f.account(t, "user@example.com").ResetVerifiedAt)

	// a new request starts over
	require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
	code = f.sink.lastCode(t)
	_, err = f.svc.ResetPassword(ctx, "user@example.com", code, "new password")
	assert.ErrorIs(t, err, ErrInvalidOTP)

	require.NoError(t, f.svc.VerifyResetOTP(ctx, "user@example.com", code))
	_, err = f.svc.ResetPassword(ctx, "user@example.com", code, "new password")
	assert.NoError(t, err)
}

func TestVerifyResetOTP_ExpiredLockStartsFresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "user@example.com", "correct horse")
	require.NoError(t, f.svc.ForgotPassword(ctx, "user@example.com"))
	code := f.sink.lastCode(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 5; i++ {
		_ = f.svc.VerifyResetOTP(ctx, "user@example.com", wrong)
	}
	require.ErrorIs(t, f.svc.VerifyResetOTP(ctx, "user@example.com", wrong), ErrResetLocked)

	f.now = f.now.Add(time.Hour + time.Second)
	assert.ErrorIs(t, f.svc.VerifyResetOTP(ctx, "user@example.com", wrong), ErrInvalidOTP)
	a := f.account(t, "user@example.com")
	assert.Nil(t, a.ResetLockedUntil)
	assert.Equal(t, 1, a.ResetAttemptCount)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "user@example.com", "old password")
	before := f.account(t, "user@example.com").PasswordHash

	err := f.svc.ChangePassword(ctx, res.User.ID, "not my password", "new password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, before, f.account(t, "user@example.com").PasswordHash)

	require.NoError(t, f.svc.ChangePassword(ctx, res.User.ID, "old password", "new password"))
	_, err = f.svc.Login(ctx, "user@example.com", "new password")
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.ChangePassword(ctx, "missing", "a", "b"), ErrAccountNotFound)
}

func TestRefreshAndLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "user@example.com", "correct horse")

	next, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, next.User.ID)

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	require.NoError(t, f.svc.Logout(ctx, next.Tokens.RefreshToken))
	_, err = f.svc.Refresh(ctx, next.Tokens.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestMe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.register(t, "user@example.com", "correct horse")

	sum, err := f.svc.Me(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", sum.FirstName)

	_, err = f.svc.Me(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
