package account

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const maxBodyBytes = 1 << 20

// forgotPasswordMessage is returned whether or not the email is registered.
const forgotPasswordMessage = "If an account exists for this email, a reset code has been sent"

// Handler exposes the credential lifecycle over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type RegisterRequest struct {
	FirstName string `json:"firstName" validate:"required,min=2,max=50"`
	LastName  string `json:"lastName" validate:"required,min=2,max=50"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,max=72,maxbytes=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type OTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
}

type ResetPasswordRequest struct {
	Email    string `json:"email" validate:"required,email"`
	OTP      string `json:"otp" validate:"required,len=6,numeric"`
	Password string `json:"password" validate:"required,min=8,max=72,maxbytes=72"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=72,maxbytes=72,nefield=CurrentPassword"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// decode reads and validates a JSON body, answering 400 itself when either step fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		utilities.Fail(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	if msg := utilities.ValidateStruct(v); msg != "" {
		utilities.Fail(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

// fail maps service errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBadCredentials), errors.Is(err, ErrDeactivated):
		utilities.Fail(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, token.ErrInvalidToken):
		utilities.Fail(w, http.StatusUnauthorized, "invalid or expired refresh token")
	case errors.Is(err, ErrEmailTaken):
		utilities.Fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrAccountNotFound):
		utilities.Fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrResetLocked):
		utilities.Fail(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrInvalidOTP), errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAlreadyVerified),
		errors.Is(err, ErrPasswordTooLong):
		utilities.Fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDelivery):
		utilities.Fail(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Errorw("request failed", "path", r.URL.Path, "err", err)
		utilities.Fail(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), RegisterInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusCreated, "Registration successful", res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Login successful", res)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req OTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.VerifyEmail(r.Context(), req.Email, req.OTP)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Email verified", res)
}

func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ResendOTP(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Verification code sent", nil)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, forgotPasswordMessage, nil)
}

func (h *Handler) VerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var req OTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.VerifyResetOTP(r.Context(), req.Email, req.OTP); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Code verified", nil)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.ResetPassword(r.Context(), req.Email, req.OTP, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Password has been reset", res)
}

// ChangePassword must be mounted behind token.RequireAccess.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := token.AccountIDFromContext(r.Context())
	if !ok {
		utilities.Fail(w, http.StatusUnauthorized, "missing access token")
		return
	}
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Password changed", nil)
}

// Me must be mounted behind token.RequireAccess.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := token.AccountIDFromContext(r.Context())
	if !ok {
		utilities.Fail(w, http.StatusUnauthorized, "missing access token")
		return
	}
	sum, err := h.svc.Me(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "OK", map[string]any{"user": sum})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Token refreshed", res)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		h.fail(w, r, err)
		return
	}
	utilities.OK(w, http.StatusOK, "Logged out", nil)
}
