package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers. The API only serves JSON,
// so the content security policy denies everything.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Deps are the services the routes are built from. Limiter may be nil.
type Deps struct {
	Accounts *account.Service
	Tokens   *token.Service
	Limiter  ratelimit.Limiter
	Proxies  ratelimit.TrustedProxies
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(logger *zap.SugaredLogger, d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	limited := func(rule string, h http.HandlerFunc) http.Handler {
		if d.Limiter == nil {
			return h
		}
		return ratelimit.Middleware(d.Limiter, ratelimit.Rules[rule], d.Proxies, logger)(h)
	}
	authed := token.RequireAccess(d.Tokens, logger)

	h := account.NewHandler(d.Accounts, logger)
	mux.Handle("POST /api/auth/register", limited("register", h.Register))
	mux.Handle("POST /api/auth/login", limited("login", h.Login))
	mux.Handle("POST /api/auth/verify-email", limited("verify_email", h.VerifyEmail))
	mux.Handle("POST /api/auth/resend-otp", limited("resend_otp", h.ResendOTP))
	mux.Handle("POST /api/auth/forgot-password", limited("forgot_password", h.ForgotPassword))
	mux.Handle("POST /api/auth/verify-reset-otp", limited("verify_reset_otp", h.VerifyResetOTP))
	mux.Handle("POST /api/auth/reset-password", limited("reset_password", h.ResetPassword))
	mux.Handle("POST /api/auth/refresh-token", limited("refresh_token", h.Refresh))
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
	mux.Handle("POST /api/auth/change-password", authed(http.HandlerFunc(h.ChangePassword)))
	mux.Handle("GET /api/auth/me", authed(http.HandlerFunc(h.Me)))
	mux.HandleFunc("GET /api/auth/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		utilities.WriteJSON(w, http.StatusOK, d.Tokens.JWKS())
	})

	// wrap with security headers middleware then logging middleware
	return LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
}
