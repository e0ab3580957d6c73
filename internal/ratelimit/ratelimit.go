package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// Rule is a fixed-window limit applied per client IP.
type Rule struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// Rules for the auth endpoints, keyed by route name.
var Rules = map[string]Rule{
	"register":         {Name: "register", MaxRequests: 3, Window: time.Hour},
	"login":            {Name: "login", MaxRequests: 10, Window: 15 * time.Minute},
	"verify_email":     {Name: "verify_email", MaxRequests: 5, Window: 10 * time.Minute},
	"resend_otp":       {Name: "resend_otp", MaxRequests: 3, Window: time.Hour},
	"forgot_password":  {Name: "forgot_password", MaxRequests: 3, Window: time.Hour},
	"verify_reset_otp": {Name: "verify_reset_otp", MaxRequests: 5, Window: 10 * time.Minute},
	"reset_password":   {Name: "reset_password", MaxRequests: 5, Window: 10 * time.Minute},
	"refresh_token":    {Name: "refresh_token", MaxRequests: 30, Window: time.Minute},
}

// Limiter counts a hit against key and reports whether it is within the rule.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (allowed bool, remaining int, err error)
}

type Config struct {
	Addr     string
	Password string
	DB       int
	// TrustedProxies is a comma separated list of IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies string
}

func ConfigFromEnv() Config {
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	return Config{
		Addr:           os.Getenv("REDIS_ADDR"),
		Password:       os.Getenv("REDIS_PASSWORD"),
		DB:             db,
		TrustedProxies: os.Getenv("TRUSTED_PROXIES"),
	}
}

// Connect returns a pinged redis client.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// fixedWindow increments the counter and sets its expiry on the first hit of a window.
var fixedWindow = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter is a fixed-window limiter backed by redis.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, rule Rule) (bool, int, error) {
	n, err := fixedWindow.Run(ctx, l.client, []string{"rate:fw:" + key}, int(rule.Window.Seconds())).Int()
	if err != nil {
		return false, 0, err
	}
	remaining := rule.MaxRequests - n
	if remaining < 0 {
		remaining = 0
	}
	return n <= rule.MaxRequests, remaining, nil
}

// TrustedProxies are the peers whose X-Forwarded-For header is believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies reads a comma separated list of IPs and CIDRs.
func ParseTrustedProxies(s string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func (p TrustedProxies) trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the connection address unless the peer is a trusted proxy. Behind trusted
// proxies it walks X-Forwarded-For from the right and returns the first untrusted hop.
func (p TrustedProxies) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !p.trusts(host) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !p.trusts(hop) {
			return hop
		}
	}
	return host
}

// Middleware enforces rule per client IP. Limiter errors let the request through.
func Middleware(l Limiter, rule Rule, proxies TrustedProxies, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := proxies.ClientIP(r)
			allowed, remaining, err := l.Allow(r.Context(), rule.Name+":"+ip, rule)
			if err != nil {
				logger.Warnw("rate limiter unavailable", "rule", rule.Name, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				logger.Infow("rate limit exceeded", "rule", rule.Name, "ip", ip)
				w.Header().Set("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
				utilities.Fail(w, http.StatusTooManyRequests, fmt.Sprintf("too many requests, try again in %s", rule.Window))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
