package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account"
	accountrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	tokenrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/token/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-auth-go")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stores: STORE=memory keeps everything in process, otherwise postgres
	var (
		accounts account.Store
		sessions token.SessionStore
		closers  []func() error
	)
	if os.Getenv("STORE") == "memory" {
		sugar.Warn("using in-memory store; data is lost on restart")
		accounts = accountrepo.NewMemoryRepo()
		sessions = tokenrepo.NewMemorySessionRepo()
	} else {
		db, err := database.Connect(database.ConfigFromEnv())
		if err != nil {
			sugar.Fatalf("db connect: %v", err)
		}
		closers = append(closers, db.Close)

		ar := accountrepo.NewAccountRepo(db)
		if err := ar.EnsureTable(ctx); err != nil {
			sugar.Fatalf("ensure accounts table: %v", err)
		}
		sr := tokenrepo.NewSessionRepo(db)
		if err := sr.EnsureTable(ctx); err != nil {
			sugar.Fatalf("ensure sessions table: %v", err)
		}
		accounts, sessions = ar, sr
	}

	tokenCfg := token.ConfigFromEnv()
	key, err := token.LoadKey(tokenCfg)
	if err != nil {
		sugar.Fatalf("load signing key: %v", err)
	}
	if tokenCfg.PrivateKeyFile == "" {
		sugar.Warn("JWT_PRIVATE_KEY_FILE not set; using an ephemeral signing key")
	}
	tokens := token.NewService(tokenCfg, key, sessions)

	sink := notify.New(notify.ConfigFromEnv(), sugar)
	accountSvc := account.NewService(accounts, tokens, sink, nil, sugar, account.ConfigFromEnv())

	// rate limiting is enabled when REDIS_ADDR is set
	rcfg := ratelimit.ConfigFromEnv()
	proxies, err := ratelimit.ParseTrustedProxies(rcfg.TrustedProxies)
	if err != nil {
		sugar.Fatalf("TRUSTED_PROXIES: %v", err)
	}
	var limiter ratelimit.Limiter
	if rcfg.Addr != "" {
		rdb, err := ratelimit.Connect(ctx, rcfg)
		if err != nil {
			sugar.Fatalf("redis connect: %v", err)
		}
		closers = append(closers, rdb.Close)
		limiter = ratelimit.NewRedisLimiter(rdb)
	} else {
		sugar.Warn("REDIS_ADDR not set; rate limiting disabled")
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}

	// mount http server
	handler := router.RegisterRoutes(sugar, router.Deps{
		Accounts: accountSvc,
		Tokens:   tokens,
		Limiter:  limiter,
		Proxies:  proxies,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	sugar.Infow("service is running; press Ctrl+C to stop", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// shutdown http server
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	for _, c := range closers {
		if err := c(); err != nil {
			sugar.Warnf("close failed: %v", err)
		}
	}

	sugar.Info("goodbye")
}
