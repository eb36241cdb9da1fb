// Package routes exposes the drop engine over HTTP.
package routes

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keydrop/crypto"
	"keydrop/gateway/middleware"
	"keydrop/native/drops"
)

const defaultWaitTimeout = 30 * time.Second

// Engine is the subset of the drop engine served by the gateway.
type Engine interface {
	Claim(ctx context.Context, req drops.ClaimRequest) (*drops.PendingClaim, error)
	CreateAccountAndClaim(ctx context.Context, req drops.CreateAccountRequest) (*drops.PendingClaim, error)
	KeyInformation(pk crypto.PublicKey) (*drops.KeyInfo, error)
	DropInformation(dropID string) (*drops.ExtDrop, error)
	FunderBalance(funder string) (*big.Int, error)
}

// Config wires the router.
type Config struct {
	Engine        Engine
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	// Auth guards funder views. Nil or disabled leaves them public.
	Auth *middleware.Authenticator
	// Stream serves settlement updates over websocket when set.
	Stream http.Handler
	CORS   middleware.CORSConfig
	// WaitTimeout bounds requests that wait for settlement.
	WaitTimeout time.Duration
	// MetricsHandler defaults to the process-wide prometheus handler.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// New builds the gateway handler.
func New(cfg Config) http.Handler {
	h := &handlers{engine: cfg.Engine, auth: cfg.Auth, wait: cfg.WaitTimeout, logger: cfg.Logger}
	if h.wait <= 0 {
		h.wait = defaultWaitTimeout
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	metrics := cfg.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics)

	r.Route("/v1", func(sr chi.Router) {
		limit := func(route string) func(http.Handler) http.Handler {
			if cfg.RateLimiter == nil {
				return func(next http.Handler) http.Handler { return next }
			}
			return cfg.RateLimiter.Middleware(route)
		}
		sr.With(limit("claim")).Post("/claim", h.claim)
		sr.With(limit("create_account_and_claim")).Post("/create_account_and_claim", h.createAccountAndClaim)
		sr.With(limit("views")).Get("/keys/{publicKey}", h.keyInformation)
		sr.With(limit("views")).Get("/drops/{dropID}", h.dropInformation)
		funderViews := sr.With(limit("views"))
		if cfg.Auth.Enabled() {
			funderViews = funderViews.With(cfg.Auth.Middleware)
		}
		funderViews.Get("/funders/{accountID}/balance", h.funderBalance)
		if cfg.Stream != nil {
			sr.With(limit("views")).Get("/settlements/stream", cfg.Stream.ServeHTTP)
		}
	})
	return r
}
