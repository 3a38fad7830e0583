package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/logging"
	authmiddleware "github.com/terraconstructs/authbridge/internal/middleware"
	"github.com/terraconstructs/authbridge/internal/ratelimit"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/services/accountsync"
	"github.com/terraconstructs/authbridge/internal/services/iam"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

// RouterOptions carries the services mounted by NewRouter.
type RouterOptions struct {
	Users       repository.UserDirectory
	IAM         iam.Service
	AccountSync *accountsync.Service
	Tokens      *tokens.Service
	Resolver    *authmiddleware.CredentialResolver
	Limiter     *ratelimit.Limiter
	Logger      *zap.Logger

	// SecureCookies marks issued cookies Secure regardless of the request scheme.
	SecureCookies bool
	CORSOptions   *cors.Options
	HealthHandler http.HandlerFunc
}

// DefaultCORSOptions returns the development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-Agent"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles the HTTP surface. Per route the order is: rate limit
// (credential endpoints only), credential resolution, legacy token
// verification (legacy routes only), role check, handler.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	h := &handlers{
		users:   opts.Users,
		iam:     opts.IAM,
		sync:    opts.AccountSync,
		tokens:  opts.Tokens,
		limiter: opts.Limiter,
		logger:  logger,
		secure:  opts.SecureCookies,
	}

	for _, route := range routes(h) {
		var chain []func(http.Handler) http.Handler
		if route.RateLimited && opts.Limiter != nil {
			chain = append(chain, opts.Limiter.Middleware(route.Pattern))
		}
		if opts.Resolver != nil {
			chain = append(chain, opts.Resolver.Middleware)
		}
		if route.Legacy && opts.Tokens != nil {
			chain = append(chain, authmiddleware.LegacyAuthGuard(opts.Tokens, logger))
		}
		chain = append(chain, authmiddleware.RequireRoles(route.Roles...))
		r.With(chain...).Method(route.Method, route.Pattern, route.Handler)
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/health", healthHandler)

	return r
}
