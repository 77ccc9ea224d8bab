package app

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-bullion/internal/auth"
	"github.com/noah-isme/backend-bullion/internal/checkout"
	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/funds"
	"github.com/noah-isme/backend-bullion/internal/health"
	"github.com/noah-isme/backend-bullion/internal/obs"
	"github.com/noah-isme/backend-bullion/internal/pricing"
	"github.com/noah-isme/backend-bullion/internal/ratelimit"
	"github.com/noah-isme/backend-bullion/internal/security"
	"github.com/noah-isme/backend-bullion/internal/spot"
)

// RouterConfig collects the handlers and middleware mounted by NewRouter.
// Nil optional fields disable the corresponding feature.
type RouterConfig struct {
	Logger       zerolog.Logger
	Auth         *auth.Service
	AccessCookie string
	CORSOrigins  []string

	Pricing  *pricing.Service
	Checkout *checkout.Service
	Funds    funds.Repository
	Feed     *spot.Feed
	Health   health.Handler

	Idem         common.Idem
	EventLimit   ratelimit.Handler
	PublicLimit  func(http.Handler) http.Handler
	BodyLimit    security.BodyLimit
	Headers      security.Headers
	HTTPMetrics  *obs.HTTPMetrics
	Tracing      bool
	Metrics      http.Handler
	PprofEnabled bool
	PprofUser    string
	PprofPass    string
}

// NewRouter builds the HTTP API.
func NewRouter(rc RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if rc.Tracing {
		r.Use(obs.Trace)
	}
	r.Use(rc.HTTPMetrics.Instrument)
	r.Use(obs.RequestLogger{Logger: rc.Logger}.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(rc.Headers.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(rc.CORSOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: rc.AccessCookie != "",
		MaxAge:           300,
	}))
	r.Use(rc.BodyLimit.Middleware)

	if rc.Metrics != nil {
		r.Handle("/metrics", rc.Metrics)
	}
	if rc.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), rc.PprofUser, rc.PprofPass))
	}
	r.Get("/health/live", rc.Health.Live)
	r.Get("/health/ready", rc.Health.Ready)

	public := rc.PublicLimit
	if public == nil {
		public = func(next http.Handler) http.Handler { return next }
	}
	authMiddleware := auth.Middleware{Service: rc.Auth, AccessCookie: rc.AccessCookie}
	csrf := security.CSRF{AccessCookie: rc.AccessCookie}

	spotHandler := &spot.Handler{Feed: rc.Feed}
	pricingHandler := &pricing.Handler{Svc: rc.Pricing, Quotes: rc.Feed}
	checkoutHandler := &checkout.Handler{Svc: rc.Checkout}
	fundsHandler := &funds.Handler{Repo: rc.Funds, Logger: rc.Logger}

	r.Route("/api/v1", func(v chi.Router) {
		v.Group(func(p chi.Router) {
			p.Use(public)
			p.Get("/spot", spotHandler.List)
			p.Post("/pricing/order-totals", pricingHandler.OrderTotals)
		})

		v.Group(func(a chi.Router) {
			a.Use(authMiddleware.RequireAuth)
			a.Use(csrf.Middleware)
			a.Get("/accounts/me/funds", fundsHandler.Me)

			a.Route("/checkout/sessions", func(s chi.Router) {
				s.With(rc.Idem.Middleware).Post("/", checkoutHandler.Create)
				s.Route("/{id}", func(one chi.Router) {
					one.Get("/", checkoutHandler.Get)
					one.With(rc.EventLimit.Middleware).Post("/events", checkoutHandler.Event)
					one.With(auth.RequireRole(auth.RoleOperator)).Post("/override", checkoutHandler.Override)
					one.With(rc.Idem.Middleware).Post("/submit", checkoutHandler.Submit)
				})
			})
		})
	})
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
