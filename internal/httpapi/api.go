// Package httpapi exposes the auth managers over HTTP and the readiness probe
// over gRPC.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/obs"
	"cofradia.org/internal/stream"
)

const serviceName = "cofradia-api"

// Pinger is anything the readiness probe can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the database and the session store when configured.
type ReadyProbe struct {
	DB       Pinger
	Sessions Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Sessions != nil {
		if err := rp.Sessions.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the domain managers behind the routes.
type Services struct {
	Login       *auth.LoginManager
	Resets      *auth.ResetManager
	Users       *auth.UserManager
	Permissions *auth.PermissionManager
	Activity    *stream.Stream
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	Ready          readinessChecker
	AllowedOrigins []string
	// AllowLocalOrigins admits localhost origins for development.
	AllowLocalOrigins bool
	// TrustedProxies are the peers whose X-Forwarded-For header is honoured.
	TrustedProxies []netip.Prefix
	SecureCookies  bool
	RateLimit      float64
	RateBurst      int
	// MaxBodyBytes caps request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	svc     Services
	opts    Options
	limiter *RateLimiter
	now     func() time.Time
}

func New(svc Services, opts Options) (*API, error) {
	if svc.Login == nil || svc.Resets == nil || svc.Users == nil || svc.Permissions == nil {
		return nil, errors.New("httpapi: login, reset, user and permission managers are required")
	}
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	a := &API{
		mux:     http.NewServeMux(),
		svc:     svc,
		opts:    opts,
		limiter: NewRateLimiter(opts.RateLimit, opts.RateBurst),
		now:     time.Now,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	limited := func(h http.HandlerFunc) http.Handler { return a.limiter.Middleware(h) }
	login := func(h http.HandlerFunc) http.Handler { return a.requireLogin(h) }
	manager := func(h http.HandlerFunc) http.Handler { return a.requireRole(auth.ManagementThreshold, h) }

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/login", limited(a.handleLogin))
	a.mux.Handle("POST /v1/auth/logout", limited(a.handleLogout))
	a.mux.Handle("GET /v1/auth/session", login(a.handleSession))
	a.mux.Handle("GET /v1/auth/remembered", limited(a.handleRemembered))
	a.mux.Handle("POST /v1/auth/password/forgot", limited(a.handleForgotPassword))
	a.mux.Handle("GET /v1/auth/password/reset", limited(a.handleVerifyReset))
	a.mux.Handle("POST /v1/auth/password/reset", limited(a.handleCompleteReset))
	a.mux.Handle("POST /v1/auth/password/change", a.limiter.Middleware(a.requireLogin(a.handleChangePassword)))

	a.mux.HandleFunc("GET /v1/roles", a.handleRoles)
	a.mux.Handle("GET /v1/roles/assignable", login(a.handleAssignableRoles))

	a.mux.Handle("GET /v1/users", manager(a.handleListUsers))
	a.mux.Handle("POST /v1/users", manager(a.handleCreateUser))
	a.mux.Handle("GET /v1/users/{id}", login(a.handleViewUser))
	a.mux.Handle("PUT /v1/users/{id}/role", manager(a.handleUpdateRole))
	a.mux.Handle("PUT /v1/users/{id}/notes", login(a.handleUpdateNotes))
	a.mux.Handle("PUT /v1/users/{id}/password", manager(a.handleSetPassword))
	a.mux.Handle("PATCH /v1/profile", login(a.handleUpdateProfile))

	a.mux.Handle("GET /v1/content/{type}/{id}/grants", manager(a.handleListGrants))
	a.mux.Handle("POST /v1/content/{type}/{id}/grants", manager(a.handleGrant))
	a.mux.Handle("DELETE /v1/content/{type}/{id}/grants", manager(a.handleRevoke))
	a.mux.Handle("GET /v1/content/{type}/{id}/access", login(a.handleAccess))

	a.mux.Handle("GET /v1/activity/stream", manager(a.handleActivityStream))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = CORS(a.opts.AllowedOrigins, a.opts.AllowLocalOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = WithClient(a.opts.TrustedProxies)(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
