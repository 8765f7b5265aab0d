// Package server assembles the HTTP router and runs the HTTP server.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	healthhandler "chat-auth-platform/backend/internal/health/handler"
	identityhandler "chat-auth-platform/backend/internal/identity/handler"
	"chat-auth-platform/backend/internal/platform/apperr"
	"chat-auth-platform/backend/internal/platform/logger"
	"chat-auth-platform/backend/internal/ratelimit"
	"chat-auth-platform/backend/internal/server/middleware"
	"chat-auth-platform/backend/internal/server/respond"
	sessionhandler "chat-auth-platform/backend/internal/session/handler"
	"chat-auth-platform/backend/internal/telemetry/metrics"
	userhandler "chat-auth-platform/backend/internal/user/handler"
)

// AuthAPI is everything the auth routes need from the auth service.
type AuthAPI interface {
	identityhandler.AuthService
	userhandler.CurrentUserResolver
	sessionhandler.Sessions
}

// Deps holds the collaborators of the HTTP surface. Limiter, Metrics and Health may be nil.
type Deps struct {
	Auth     AuthAPI
	Profiles userhandler.Profiles
	Limiter  middleware.Limiter
	Metrics  *metrics.Metrics
	Health   *healthhandler.Handler
	Logger   *slog.Logger

	// CORSOrigins lists allowed origins; "*" allows any origin without credentials.
	CORSOrigins []string
	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool
	ServiceName       string
}

// NewRouter builds the full handler chain:
// recover, request id, otelhttp, client ip, access log, CORS, then the mux routes with
// per-route rate limits (ops routes included) and bearer authentication.
//
// Routes → handler:
//   - /auth/*                  → internal/identity/handler
//   - /users, /users/{id}, /me → internal/user/handler
//   - /users/me/sessions       → internal/session/handler
//   - /health, /ready          → internal/health/handler
func NewRouter(d Deps) http.Handler {
	log := logger.OrDiscard(d.Logger)
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respond.Error(w, req, apperr.New(apperr.KindNotFound, "route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respond.JSON(w, http.StatusMethodNotAllowed, respond.ErrorBody{Code: "method_not_allowed", Detail: "method not allowed"})
	})

	limit := func(class ratelimit.Class, h http.HandlerFunc) http.Handler {
		return middleware.RateLimit(d.Limiter, class, d.Metrics)(h)
	}
	authed := func(class ratelimit.Class, h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, middleware.RateLimit(d.Limiter, class, d.Metrics), middleware.Authenticate(d.Auth))
	}

	auth := identityhandler.New(d.Auth)
	r.Handle("/auth/register", limit(ratelimit.ClassRegister, auth.Register)).Methods(http.MethodPost)
	r.Handle("/auth/login", limit(ratelimit.ClassLogin, auth.Login)).Methods(http.MethodPost)
	r.Handle("/auth/login/oauth", limit(ratelimit.ClassLogin, auth.LoginOAuth)).Methods(http.MethodPost)
	r.Handle("/auth/refresh", limit(ratelimit.ClassRefresh, auth.Refresh)).Methods(http.MethodPost)
	r.Handle("/auth/logout", limit(ratelimit.ClassRefresh, auth.Logout)).Methods(http.MethodPost)
	r.Handle("/auth/verify", limit(ratelimit.ClassAPI, auth.Verify)).Methods(http.MethodPost)
	r.Handle("/auth/logout/all", authed(ratelimit.ClassAPI, auth.LogoutAll)).Methods(http.MethodPost)
	r.Handle("/auth/password", authed(ratelimit.ClassLogin, auth.ChangePassword)).Methods(http.MethodPost)

	users := userhandler.New(d.Profiles, d.Auth)
	sessions := sessionhandler.New(d.Auth)
	r.Handle("/users/me", limit(ratelimit.ClassAPI, users.Me)).Methods(http.MethodGet)
	r.Handle("/users/me", authed(ratelimit.ClassAPI, users.UpdateMe)).Methods(http.MethodPut)
	r.Handle("/users/me/sessions", authed(ratelimit.ClassAPI, sessions.List)).Methods(http.MethodGet)
	r.Handle("/users/me/sessions/{id}", authed(ratelimit.ClassAPI, sessions.Revoke)).Methods(http.MethodDelete)
	r.Handle("/users", authed(ratelimit.ClassAPI, users.List)).Methods(http.MethodGet)
	r.Handle("/users/{id}", authed(ratelimit.ClassAPI, users.Get)).Methods(http.MethodGet)
	r.Handle("/users/{id}", authed(ratelimit.ClassAPI, users.Update)).Methods(http.MethodPut)

	health := d.Health
	if health == nil {
		health = healthhandler.New(nil, nil)
	}
	r.Handle("/health", limit(ratelimit.ClassAPI, health.Live)).Methods(http.MethodGet)
	r.Handle("/ready", limit(ratelimit.ClassAPI, health.Ready)).Methods(http.MethodGet)
	r.Handle("/metrics", limit(ratelimit.ClassAPI, d.Metrics.Handler().ServeHTTP)).Methods(http.MethodGet)
	name := d.ServiceName
	if name == "" {
		name = "chat-auth"
	}
	r.Handle("/", limit(ratelimit.ClassAPI, func(w http.ResponseWriter, req *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"service": name, "status": "ok"})
	})).Methods(http.MethodGet)

	traced := otelhttp.NewHandler(middleware.Chain(r,
		middleware.ClientIP(d.TrustProxyHeaders),
		middleware.AccessLog(log, d.Metrics, r),
		corsMiddleware(d.CORSOrigins),
	), "http.server", otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
		return req.Method + " " + middleware.RouteTemplate(r, req)
	}))
	return middleware.Chain(traced, middleware.Recover(log), middleware.RequestID(log))
}

func corsMiddleware(origins []string) middleware.Middleware {
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	if wildcard {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: !wildcard,
		MaxAge:           600,
	})
	return c.Handler
}
