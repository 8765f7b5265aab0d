// Package handler serves the liveness and readiness checks.
package handler

import (
	"context"
	"net/http"
	"time"

	"chat-auth-platform/backend/internal/server/respond"
)

// CheckTimeout bounds each readiness dependency check.
const CheckTimeout = 2 * time.Second

// Pinger checks connectivity to a store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker verifies the policy engine can evaluate.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler reports process liveness and dependency readiness.
type Handler struct {
	pingers map[string]Pinger
	policy  PolicyChecker
}

// New returns a Handler. Nil pingers and a nil policy checker are skipped.
func New(pingers map[string]Pinger, policy PolicyChecker) *Handler {
	return &Handler{pingers: pingers, policy: policy}
}

// Response is the body of both checks.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live handles GET /health. It never touches dependencies.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, Response{Status: "ok"})
}

// Ready handles GET /ready: 200 when every dependency answers, otherwise 503.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.pingers)+1)
	healthy := true
	run := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(r.Context(), CheckTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			checks[name] = "unavailable"
			healthy = false
			return
		}
		checks[name] = "ok"
	}
	for name, p := range h.pingers {
		if p != nil {
			run(name, p.Ping)
		}
	}
	if h.policy != nil {
		run("policy", h.policy.HealthCheck)
	}
	if !healthy {
		respond.JSON(w, http.StatusServiceUnavailable, Response{Status: "unavailable", Checks: checks})
		return
	}
	respond.JSON(w, http.StatusOK, Response{Status: "ok", Checks: checks})
}
