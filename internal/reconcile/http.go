package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/thelinks/realtime/internal/auth"
	"github.com/thelinks/realtime/internal/metrics"
	"github.com/thelinks/realtime/internal/ratelimit"
)

// RateLimiter throttles polling per identity.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Handler serves GET /updates?since=. It must be mounted behind
// auth.Verifier.Middleware.
type Handler struct {
	rec      *Reconciler
	limiter  RateLimiter
	lookback time.Duration
	now      func() time.Time
}

// NewHandler creates the polling handler. limiter may be nil.
func NewHandler(rec *Reconciler, limiter RateLimiter, lookback time.Duration) *Handler {
	return &Handler{rec: rec, limiter: limiter, lookback: lookback, now: time.Now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.fail(w, http.StatusUnauthorized, "Please authenticate.")
		return
	}

	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(r.Context(), identity, ratelimit.RuleUpdates); !allowed {
			if d := h.limiter.RetryAfter(r.Context(), identity, ratelimit.RuleUpdates); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
			}
			h.fail(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
	}

	since, err := ParseSince(r.URL.Query().Get("since"), h.now(), h.lookback)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "Invalid since parameter")
		return
	}

	updates, err := h.rec.Query(r.Context(), identity, since)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("reconcile: query identity=%s since=%s: %v", identity, since.Format(time.RFC3339Nano), err)
		}
		h.fail(w, http.StatusInternalServerError, "Failed to fetch updates")
		return
	}

	metrics.UpdatesRequests.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(updates)
}

func (h *Handler) fail(w http.ResponseWriter, status int, message string) {
	metrics.UpdatesRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
