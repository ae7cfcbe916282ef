package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lipish/xtrace/internal/apierror"
	"github.com/lipish/xtrace/internal/auth"
	"github.com/lipish/xtrace/internal/ingest"
	"github.com/lipish/xtrace/internal/ratelimit"
)

type requestIDKey struct{}

// withRequestID stamps every request with a correlation id, honoring one
// supplied by an upstream proxy in X-Request-Id and generating one
// otherwise. The id rides in the response header and in every log line
// respondError emits for that request, so a client-reported error can be
// matched back to server logs without leaking any internal detail.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withAuth verifies the request's credentials and, on success, stores the
// resulting identity in the request context so downstream handlers and
// the rate limiter (and, further down, observability span enrichment)
// can read it back without re-parsing the Authorization header.
func withAuth(authenticator *auth.Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := authenticator.Authenticate(r)
		if err != nil {
			respondError(w, nil, r, err)
			return
		}
		ctx := auth.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRateLimit enforces the per-principal token bucket on query routes
// (§4.6). It must run after withAuth so an identity is already in
// context. On refusal it sets Retry-After and meta.rate_limit per spec.
func withRateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeAPIError(w, apierror.Unauthorized("missing Authorization header"), nil)
			return
		}

		result := limiter.Allow(identity.Principal)
		if !result.Allowed {
			retryAfterSeconds := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfterSeconds < 1 {
				retryAfterSeconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			writeAPIError(w, apierror.TooManyRequests("rate limit exceeded"), map[string]any{
				"rate_limit": map[string]any{
					"remaining": 0,
					"reset_at":  result.ResetAt.UTC().Format(time.RFC3339),
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// translateEnqueueResult maps a queue-backpressure outcome to the HTTP
// taxonomy (§4.2, §7): full queues are retryable 429s without
// Retry-After; a closed queue (shutting down) is a 503.
func translateEnqueueResult(result ingest.EnqueueResult) *apierror.Error {
	switch result {
	case ingest.EnqueueAccepted:
		return nil
	case ingest.EnqueueRejectedFull:
		return apierror.TooManyRequests("ingest queue is full")
	default:
		return apierror.Unavailable("server is shutting down")
	}
}
