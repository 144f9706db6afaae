package gateway

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/omnichat/gateway/internal/bus"
	"github.com/omnichat/gateway/internal/gwerrors"
	"github.com/omnichat/gateway/internal/ids"
	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/ratelimit"
)

// HeaderTraceID carries the request trace id. An incoming value is
// respected so upstream proxies can stitch traces; otherwise a fresh
// ULID is assigned. The header is always echoed on the response.
const HeaderTraceID = "X-Trace-Id"

// TraceIDFromRequest returns the trace id assigned by the trace
// middleware, or "" outside of it.
func TraceIDFromRequest(r *http.Request) string {
	return bus.TraceIDFromContext(r.Context())
}

// traceMiddleware stores the trace id on the request context, where the
// publisher picks it up and stamps it onto outgoing bus messages.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(HeaderTraceID)
		if traceID == "" {
			traceID = ids.NewTraceID()
		}
		w.Header().Set(HeaderTraceID, traceID)

		next.ServeHTTP(w, r.WithContext(bus.WithTraceID(r.Context(), traceID)))
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func requestLogMiddleware(logger logging.ServiceLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("http request", logging.LogFields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
				"traceId":  TraceIDFromRequest(r),
			})
		})
	}
}

// rateLimitMiddleware admits requests keyed by route and client address,
// so one noisy client cannot starve a route for everyone else.
func rateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Path + "|" + clientIP(r)
			decision := limiter.Allow(key, 1)
			if !decision.OK {
				writeError(w, r, &gwerrors.RateLimitedError{
					Key:        key,
					RetryAfter: decision.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthFunc gates a request before it reaches a handler. A nil AuthFunc
// allows everything, matching non-production CI usage where the identity
// service is not deployed.
type AuthFunc func(r *http.Request) error

// authMiddleware consults the auth gate. Allowlisted path prefixes skip
// the gate entirely in non-production environments, so health and
// monitoring endpoints stay reachable in test/CI.
func authMiddleware(auth AuthFunc, production bool, bypassPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !production && pathAllowlisted(r.URL.Path, bypassPrefixes) {
				next.ServeHTTP(w, r)
				return
			}
			if err := auth(r); err != nil {
				writeStatus(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pathAllowlisted(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop so limits stick to the
// originating client behind a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
