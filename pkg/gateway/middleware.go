package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

type ctxKey int

const sessionKey ctxKey = iota

// sessionFrom returns the authenticated session placed by requireSession.
// Handlers behind the middleware may assume it is present.
func sessionFrom(ctx context.Context) *types.Session {
	sess, _ := ctx.Value(sessionKey).(*types.Session)
	return sess
}

// resolveSession maps the request cookie onto a live session, bumping its
// idle clock.
func (s *Server) resolveSession(r *http.Request) (*types.Session, error) {
	cookie, err := r.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return nil, fmt.Errorf("missing session cookie: %w", types.ErrBadCredentials)
	}
	return s.sessions.Touch(cookie.Value)
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.resolveSession(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

// sessionRateLimit enforces the per-session request budget. Runs after
// requireSession so anonymous requests never consume a bucket.
func (s *Server) sessionRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		if !s.rates.allow(sess.ID) {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, fmt.Errorf("session request budget exhausted: %w", types.ErrRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// cors admits the configured origin plus the gateway's own host. With no
// configured origin the surface is same-origin only.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin, r.Host) {
			writeError(w, r, fmt.Errorf("origin %q is not allowed: %w", origin, types.ErrForbidden))
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin, host string) bool {
	if s.cfg.AllowedOrigin != "" && strings.EqualFold(origin, s.cfg.AllowedOrigin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

// bodyLimit caps request bodies before any handler reads them. Multipart
// uploads get the larger archive budget.
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			limit := s.cfg.Limits.MaxBodyBytes
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
				limit = s.cfg.Limits.MaxMultipartBytes
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records one log line and the request metrics per call. The
// route label uses the chi pattern, not the raw path, to keep label
// cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.GatewayRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.GatewayRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

			ev := s.logger.Info()
			if route == "/healthz" || route == "/readyz" || route == "/metrics" {
				ev = s.logger.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("elapsed", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("Request")
		}()

		next.ServeHTTP(ww, r)
	})
}
