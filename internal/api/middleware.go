package api

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/model"
)

type ctxKey int

const stateKey ctxKey = iota

// requestState is shared between the access log and the auth middleware so
// the log can attribute the request after the handler chain returns.
type requestState struct {
	user *model.User
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(stateKey).(*requestState)
	return st
}

// UserFrom returns the authenticated user, or nil.
func UserFrom(ctx context.Context) *model.User {
	if st := stateFrom(ctx); st != nil {
		return st.user
	}
	return nil
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// instrument records request metrics by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.ObserveRequest(routePattern(r), r.Method, statusOf(ww), time.Since(start))
	})
}

// accessLog logs each API request and persists it as an APILog. A failed
// write is logged and never affects the response.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		st := &requestState{}
		r = r.WithContext(context.WithValue(r.Context(), stateKey, st))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := statusOf(ww)
		elapsed := time.Since(start)
		userID := "anonymous"
		if st.user != nil {
			userID = st.user.ID
		}

		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("user_id", userID),
			zap.String("request_id", requestID(r)),
		)

		entry := model.APILog{
			ID:         ulid.Make().String(),
			UserID:     userID,
			Endpoint:   r.URL.RequestURI(),
			Method:     r.Method,
			StatusCode: status,
			DurationMs: elapsed.Milliseconds(),
			IP:         clientIP(r),
			UserAgent:  r.UserAgent(),
			Timestamp:  start.UTC(),
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if err := s.gateway.AppendAPILog(ctx, entry); err != nil {
			s.log.Warn("api: persist request log", zap.String("request_id", requestID(r)), zap.Error(err))
		}
	})
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// authenticate resolves the Bearer API key to a user: 401 when the header
// is missing or malformed, 403 when the key is unknown.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "API key is missing or improperly formatted.")
			return
		}
		key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key == "" {
			writeError(w, http.StatusUnauthorized, "API key is missing.")
			return
		}

		user, err := s.gateway.UserByKeyHash(r.Context(), HashKey(key))
		if err != nil {
			s.log.Error("api: validate key", zap.String("request_id", requestID(r)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Could not validate API key.")
			return
		}
		if user == nil {
			writeError(w, http.StatusForbidden, "Invalid API key.")
			return
		}

		if st := stateFrom(r.Context()); st != nil {
			st.user = user
		} else {
			r = r.WithContext(context.WithValue(r.Context(), stateKey, &requestState{user: user}))
		}
		next.ServeHTTP(w, r)
	})
}

// enforceQuota charges the request against the user's daily quota and sets
// the X-RateLimit headers.
func (s *Server) enforceQuota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.quota == nil {
			next.ServeHTTP(w, r)
			return
		}
		user := UserFrom(r.Context())
		if user == nil {
			writeError(w, http.StatusUnauthorized, "API key is missing.")
			return
		}

		d, err := s.quota.Allow(r.Context(), user.ID)
		if err != nil {
			s.log.Error("api: rate limit", zap.String("user_id", user.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Could not check rate limit.")
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		h.Set("X-RateLimit-Policy", fmt.Sprintf("%d;w=86400", d.Limit))
		if !d.Allowed {
			h.Set("Retry-After", strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
			s.metrics.ObserveQuotaRejected()
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("You have exceeded the daily limit of %d requests.", d.Limit))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !UserFrom(r.Context()).IsAdmin() {
			writeError(w, http.StatusForbidden, "You do not have permission to perform this action.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
