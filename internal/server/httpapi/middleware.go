package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tripmark/tripsync/internal/logging"
	"github.com/tripmark/tripsync/internal/server/auth"
)

type ctxKey int

const userIDKey ctxKey = 0

// UserID returns the authenticated user ID stored by the auth middleware.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// authMiddleware verifies the bearer token and stores the user ID in the
// request context.
func authMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			userID, err := auth.UserIDFromToken(tokenString, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger logs one line per request.
func requestLogger(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info(r.Context(), "http request",
				"method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration", time.Since(start).String())
		})
	}
}

// userGate serializes sync requests per user. A device retrying while
// another of the user's devices is mid-sync gets a 429 with a short
// Retry-After instead of contending on row locks.
type userGate struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newUserGate() *userGate {
	return &userGate{active: make(map[string]struct{})}
}

func (g *userGate) tryAcquire(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[userID]; busy {
		return false
	}
	g.active[userID] = struct{}{}
	return true
}

func (g *userGate) release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, userID)
}

func (g *userGate) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		if !g.tryAcquire(userID) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "sync already in progress for this user")
			return
		}
		defer g.release(userID)
		next.ServeHTTP(w, r)
	})
}
