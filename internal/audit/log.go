// Package audit writes a structured log entry for every request passing
// through the authorized routes. The entry is carried in the request context
// so downstream components (auth, coordinator) can annotate it, and is
// written exactly once when the request completes, panic or not.
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the log level used for audit entries. Audit entries are always
// written regardless of the logger's configured level filter, as zerolog
// level filtering applies to the logger, not the event.
const Level = zerolog.InfoLevel

// Entry is the audit record for a single request.
type Entry struct {
	Method     string
	Path       string
	UserAgent  string
	SourceAddr string

	Authorized bool
	Principal  string
	AuthMethod string

	// CacheKey is the request fingerprint assigned by the coordinator, when
	// the request reached generation.
	CacheKey string
	CacheHit bool

	Status int
	Error  string

	Start time.Time
	End   time.Time
}

type entryContextKey struct{}

var detached = &Entry{}

// Log returns the audit entry for the request in flight, or a detached entry
// that is never written when the context has no audit middleware. The
// detached fallback keeps callers unconditional.
func Log(ctx context.Context) *Entry {
	entry, ok := ctx.Value(entryContextKey{}).(*Entry)
	if !ok {
		return detached
	}
	return entry
}

func contextWithEntry(ctx context.Context, entry *Entry) context.Context {
	return context.WithValue(ctx, entryContextKey{}, entry)
}

func (e *Entry) write(ctx context.Context) {
	ev := log.Ctx(ctx).WithLevel(Level).
		Str("method", e.Method).
		Str("path", e.Path).
		Str("userAgent", e.UserAgent).
		Str("sourceAddr", e.SourceAddr).
		Bool("authorized", e.Authorized).
		Int("status", e.Status).
		Dur("elapsed", e.End.Sub(e.Start))

	if e.Principal != "" {
		ev = ev.Str("principal", e.Principal).Str("authMethod", e.AuthMethod)
	}
	if e.CacheKey != "" {
		ev = ev.Str("cacheKey", e.CacheKey).Bool("cacheHit", e.CacheHit)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}

	ev.Msg("audit")
}

// statusRecorder captures the response status for the audit entry.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware creates the audit entry for the request and guarantees it is
// written when the handler returns. Panics are re-raised after the entry is
// recorded.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := &Entry{
				Method:     r.Method,
				Path:       r.URL.Path,
				UserAgent:  r.UserAgent(),
				SourceAddr: r.RemoteAddr,
				Start:      time.Now(),
			}

			ctx := contextWithEntry(r.Context(), entry)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				entry.End = time.Now()
				entry.Status = recorder.status

				if p := recover(); p != nil {
					entry.Status = http.StatusInternalServerError
					entry.Error = "panic during request handling"
					entry.write(ctx)
					panic(p)
				}

				entry.write(ctx)
			}()

			next.ServeHTTP(recorder, r.WithContext(ctx))
		})
	}
}
