package idempotency

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/metrics"
)

// HeaderKey is the caller-supplied idempotency token header.
const HeaderKey = "Idempotency-Key"

const (
	tokenMinLen = 16
	tokenMaxLen = 200
)

// replayHeaders is the fixed allowlist of headers stored and replayed.
var replayHeaders = []string{"Content-Type", "Content-Length", "Location"}

// ActorFunc resolves the acting identity of a request. The auth layer is
// outside this module; by default the identity header it sets is used.
type ActorFunc func(r *http.Request) string

// DefaultActor reads the identity header populated by the auth layer.
func DefaultActor(r *http.Request) string {
	return r.Header.Get("X-Actor-Id")
}

// ResultStore is the persistence surface the guard needs.
type ResultStore interface {
	GetResult(ctx context.Context, scope string) (*StoredResult, error)
	AcquireLock(ctx context.Context, scope string) (bool, error)
	ReleaseLock(ctx context.Context, scope string) error
	StoreResult(ctx context.Context, scope string, result *StoredResult) error
}

// Guard applies the idempotency algorithm around mutating handlers.
type Guard struct {
	store   ResultStore
	actor   ActorFunc
	maxBody int64
	log     *logrus.Entry
}

// NewGuard creates a Guard.
func NewGuard(store ResultStore, actor ActorFunc, maxBody int64) *Guard {
	if actor == nil {
		actor = DefaultActor
	}
	return &Guard{
		store:   store,
		actor:   actor,
		maxBody: maxBody,
		log:     logrus.WithField("component", "idempotency"),
	}
}

// Handler wraps one mutating handler. The Idempotency-Key header is
// required on wrapped routes.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(HeaderKey)
		if token == "" {
			metrics.IdempotencyOutcomes.WithLabelValues("rejected").Inc()
			http.Error(w, fmt.Sprintf("missing %s header", HeaderKey), http.StatusBadRequest)
			return
		}
		if !ValidToken(token) {
			metrics.IdempotencyOutcomes.WithLabelValues("rejected").Inc()
			http.Error(w, fmt.Sprintf("invalid %s header", HeaderKey), http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		scope := ScopeKey(r.Method, r.URL.Path, g.actor(r), token)

		// Replay a stored result verbatim without re-invoking the handler.
		stored, err := g.store.GetResult(ctx, scope)
		if err != nil {
			g.log.WithError(err).Error("Failed to look up stored result")
			http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
			return
		}
		if stored != nil {
			metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
			writeStored(w, stored)
			return
		}

		acquired, err := g.store.AcquireLock(ctx, scope)
		if err != nil {
			g.log.WithError(err).Error("Failed to acquire lock")
			http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
			return
		}
		if !acquired {
			// Another request with the same key is in flight.
			metrics.IdempotencyOutcomes.WithLabelValues("conflict").Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "request with this idempotency key is in flight", http.StatusConflict)
			return
		}

		// The first execution stores its result before releasing the
		// lock, so a result appearing between the lookup above and the
		// acquire means the racer finished; replay it instead of
		// executing a second time.
		stored, err = g.store.GetResult(ctx, scope)
		if err != nil {
			g.log.WithError(err).Error("Failed to re-check stored result under lock")
			if relErr := g.store.ReleaseLock(ctx, scope); relErr != nil {
				g.log.WithError(relErr).Error("Failed to release lock")
			}
			http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
			return
		}
		if stored != nil {
			if err := g.store.ReleaseLock(ctx, scope); err != nil {
				g.log.WithError(err).Error("Failed to release lock")
			}
			metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
			writeStored(w, stored)
			return
		}

		rec := newRecorder(w, g.maxBody)
		next.ServeHTTP(rec, r)

		if rec.status() >= http.StatusInternalServerError {
			// Release without storing so a future retry can execute.
			if err := g.store.ReleaseLock(ctx, scope); err != nil {
				g.log.WithError(err).Error("Failed to release lock after failure")
			}
			metrics.IdempotencyOutcomes.WithLabelValues("executed").Inc()
			return
		}

		if rec.truncated {
			// Oversized bodies are not stored; the request executed but
			// cannot be replayed.
			g.log.WithField("scope", scope).Warn("Response too large to store for replay")
			if err := g.store.ReleaseLock(ctx, scope); err != nil {
				g.log.WithError(err).Error("Failed to release lock after oversized response")
			}
			metrics.IdempotencyOutcomes.WithLabelValues("executed").Inc()
			return
		}

		result := &StoredResult{
			Status:  rec.status(),
			Headers: filterHeaders(rec.Header()),
			Body:    rec.body.Bytes(),
		}
		if err := g.store.StoreResult(ctx, scope, result); err != nil {
			g.log.WithError(err).Error("Failed to store result")
		}
		metrics.IdempotencyOutcomes.WithLabelValues("executed").Inc()
	})
}

// ValidToken reports whether a token is 16-200 URL-safe characters.
func ValidToken(token string) bool {
	if len(token) < tokenMinLen || len(token) > tokenMaxLen {
		return false
	}
	for _, c := range token {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '~':
		default:
			return false
		}
	}
	return true
}

func filterHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, name := range replayHeaders {
		if values := h.Values(name); len(values) > 0 {
			for _, v := range values {
				out.Add(name, v)
			}
		}
	}
	return out
}

func writeStored(w http.ResponseWriter, stored *StoredResult) {
	for name, values := range stored.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(stored.Status)
	w.Write(stored.Body)
}

// recorder tees the response so it can be stored for replay. Bodies past
// the cap keep streaming to the client but stop accumulating.
type recorder struct {
	http.ResponseWriter
	code      int
	wroteHead bool
	body      bytes.Buffer
	maxBody   int64
	truncated bool
}

func newRecorder(w http.ResponseWriter, maxBody int64) *recorder {
	return &recorder{ResponseWriter: w, maxBody: maxBody}
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHead {
		r.code = code
		r.wroteHead = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	if !r.truncated {
		if int64(r.body.Len()+len(p)) > r.maxBody {
			r.truncated = true
		} else {
			r.body.Write(p)
		}
	}
	return r.ResponseWriter.Write(p)
}

func (r *recorder) status() int {
	if !r.wroteHead {
		return http.StatusOK
	}
	return r.code
}
