package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory ResultStore.
type memStore struct {
	mu      sync.Mutex
	locks   map[string]bool
	results map[string]*StoredResult
}

func newMemStore() *memStore {
	return &memStore{
		locks:   make(map[string]bool),
		results: make(map[string]*StoredResult),
	}
}

func (s *memStore) GetResult(_ context.Context, scope string) (*StoredResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[scope], nil
}

func (s *memStore) AcquireLock(_ context.Context, scope string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[scope] {
		return false, nil
	}
	s.locks[scope] = true
	return true, nil
}

func (s *memStore) ReleaseLock(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, scope)
	return nil
}

func (s *memStore) StoreResult(_ context.Context, scope string, result *StoredResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[scope] = result
	delete(s.locks, scope)
	return nil
}

const testToken = "abcdef0123456789"

func doRequest(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/media", strings.NewReader("{}"))
	if token != "" {
		req.Header.Set(HeaderKey, token)
	}
	req.Header.Set("X-Actor-Id", "user-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestGuardExecutesAndReplays(t *testing.T) {
	store := newMemStore()
	guard := NewGuard(store, nil, 1<<20)

	executions := 0
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executions++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/media/42")
		w.Header().Set("X-Internal", "secret")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"attempt":%d}`, executions)
	}))

	first := doRequest(handler, testToken)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(handler, testToken)
	require.Equal(t, http.StatusCreated, second.Code)

	// Exactly one execution; the replay is byte-identical.
	assert.Equal(t, 1, executions)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, "/media/42", second.Header().Get("Location"))
	// Headers outside the allowlist are not replayed.
	assert.Empty(t, second.Header().Get("X-Internal"))
}

func TestGuardMissingToken(t *testing.T) {
	guard := NewGuard(newMemStore(), nil, 1<<20)
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	resp := doRequest(handler, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGuardInvalidToken(t *testing.T) {
	guard := NewGuard(newMemStore(), nil, 1<<20)
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	resp := doRequest(handler, "short")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGuardConcurrentConflict(t *testing.T) {
	store := newMemStore()
	guard := NewGuard(store, nil, 1<<20)

	// Simulate an in-flight first request by pre-holding the lock.
	scope := ScopeKey(http.MethodPost, "/media", "user-1", testToken)
	acquired, err := store.AcquireLock(context.Background(), scope)
	require.NoError(t, err)
	require.True(t, acquired)

	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run while lock is held")
	}))

	resp := doRequest(handler, testToken)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))
}

// raceStore interposes on lock acquisition so a competing request can
// finish in the window between the result lookup and the lock.
type raceStore struct {
	*memStore
	beforeAcquire func()
}

func (s *raceStore) AcquireLock(ctx context.Context, scope string) (bool, error) {
	if s.beforeAcquire != nil {
		hook := s.beforeAcquire
		s.beforeAcquire = nil
		hook()
	}
	return s.memStore.AcquireLock(ctx, scope)
}

func TestGuardRacerFinishingBeforeLockIsReplayed(t *testing.T) {
	mem := newMemStore()
	scope := ScopeKey(http.MethodPost, "/media", "user-1", testToken)

	winner := &StoredResult{
		Status:  http.StatusCreated,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{"attempt":1}`),
	}
	store := &raceStore{memStore: mem}
	store.beforeAcquire = func() {
		// The competing request stores its result and releases the
		// lock just before this one acquires it.
		require.NoError(t, mem.StoreResult(context.Background(), scope, winner))
	}

	guard := NewGuard(store, nil, 1<<20)
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when a result was stored first")
	}))

	resp := doRequest(handler, testToken)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, `{"attempt":1}`, resp.Body.String())
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	// The re-check released the lock, so nothing stays wedged.
	mem.mu.Lock()
	locked := mem.locks[scope]
	mem.mu.Unlock()
	assert.False(t, locked)
}

func TestGuardServerErrorReleasesWithoutStoring(t *testing.T) {
	store := newMemStore()
	guard := NewGuard(store, nil, 1<<20)

	executions := 0
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executions++
		if executions == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := doRequest(handler, testToken)
	assert.Equal(t, http.StatusInternalServerError, first.Code)

	// The failure was not stored, so the retry executes again.
	second := doRequest(handler, testToken)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, 2, executions)
}

func TestGuardClientErrorIsStored(t *testing.T) {
	store := newMemStore()
	guard := NewGuard(store, nil, 1<<20)

	executions := 0
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executions++
		http.Error(w, "bad input", http.StatusUnprocessableEntity)
	}))

	first := doRequest(handler, testToken)
	second := doRequest(handler, testToken)

	// 4xx outcomes replay like any other stored result.
	assert.Equal(t, http.StatusUnprocessableEntity, first.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, 1, executions)
}

func TestGuardOversizedBodyNotStored(t *testing.T) {
	store := newMemStore()
	guard := NewGuard(store, nil, 16)

	executions := 0
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executions++
		w.Write([]byte(strings.Repeat("x", 64)))
	}))

	first := doRequest(handler, testToken)
	assert.Equal(t, http.StatusOK, first.Code)
	// The client still got the full body.
	assert.Len(t, first.Body.String(), 64)

	// Nothing was stored, so the retry executes again.
	second := doRequest(handler, testToken)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 2, executions)
}

func TestScopeKeyDimensions(t *testing.T) {
	base := ScopeKey("POST", "/media", "user-1", testToken)
	assert.NotEqual(t, base, ScopeKey("PUT", "/media", "user-1", testToken))
	assert.NotEqual(t, base, ScopeKey("POST", "/other", "user-1", testToken))
	assert.NotEqual(t, base, ScopeKey("POST", "/media", "user-2", testToken))
	assert.NotEqual(t, base, ScopeKey("POST", "/media", "user-1", "ffffffffffffffff"))
	assert.Equal(t, base, ScopeKey("POST", "/media", "user-1", testToken))
}

func TestValidToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		valid bool
	}{
		{name: "minimum length", token: strings.Repeat("a", 16), valid: true},
		{name: "maximum length", token: strings.Repeat("a", 200), valid: true},
		{name: "url safe punctuation", token: "abc-DEF_123.xyz~0", valid: true},
		{name: "too short", token: strings.Repeat("a", 15), valid: false},
		{name: "too long", token: strings.Repeat("a", 201), valid: false},
		{name: "space", token: "abcdefgh ijklmnop", valid: false},
		{name: "plus", token: "abcdefgh+jklmnopq", valid: false},
		{name: "empty", token: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidToken(tt.token))
		})
	}
}
