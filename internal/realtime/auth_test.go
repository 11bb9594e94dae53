package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret  = "jwt-secret"
	testHMACSecret = "hmac-secret"
)

func signHMAC(identity string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(testHMACSecret))
	fmt.Fprintf(mac, "%s:%d", identity, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func newAuthAt(now time.Time) *Authenticator {
	a := NewAuthenticator(testJWTSecret, testHMACSecret)
	a.now = func() time.Time { return now }
	return a
}

func TestAuthenticateBearer(t *testing.T) {
	a := NewAuthenticator(testJWTSecret, testHMACSecret)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "user-1"))

	identity, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity)
}

func TestAuthenticateBearerRejections(t *testing.T) {
	a := NewAuthenticator(testJWTSecret, testHMACSecret)

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	wrongKeySigned, err := wrongKey.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	noSubjectSigned, err := noSubject.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "not bearer", header: "Basic dXNlcjpwdw=="},
		{name: "garbage token", header: "Bearer not.a.jwt"},
		{name: "wrong key", header: "Bearer " + wrongKeySigned},
		{name: "no subject", header: "Bearer " + noSubjectSigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Header.Set("Authorization", tt.header)
			_, err := a.Authenticate(req)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestAuthenticateSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newAuthAt(now)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-Identity", "user-2")
	req.Header.Set("X-Timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("X-Signature", signHMAC("user-2", now.Unix()))

	identity, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "user-2", identity)
}

func TestAuthenticateSignatureCaseInsensitiveHex(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newAuthAt(now)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-Identity", "user-2")
	req.Header.Set("X-Timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("X-Signature", strings.ToUpper(signHMAC("user-2", now.Unix())))

	_, err := a.Authenticate(req)
	assert.NoError(t, err)
}

func TestAuthenticateSignatureSkewWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newAuthAt(now)

	tests := []struct {
		name string
		ts   int64
		ok   bool
	}{
		{name: "fresh", ts: now.Unix(), ok: true},
		{name: "just inside past", ts: now.Add(-maxClockSkew).Unix(), ok: true},
		{name: "just inside future", ts: now.Add(maxClockSkew).Unix(), ok: true},
		{name: "too old", ts: now.Add(-maxClockSkew - time.Second).Unix(), ok: false},
		{name: "too far ahead", ts: now.Add(maxClockSkew + time.Second).Unix(), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Header.Set("X-Identity", "user-3")
			req.Header.Set("X-Timestamp", strconv.FormatInt(tt.ts, 10))
			req.Header.Set("X-Signature", signHMAC("user-3", tt.ts))

			_, err := a.Authenticate(req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnauthenticated)
			}
		})
	}
}

func TestAuthenticateSignatureTampered(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newAuthAt(now)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-Identity", "admin")
	req.Header.Set("X-Timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("X-Signature", signHMAC("user-4", now.Unix()))

	_, err := a.Authenticate(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateNoCredentials(t *testing.T) {
	a := NewAuthenticator(testJWTSecret, testHMACSecret)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := a.Authenticate(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
