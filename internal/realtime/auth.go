package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxClockSkew bounds how stale a signed header set may be.
const maxClockSkew = 5 * time.Minute

// ErrUnauthenticated is returned when neither credential form verifies.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator verifies connection credentials: a bearer JWT, or a
// header signature over "identity:timestamp" within the skew window.
type Authenticator struct {
	jwtSecret  []byte
	hmacSecret []byte
	now        func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(jwtSecret, hmacSecret string) *Authenticator {
	return &Authenticator{
		jwtSecret:  []byte(jwtSecret),
		hmacSecret: []byte(hmacSecret),
		now:        time.Now,
	}
}

// Authenticate resolves the request's identity or returns
// ErrUnauthenticated.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", ErrUnauthenticated
		}
		return a.verifyBearer(token)
	}

	identity := r.Header.Get("X-Identity")
	timestamp := r.Header.Get("X-Timestamp")
	signature := r.Header.Get("X-Signature")
	if identity != "" && timestamp != "" && signature != "" {
		return a.verifySignature(identity, timestamp, signature)
	}

	return "", ErrUnauthenticated
}

// verifyBearer validates an HS256 JWT and returns its subject.
func (a *Authenticator) verifyBearer(tokenStr string) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", ErrUnauthenticated
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}

// verifySignature validates a keyed hash over "identity:timestamp"
// accepted within the clock-skew window.
func (a *Authenticator) verifySignature(identity, timestamp, signature string) (string, error) {
	if len(a.hmacSecret) == 0 {
		return "", ErrUnauthenticated
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrUnauthenticated
	}
	issued := time.Unix(ts, 0)
	skew := a.now().Sub(issued)
	if skew < -maxClockSkew || skew > maxClockSkew {
		return "", ErrUnauthenticated
	}

	mac := hmac.New(sha256.New, a.hmacSecret)
	mac.Write([]byte(identity + ":" + timestamp))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return "", ErrUnauthenticated
	}

	return identity, nil
}
