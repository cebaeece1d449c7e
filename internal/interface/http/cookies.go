package http

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/hkdf"
)

// ══════════════════════════════════════════════════════════════════════════════
// COOKIE BINDING
// A signed and encrypted cookie carries the engine session id. Both cookie
// keys are derived from one configured secret.
// ══════════════════════════════════════════════════════════════════════════════

const (
	cookieValueSessionID = "sid"
	minSecretLength      = 32
)

// ErrWeakSecret is returned when the cookie secret is too short.
var ErrWeakSecret = fmt.Errorf("cookie secret must be at least %d bytes", minSecretLength)

// CookieBinder stores the engine session id in a browser cookie.
type CookieBinder struct {
	store *sessions.CookieStore
	name  string
}

// NewCookieBinder derives the hash and block keys from secret and builds
// the cookie store.
func NewCookieBinder(secret []byte, name string, secure bool, maxAge time.Duration) (*CookieBinder, error) {
	hashKey, blockKey, err := deriveCookieKeys(secret)
	if err != nil {
		return nil, err
	}

	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &CookieBinder{store: store, name: name}, nil
}

// deriveCookieKeys expands secret into a 32-byte HMAC key and a 32-byte
// AES-256 key.
func deriveCookieKeys(secret []byte) (hashKey, blockKey []byte, err error) {
	if len(secret) < minSecretLength {
		return nil, nil, ErrWeakSecret
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("pulsepoint session cookie"))

	hashKey = make([]byte, 32)
	blockKey = make([]byte, 32)
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(kdf, blockKey); err != nil {
		return nil, nil, err
	}
	return hashKey, blockKey, nil
}

// SessionID returns the bound session id, or "" when the request carries
// no valid cookie.
func (b *CookieBinder) SessionID(r *http.Request) string {
	sess, err := b.store.Get(r, b.name)
	if err != nil {
		return ""
	}
	id, _ := sess.Values[cookieValueSessionID].(string)
	return id
}

// Bind writes a cookie for sessionID.
func (b *CookieBinder) Bind(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if sessionID == "" {
		return errors.New("empty session id")
	}
	// A stale or tampered cookie yields a fresh session alongside the error.
	sess, _ := b.store.Get(r, b.name)
	sess.Values[cookieValueSessionID] = sessionID
	return sess.Save(r, w)
}

// Clear expires the cookie.
func (b *CookieBinder) Clear(w http.ResponseWriter, r *http.Request) error {
	sess, _ := b.store.Get(r, b.name)
	delete(sess.Values, cookieValueSessionID)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}
