// Package session issues and reads the password session marker of restricted media.
//
// A marker records that a password hashing to a given value was verified for one
// asset. Markers are only minted after the gateway itself verified a plaintext
// password, and they are signed so that nothing else can produce one.
package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookiePrefix is followed by the asset's friendly token.
const CookiePrefix = "smg_media_pw_"

// DefaultLifetime of an issued marker.
const DefaultLifetime = 12 * time.Hour

var errInvalidMarker = errors.New("invalid session marker")

type claims struct {
	Token        string `json:"tok"`
	PasswordHash string `json:"pwh"`
	jwt.RegisteredClaims
}

// Markers signs and verifies markers with an HMAC secret.
type Markers struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// New returns a marker issuer. A nil *Markers (from an empty secret) issues nothing
// and reads nothing.
func New(secret string, lifetime time.Duration) *Markers {
	if secret == "" {
		return nil
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Markers{secret: []byte(secret), lifetime: lifetime, now: time.Now}
}

// CookieName returns the cookie carrying the marker for an asset.
func CookieName(token string) string {
	return CookiePrefix + token
}

// Issue sets a marker cookie recording that passwordHash was verified for the asset.
func (m *Markers) Issue(w http.ResponseWriter, token, passwordHash string, secure bool) error {
	if m == nil {
		return nil
	}
	now := m.now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Token:        token,
		PasswordHash: passwordHash,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
		},
	})
	signed, err := t.SignedString(m.secret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(token),
		Value:    signed,
		Path:     "/media/",
		Expires:  now.Add(m.lifetime),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// PasswordHash returns the verified password hash carried by the request's marker
// for the asset, or "" when there is no valid marker.
func (m *Markers) PasswordHash(r *http.Request, token string) string {
	if m == nil {
		return ""
	}
	c, err := r.Cookie(CookieName(token))
	if err != nil {
		return ""
	}
	h, err := m.parse(c.Value, token)
	if err != nil {
		return ""
	}
	return h
}

func (m *Markers) parse(value, token string) (string, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(value, &cl, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", err
	}
	// a marker minted for one asset never unlocks another
	if cl.Token != token || cl.PasswordHash == "" {
		return "", errInvalidMarker
	}
	return cl.PasswordHash, nil
}
