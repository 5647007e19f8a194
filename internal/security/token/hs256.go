package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("bad token")
	ErrSignature = errors.New("bad signature")
	ErrExpired   = errors.New("expired")
)

// Manager signs and verifies HS256 bearer tokens carrying the caller
// identity and role.
type Manager struct{ secret []byte }

func NewManager(secret string) *Manager { return &Manager{secret: []byte(secret)} }

type claims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Exp   int64    `json:"exp"`
}

func b64enc(b []byte) string          { return base64.RawURLEncoding.EncodeToString(b) }
func b64dec(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// Sign issues a token for the user id. A zero ttl means no expiry.
func (m *Manager) Sign(userID string, roles []string, ttl time.Duration) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	h, _ := json.Marshal(header)
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).Unix()
	}
	c, _ := json.Marshal(claims{Sub: userID, Roles: roles, Exp: exp})
	payload := b64enc(h) + "." + b64enc(c)
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return payload + "." + b64enc(mac.Sum(nil)), nil
}

// Verify returns the user id and roles embedded in a valid token.
func (m *Manager) Verify(tok string) (string, []string, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return "", nil, ErrMalformed
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	got, err := b64dec(parts[2])
	if err != nil {
		return "", nil, err
	}
	if !hmac.Equal(mac.Sum(nil), got) {
		return "", nil, ErrSignature
	}
	cb, err := b64dec(parts[1])
	if err != nil {
		return "", nil, err
	}
	var c claims
	if err := json.Unmarshal(cb, &c); err != nil {
		return "", nil, err
	}
	if c.Exp > 0 && time.Now().Unix() > c.Exp {
		return "", nil, ErrExpired
	}
	return c.Sub, c.Roles, nil
}
