// Package auth verifies the bearer tokens the platform's auth service issues.
// Tokens are compact HMAC-SHA256 signed payloads: base64url(claims).base64url(signature).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity is the authenticated principal behind a gateway connection.
type Identity struct {
	UserID   string
	Username string
}

type claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Verify checks the token signature and expiry and returns the identity it carries.
func Verify(secret []byte, token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Identity{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Identity{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	var c claims
	if err := json.Unmarshal(decoded, &c); err != nil {
		return Identity{}, ErrInvalidToken
	}
	if c.Sub == "" || c.Name == "" || c.Exp == 0 {
		return Identity{}, ErrInvalidToken
	}
	if time.Now().Unix() >= c.Exp {
		return Identity{}, ErrExpiredToken
	}
	return Identity{UserID: c.Sub, Username: c.Name}, nil
}

// Issue mints a token for the given identity. The production issuer lives in
// the platform auth service; this is for tests and local development.
func Issue(secret []byte, id Identity, jti string, expiresAt time.Time) (string, error) {
	payloadBytes, err := json.Marshal(claims{
		Sub:  id.UserID,
		Name: id.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
