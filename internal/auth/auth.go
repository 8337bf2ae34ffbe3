// Package auth loads the bearer credential presented on the real-time
// handshake and on REST requests.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrEmptyToken is returned when a token file holds no credential.
var ErrEmptyToken = errors.New("token file is empty")

// Credentials holds the bearer token for the session. A zero value is an
// anonymous session.
type Credentials struct {
	Token string
}

// LoadCredentials resolves the token. An inline token wins over tokenPath.
// With neither set the session is anonymous and no error is returned.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	token = strings.TrimSpace(token)
	if token != "" {
		return &Credentials{Token: token}, nil
	}
	if tokenPath == "" {
		return &Credentials{}, nil
	}

	t, err := LoadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	return &Credentials{Token: t}, nil
}

// LoadToken reads a token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrEmptyToken
	}

	return token, nil
}

// Anonymous reports whether no token is configured.
func (c *Credentials) Anonymous() bool {
	return c == nil || c.Token == ""
}

// Headers returns the authentication headers for a request or handshake.
func (c *Credentials) Headers() map[string]string {
	if c.Anonymous() {
		return map[string]string{}
	}
	return map[string]string{
		"Authorization": "Bearer " + c.Token,
	}
}

// ExpiresAt returns the exp claim when the token is a JWT. The signature is
// not verified; the server remains the authority.
func (c *Credentials) ExpiresAt() (time.Time, bool) {
	if c.Anonymous() {
		return time.Time{}, false
	}

	parts := strings.Split(c.Token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}

	var claims struct {
		Exp *int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == nil {
		return time.Time{}, false
	}

	return time.Unix(*claims.Exp, 0), true
}

// Expired reports whether the token carries an exp claim at or before now.
func (c *Credentials) Expired(now time.Time) bool {
	exp, ok := c.ExpiresAt()
	return ok && !now.Before(exp)
}
