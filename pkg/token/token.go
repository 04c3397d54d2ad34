/*
Package token loads cached OAuth tokens.

The token file is the JSON document returned by Tesla's OAuth token endpoint and saved to disk by
whichever service completed the authorization flow:

	{
	  "access_token": "eyJhbGciOi...",
	  "refresh_token": "EU_...",
	  "id_token": "eyJhbGciOi...",
	  "expires_in": 28800,
	  "token_type": "Bearer"
	}

Only access_token is required. This package never refreshes or rewrites tokens.
*/
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotFound indicates that no usable access token could be loaded.
var ErrNotFound = errors.New("token not found")

// Record is the cached token document. Fields other than AccessToken are informational.
type Record struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// Parse decodes a token document. The returned error wraps ErrNotFound if the document is not
// valid JSON or lacks a non-empty access_token.
func Parse(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: invalid token document: %s", ErrNotFound, err)
	}
	record.AccessToken = strings.TrimSpace(record.AccessToken)
	if record.AccessToken == "" {
		return nil, fmt.Errorf("%w: access_token missing", ErrNotFound)
	}
	return &record, nil
}

// LoadFile reads and parses the token document at filename. Every failure, including a missing
// file, wraps ErrNotFound; callers that need to distinguish a missing file can also test for
// fs.ErrNotExist.
func LoadFile(filename string) (*Record, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return Parse(data)
}

// Claims holds the access token fields used for diagnostics.
type Claims struct {
	Subject   string
	Audience  []string
	ExpiresAt time.Time // Zero if the token carries no exp claim.
}

// Expired reports whether the token expired before now.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseClaims extracts claims from a JWT access token without verifying its signature. The proxy
// and Tesla's servers are responsible for verification; the claims are only used to warn about
// stale tokens.
func ParseClaims(accessToken string) (*Claims, error) {
	var registered jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &registered); err != nil {
		return nil, fmt.Errorf("access token is not a JWT: %w", err)
	}
	claims := Claims{
		Subject:  registered.Subject,
		Audience: registered.Audience,
	}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time
	}
	return &claims, nil
}
