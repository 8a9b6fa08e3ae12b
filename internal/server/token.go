package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"

	"cloudwipe/internal/domain"
)

// tokenIssuer signs and verifies confirmation tokens. A token is an
// HS256 JWT binding the tenant id and a digest of the full scope, so
// it cannot be replayed against a different or widened scope.
type tokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func (t *tokenIssuer) Issue(s domain.ResetScope) (string, time.Time, error) {
	digest, err := scopeDigest(s)
	if err != nil {
		return "", time.Time{}, err
	}
	now := t.now()
	expires := now.Add(t.ttl)
	claims := jwt.MapClaims{
		"sub":   s.TenantID,
		"scope": digest,
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign confirmation token: %w", err)
	}
	return token, expires, nil
}

// Verify checks length, signature, expiry, and that the token was
// issued for exactly this scope.
func (t *tokenIssuer) Verify(token string, s domain.ResetScope) error {
	if len(token) < MinTokenLength {
		return domain.InvalidConfirmationTokenError{Reason: fmt.Sprintf("token must be at least %d characters", MinTokenLength)}
	}
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		return t.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return domain.InvalidConfirmationTokenError{Reason: err.Error()}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.InvalidConfirmationTokenError{Reason: "unexpected claims format"}
	}
	digest, err := scopeDigest(s)
	if err != nil {
		return err
	}
	if claims["scope"] != digest {
		return domain.InvalidConfirmationTokenError{Reason: "token was issued for a different scope"}
	}
	if claims["sub"] != s.TenantID {
		return domain.InvalidConfirmationTokenError{Reason: "token was issued for a different tenant"}
	}
	return nil
}

// scopeDigest hashes the canonical serialization of a scope so that
// field order or whitespace can never produce a different digest.
// Empty slices collapse to nil so query-built and body-built scopes
// digest identically.
func scopeDigest(s domain.ResetScope) (string, error) {
	if len(s.SubscriptionIDs) == 0 {
		s.SubscriptionIDs = nil
	}
	if len(s.ResourceGroupNames) == 0 {
		s.ResourceGroupNames = nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
