// Package auth verifies bearer tokens on administrative routes.
package auth

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authentication required: bearer token")
	ErrMissingScope = errors.New("missing required scope")
)

type principalKey struct{}

// Verifier checks tokens signed by any of the configured public keys and requires a scope.
type Verifier struct {
	keys  []crypto.PublicKey
	scope string
}

// NewVerifier loads PEM encoded public keys or certificates from path.
func NewVerifier(path, scope string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin keys: %w", err)
	}
	keys, err := ParsePublicKeys(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewVerifierWithKeys(keys, scope), nil
}

func NewVerifierWithKeys(keys []crypto.PublicKey, scope string) *Verifier {
	return &Verifier{keys: keys, scope: scope}
}

// ParsePublicKeys reads every PKIX public key or certificate block in data. Unknown
// blocks are skipped.
func ParsePublicKeys(data []byte) ([]crypto.PublicKey, error) {
	var keys []crypto.PublicKey
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no valid keys found")
	}
	return keys, nil
}

// VerifyRequest returns the token subject of an authorized request.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	return v.verifyToken(strings.TrimPrefix(header, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) (string, error) {
	if len(v.keys) == 0 {
		return "", errors.New("no admin keys configured")
	}
	var (
		token *jwt.Token
		err   error
	)
	// PEM keys carry no kid, so try each.
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}))
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if !hasScope(claims, v.scope) {
		return "", ErrMissingScope
	}
	sub, _ := claims.GetSubject()
	return sub, nil
}

// hasScope accepts a space separated "scope" claim or a "roles" array.
func hasScope(claims jwt.MapClaims, want string) bool {
	if scope, ok := claims["scope"].(string); ok {
		return slices.Contains(strings.Fields(scope), want)
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// Middleware rejects unauthorized requests with 401 and stores the subject in the
// request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := v.VerifyRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, sub)))
	})
}

// Principal returns the authenticated subject stored by Middleware.
func Principal(ctx context.Context) string {
	sub, _ := ctx.Value(principalKey{}).(string)
	return sub
}
