package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyPair is an RS256 signing key with its PEM encodings.
type KeyPair struct {
	Private    *rsa.PrivateKey
	PublicPEM  []byte
	PrivatePEM []byte
	// KID is derived from the SHA-256 of the public key.
	KID string
}

func GenerateKeyPair() (KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return KeyPair{}, err
	}
	return newKeyPair(priv)
}

// LoadPrivateKey parses a PKCS#1 or PKCS#8 RSA private key.
func LoadPrivateKey(data []byte) (KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return KeyPair{}, errors.New("no PEM block found")
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newKeyPair(priv)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return KeyPair{}, errors.New("private key is not RSA")
	}
	return newKeyPair(priv)
}

func newKeyPair(priv *rsa.PrivateKey) (KeyPair, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, err
	}
	sum := sha256.Sum256(der)
	return KeyPair{
		Private:    priv,
		PublicPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}),
		KID:        base64.RawURLEncoding.EncodeToString(sum[:8]),
	}, nil
}

// MintToken signs an RS256 token carrying subject and scope that expires after ttl.
func MintToken(kp KeyPair, subject, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	token.Header["kid"] = kp.KID
	return token.SignedString(kp.Private)
}
