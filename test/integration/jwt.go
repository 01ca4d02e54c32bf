package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "grid-test-key"
	testIssuer   = "https://auth.test.datagrid.dev"
	testAudience = "datagrid-test"
)

// TestClaims are the identity claims put in a test token. Extra is merged
// last, so it can replace iss or aud.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

func (c TestClaims) mapClaims(issued, expires time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"iat":       jwt.NewNumericDate(issued),
		"exp":       jwt.NewNumericDate(expires),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"email":     c.Email,
	}
	if len(c.Roles) > 0 {
		claims["roles"] = slices.Clone(c.Roles)
	}
	maps.Copy(claims, c.Extra)
	return claims
}

// tokenIssuer plays the identity provider: it signs ES256 tokens and
// serves the public half as a one-key JWKS document.
type tokenIssuer struct {
	key     *ecdsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	ti := &tokenIssuer{key: key}

	keySet, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"alg": "ES256",
		"x":   coordinate(key.X),
		"y":   coordinate(key.Y),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}

	ti.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ti.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keySet)
	}))
	t.Cleanup(ti.server.Close)
	return ti
}

func coordinate(n *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(n.FillBytes(make([]byte, 32)))
}

func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims.mapClaims(now, now.Add(time.Hour)))
}

func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims.mapClaims(now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign token: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string   { return ti.server.URL }
func (ti *tokenIssuer) JWKSFetches() int  { return int(ti.fetches.Load()) }
func (ti *tokenIssuer) Issuer() string    { return testIssuer }
func (ti *tokenIssuer) Audience() string  { return testAudience }
func (ti *tokenIssuer) Algorithm() string { return jwt.SigningMethodES256.Alg() }
