package rest_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/la3lma/nodee/internal/server/rest"
	"github.com/la3lma/nodee/internal/supervisor"
)

// authFixture is a control plane with JWT enabled and the matching private
// key for minting test tokens.
type authFixture struct {
	ts  *httptest.Server
	key *rsa.PrivateKey
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	srv := rest.NewServer(supervisor.New(nil, nil), nil, nil)
	ts := httptest.NewServer(rest.NewRouter(srv, &key.PublicKey))
	t.Cleanup(ts.Close)
	return &authFixture{ts: ts, key: key}
}

// token mints a signed RS256 token with the given scope and expiry offset.
func (f *authFixture) token(t *testing.T, scope string, ttl time.Duration) string {
	t.Helper()
	claims := rest.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Scope: scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func (f *authFixture) get(t *testing.T, path, authHeader string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJWTMiddleware(t *testing.T) {
	f := newAuthFixture(t)

	t.Run("healthz is open", func(t *testing.T) {
		if resp := f.get(t, "/healthz", ""); resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		if resp := f.get(t, "/api/v1/services", ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		if resp := f.get(t, "/api/v1/services", "NotBearer xyz"); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if resp := f.get(t, "/api/v1/services", "Bearer not.a.token"); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("read-scoped token", func(t *testing.T) {
		auth := "Bearer " + f.token(t, rest.ScopeRead, time.Hour)
		if resp := f.get(t, "/api/v1/services", auth); resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("scope among several grants", func(t *testing.T) {
		auth := "Bearer " + f.token(t, "deploy.write "+rest.ScopeRead, time.Hour)
		if resp := f.get(t, "/api/v1/services", auth); resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("valid token without read scope is forbidden", func(t *testing.T) {
		auth := "Bearer " + f.token(t, "deploy.write", time.Hour)
		if resp := f.get(t, "/api/v1/services", auth); resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		auth := "Bearer " + f.token(t, rest.ScopeRead, -time.Hour)
		if resp := f.get(t, "/api/v1/services", auth); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("token without expiry is rejected", func(t *testing.T) {
		claims := rest.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "operator"},
			Scope:            rest.ScopeRead,
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
		if err != nil {
			t.Fatal(err)
		}
		if resp := f.get(t, "/api/v1/services", "Bearer "+signed); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})
}

func TestClaims_HasScope(t *testing.T) {
	c := &rest.Claims{Scope: "deploy.write nodee.read"}
	if !c.HasScope(rest.ScopeRead) {
		t.Error("HasScope missed a present grant")
	}
	if c.HasScope("nodee") {
		t.Error("HasScope matched a prefix instead of a whole grant")
	}
	if (&rest.Claims{}).HasScope(rest.ScopeRead) {
		t.Error("HasScope matched on empty scope")
	}
}

func TestLoadPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "control-plane.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := rest.LoadPublicKey(path)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	if loaded.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("loaded key does not match the written key")
	}

	if _, err := rest.LoadPublicKey(filepath.Join(t.TempDir(), "missing.pub")); err == nil {
		t.Error("LoadPublicKey accepted a missing file")
	}
}
