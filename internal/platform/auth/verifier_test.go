package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuerServer is a fake identity provider serving a discovery document and
// a JWKS with the given keys.
type issuerServer struct {
	*httptest.Server
	keys map[string]*rsa.PublicKey
}

func newIssuerServer(t *testing.T) *issuerServer {
	t.Helper()
	s := &issuerServer{keys: map[string]*rsa.PublicKey{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":   s.URL,
			"jwks_uri": s.URL + "/keys",
			"authorization_endpoint": s.URL + "/authorize",
			"token_endpoint":         s.URL + "/token",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		var resp JWKSResponse
		for kid, pub := range s.keys {
			resp.Keys = append(resp.Keys, JWKSKey{
				Kty: "RSA",
				Kid: kid,
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestVerifyBearer_Valid(t *testing.T) {
	key := genKey(t)
	idp := newIssuerServer(t)
	idp.keys["k1"] = &key.PublicKey

	v := NewVerifier(VerifierConfig{Issuer: idp.URL})
	raw := signToken(t, key, "k1", jwt.MapClaims{
		"iss":        idp.URL,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"patient_id": "75270",
	})

	tok, err := v.VerifyBearer("Bearer " + raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tok.Claims.String("patient_id"); got != "75270" {
		t.Errorf("expected patient_id claim to survive, got %q", got)
	}
}

func TestVerifyBearer_PrefixIsExact(t *testing.T) {
	key := genKey(t)
	idp := newIssuerServer(t)
	idp.keys["k1"] = &key.PublicKey

	v := NewVerifier(VerifierConfig{Issuer: idp.URL})
	raw := signToken(t, key, "k1", jwt.MapClaims{
		"iss": idp.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	for _, header := range []string{
		"bearer " + raw,
		"BEARER " + raw,
		"Bearer",
		"Bearer ",
		raw,
		"Basic dXNlcjpwYXNz",
		"",
	} {
		if _, err := v.VerifyBearer(header); err == nil {
			t.Errorf("expected rejection for header %q", header)
		}
	}
}

func TestVerifyToken_UnknownKey(t *testing.T) {
	trusted := genKey(t)
	rogue := genKey(t)
	idp := newIssuerServer(t)
	idp.keys["k1"] = &trusted.PublicKey

	v := NewVerifier(VerifierConfig{Issuer: idp.URL})
	raw := signToken(t, rogue, "k1", jwt.MapClaims{
		"iss": idp.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.VerifyToken(raw); err == nil {
		t.Fatal("expected failure for token signed by a key outside the advertised set")
	}
}

func TestVerifyToken_IssuerBinding(t *testing.T) {
	key := genKey(t)
	idp := newIssuerServer(t)
	idp.keys["k1"] = &key.PublicKey

	raw := signToken(t, key, "k1", jwt.MapClaims{
		"iss": "https://elsewhere.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	prod := NewVerifier(VerifierConfig{Issuer: idp.URL})
	if _, err := prod.VerifyToken(raw); err == nil {
		t.Error("expected wrong-issuer token to fail in PROD mode")
	}

	dev := NewVerifier(VerifierConfig{Issuer: idp.URL, DevMode: true})
	if _, err := dev.VerifyToken(raw); err != nil {
		t.Errorf("expected wrong-issuer token to pass in DEV mode, got %v", err)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	key := genKey(t)
	idp := newIssuerServer(t)
	idp.keys["k1"] = &key.PublicKey

	v := NewVerifier(VerifierConfig{Issuer: idp.URL})
	raw := signToken(t, key, "k1", jwt.MapClaims{
		"iss": idp.URL,
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	if _, err := v.VerifyToken(raw); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestVerifyToken_MissingExpiry(t *testing.T) {
	key := genKey(t)
	idp := newIssuerServer(t)
	idp.keys["k1"] = &key.PublicKey

	v := NewVerifier(VerifierConfig{Issuer: idp.URL})
	raw := signToken(t, key, "k1", jwt.MapClaims{"iss": idp.URL})

	if _, err := v.VerifyToken(raw); err == nil {
		t.Fatal("expected token without exp to fail")
	}
}

func TestVerifyToken_RejectsHMAC(t *testing.T) {
	idp := newIssuerServer(t)
	v := NewVerifier(VerifierConfig{Issuer: idp.URL})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": idp.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	if _, err := v.VerifyToken(raw); err == nil {
		t.Fatal("expected HMAC-signed token to be rejected")
	}
}

func TestVerifyToken_KeyRotation(t *testing.T) {
	key1 := genKey(t)
	key2 := genKey(t)
	idp := newIssuerServer(t)
	idp.keys["k1"] = &key1.PublicKey

	v := NewVerifier(VerifierConfig{Issuer: idp.URL})
	raw1 := signToken(t, key1, "k1", jwt.MapClaims{
		"iss": idp.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.VerifyToken(raw1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rotate: a token referencing an unknown kid must trigger a refetch.
	idp.keys["k2"] = &key2.PublicKey
	raw2 := signToken(t, key2, "k2", jwt.MapClaims{
		"iss": idp.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.VerifyToken(raw2); err != nil {
		t.Fatalf("expected rotated key to be picked up, got %v", err)
	}
}

func TestVerifyToken_LegacyPublicKey(t *testing.T) {
	key := genKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}

	mux := http.NewServeMux()
	var issuer string
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":     issuer,
			"public_key": base64.StdEncoding.EncodeToString(der),
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	issuer = server.URL

	v := NewVerifier(VerifierConfig{Issuer: server.URL})
	raw := signToken(t, key, "", jwt.MapClaims{
		"iss": server.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.VerifyToken(raw); err != nil {
		t.Fatalf("expected legacy public_key issuer to work, got %v", err)
	}
}

func TestVerifier_CustomWellKnownPath(t *testing.T) {
	key := genKey(t)
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/custom/discovery", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":   base,
			"jwks_uri": base + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: "k1",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
		}}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	base = server.URL

	v := NewVerifier(VerifierConfig{Issuer: server.URL, WellKnownPath: "custom/discovery"})
	raw := signToken(t, key, "k1", jwt.MapClaims{
		"iss": server.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := v.VerifyToken(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
