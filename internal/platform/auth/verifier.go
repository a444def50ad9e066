package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// bearerPrefix is matched exactly; a lowercase "bearer" scheme or a missing
// space is rejected.
const bearerPrefix = "Bearer "

// defaultJWKSCacheTTL is the default time-to-live for cached JWKS keys.
const defaultJWKSCacheTTL = 5 * time.Minute

// AuthError is the single error class for every authentication failure:
// missing or malformed header, decoder error, bad signature, wrong issuer,
// expired token, unsupported algorithm, key discovery failure. The HTTP
// layer maps it to 401 without body details.
type AuthError struct {
	msg string
	err error
}

func (e *AuthError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *AuthError) Unwrap() error { return e.err }

func authErr(msg string, err error) *AuthError {
	return &AuthError{msg: msg, err: err}
}

// Claims is the full claim set of a verified token.
type Claims map[string]interface{}

// String returns the named claim when it is a string, or "" otherwise.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// VerifiedToken is the result of a successful verification. It surfaces all
// claims of the token to downstream components.
type VerifiedToken struct {
	Claims Claims
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Issuer is matched character-for-character against the iss claim.
	Issuer string
	// WellKnownPath is appended to the issuer for key discovery; empty
	// means .well-known/openid-configuration.
	WellKnownPath string
	// DevMode relaxes issuer checking.
	DevMode bool
}

// Verifier validates bearer tokens against the configured issuer. Key
// material is discovered lazily on first use via the issuer's well-known
// configuration and cached; a token referencing an unknown key id triggers a
// refresh. Safe for concurrent use.
type Verifier struct {
	cfg VerifierConfig

	mu       sync.Mutex
	provider *OIDCProvider
	keys     *JWKSCache
	legacy   interface{} // *rsa.PublicKey when the issuer serves public_key
}

// NewVerifier creates a Verifier. No network calls are made until the first
// verification.
func NewVerifier(cfg VerifierConfig) *Verifier {
	return &Verifier{cfg: cfg}
}

// Provider returns the discovered issuer metadata, performing discovery if
// it has not happened yet.
func (v *Verifier) Provider() (*OIDCProvider, error) {
	if err := v.init(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.provider, nil
}

// init performs issuer discovery once. A failed discovery is retried on the
// next call rather than poisoning the process.
func (v *Verifier) init() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.provider != nil {
		return nil
	}

	provider, err := NewOIDCProvider(v.cfg.Issuer, v.cfg.WellKnownPath)
	if err != nil {
		return authErr("key discovery failed", err)
	}

	if provider.JWKSURI != "" {
		v.keys = NewJWKSCache(provider.JWKSURI, defaultJWKSCacheTTL)
	} else {
		key, err := parseLegacyPublicKey(provider.PublicKey)
		if err != nil {
			return authErr("key discovery failed", err)
		}
		v.legacy = key
	}
	v.provider = provider
	return nil
}

// VerifyBearer validates a raw Authorization header value. The value must
// start exactly with "Bearer " followed by a non-empty token.
func (v *Verifier) VerifyBearer(rawHeader string) (*VerifiedToken, error) {
	if !strings.HasPrefix(rawHeader, bearerPrefix) {
		return nil, authErr("authorization header is not a bearer token", nil)
	}
	token := rawHeader[len(bearerPrefix):]
	if token == "" {
		return nil, authErr("empty bearer token", nil)
	}
	return v.VerifyToken(token)
}

// VerifyToken validates the token portion: signature against the issuer's
// advertised key set, issuer binding (unless dev mode), and expiry.
func (v *Verifier) VerifyToken(tokenStr string) (*VerifiedToken, error) {
	if err := v.init(); err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if !v.cfg.DevMode {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, authErr("invalid token", err)
	}
	if !token.Valid {
		return nil, authErr("invalid token", nil)
	}

	return &VerifiedToken{Claims: Claims(claims)}, nil
}

// keyFunc resolves the verification key for a token. With a legacy single
// key the kid header is ignored; with a JWKS the kid selects the key and an
// unknown kid triggers a cache refresh.
func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	v.mu.Lock()
	legacy := v.legacy
	keys := v.keys
	v.mu.Unlock()

	if legacy != nil {
		return legacy, nil
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}
	return keys.GetKey(kid)
}
