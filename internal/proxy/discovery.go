package proxy

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/upstream"
)

const securityServiceSystem = "http://terminology.hl7.org/CodeSystem/restful-security-service"
const oauthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

// smartConfiguration is the SMART-on-FHIR well-known document advertising
// the authorization server behind the proxy.
type smartConfiguration struct {
	Issuer                 string   `json:"issuer,omitempty"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	GrantTypesSupported    []string `json:"grant_types_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`
	SubjectTypesSupported  []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgs     []string `json:"id_token_signing_alg_values_supported,omitempty"`
	CodeChallengeMethods   []string `json:"code_challenge_methods_supported,omitempty"`
	Capabilities           []string `json:"capabilities,omitempty"`
}

// Discovery serves the SMART well-known configuration and the patched
// CapabilityStatement. Both derive from the issuer's metadata, which is
// fetched lazily and reused.
type Discovery struct {
	verifier *auth.Verifier
	client   *upstream.Client
	logger   zerolog.Logger

	mu     sync.Mutex
	cached *smartConfiguration
}

// NewDiscovery wires the discovery endpoints.
func NewDiscovery(verifier *auth.Verifier, client *upstream.Client, logger zerolog.Logger) *Discovery {
	return &Discovery{verifier: verifier, client: client, logger: logger}
}

// WellKnown serves GET /.well-known/smart-configuration.
func (d *Discovery) WellKnown(c echo.Context) error {
	cfg, err := d.configuration()
	if err != nil {
		d.logger.Warn().Err(err).Msg("issuer discovery failed")
		return echo.NewHTTPError(http.StatusBadGateway, "authorization server unreachable")
	}
	return c.JSON(http.StatusOK, cfg)
}

func (d *Discovery) configuration() (*smartConfiguration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil {
		return d.cached, nil
	}
	provider, err := d.verifier.Provider()
	if err != nil {
		return nil, err
	}
	d.cached = &smartConfiguration{
		Issuer:                 provider.Issuer,
		AuthorizationEndpoint:  provider.AuthorizationEndpoint,
		TokenEndpoint:          provider.TokenEndpoint,
		JWKSURI:                provider.JWKSURI,
		GrantTypesSupported:    provider.GrantTypesSupported,
		ResponseTypesSupported: provider.ResponseTypesSupported,
		SubjectTypesSupported:  provider.SubjectTypesSupported,
		IDTokenSigningAlgs:     provider.IDTokenSigningAlgValues,
		CodeChallengeMethods:   provider.CodeChallengeMethods,
		Capabilities:           []string{"launch-standalone", "client-confidential-symmetric", "sso-openid-connect", "permission-patient"},
	}
	return d.cached, nil
}

// Metadata serves GET /metadata: the upstream CapabilityStatement with its
// security section replaced by the proxy's OAuth advertisement.
func (d *Discovery) Metadata(c echo.Context) error {
	var capability map[string]interface{}
	status, err := d.client.QueryJSON(c.Request().Context(), http.MethodGet, "metadata", &capability)
	if err != nil {
		d.logger.Warn().Err(err).Int("status", status).Msg("fetching upstream metadata failed")
		return echo.NewHTTPError(http.StatusBadGateway, "upstream unreachable")
	}

	cfg, err := d.configuration()
	if err != nil {
		d.logger.Warn().Err(err).Msg("issuer discovery failed")
		return echo.NewHTTPError(http.StatusBadGateway, "authorization server unreachable")
	}
	patchCapabilitySecurity(capability, cfg)

	c.Response().Header().Set(echo.HeaderContentType, fhirJSONContentType)
	return c.JSON(http.StatusOK, capability)
}

// patchCapabilitySecurity replaces rest[0].security so clients learn the
// OAuth endpoints from the CapabilityStatement.
func patchCapabilitySecurity(capability map[string]interface{}, cfg *smartConfiguration) {
	security := map[string]interface{}{
		"cors": true,
		"service": []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system":  securityServiceSystem,
						"code":    "OAuth",
						"display": "OAuth",
					},
				},
			},
		},
		"extension": []interface{}{
			map[string]interface{}{
				"url": oauthURIsExtension,
				"extension": []interface{}{
					map[string]interface{}{"url": "authorize", "valueUri": cfg.AuthorizationEndpoint},
					map[string]interface{}{"url": "token", "valueUri": cfg.TokenEndpoint},
				},
			},
		},
	}

	rest, ok := capability["rest"].([]interface{})
	if !ok || len(rest) == 0 {
		capability["rest"] = []interface{}{map[string]interface{}{"security": security}}
		return
	}
	if entry, ok := rest[0].(map[string]interface{}); ok {
		entry["security"] = security
	}
}
