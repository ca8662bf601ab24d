package oauth

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse is the body of a successful token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// DiscoveryDocument is served at /.well-known/openid-configuration.
// Empty endpoints and lists are kept in the output so clients see what is not offered.
type DiscoveryDocument struct {
	Issuer                                string   `json:"issuer"`
	TokenEndpoint                         string   `json:"token_endpoint"`
	IntrospectionEndpoint                 string   `json:"introspection_endpoint"`
	RevocationEndpoint                    string   `json:"revocation_endpoint"`
	AuthorizationEndpoint                 string   `json:"authorization_endpoint"`
	UserinfoEndpoint                      string   `json:"userinfo_endpoint"`
	RegistrationEndpoint                  string   `json:"registration_endpoint"`
	JWKSURI                               string   `json:"jwks_uri"`
	ScopesSupported                       []string `json:"scopes_supported"`
	ResponseTypesSupported                []string `json:"response_types_supported"`
	ResponseModesSupported                []string `json:"response_modes_supported"`
	GrantTypesSupported                   []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported         []string `json:"code_challenge_methods_supported"`
	ACRValuesSupported                    []string `json:"acr_values_supported"`
	SubjectTypesSupported                 []string `json:"subject_types_supported"`
	TokenEndpointAuthMethodsSupported     []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgsSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	IDTokenSigningAlgValuesSupported      []string `json:"id_token_signing_alg_values_supported"`
	UserinfoSigningAlgValuesSupported     []string `json:"userinfo_signing_alg_values_supported"`
	DisplayValuesSupported                []string `json:"display_values_supported"`
	ClaimTypesSupported                   []string `json:"claim_types_supported"`
	ClaimsSupported                       []string `json:"claims_supported"`
	UILocalesSupported                    []string `json:"ui_locales_supported"`
	ClaimsParameterSupported              bool     `json:"claims_parameter_supported"`
	RequestParameterSupported             bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported          bool     `json:"request_uri_parameter_supported"`
	RequireRequestURIRegistration         bool     `json:"require_request_uri_registration"`
}

// MeResponse describes the principal behind the bearer token presented to /api/me
type MeResponse struct {
	Kind     string `json:"kind"`
	Subject  string `json:"sub"`
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	Email    string `json:"email,omitempty"`
}
