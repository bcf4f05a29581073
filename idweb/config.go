package idweb

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-multierror"

	"github.com/identityweb/identityweb/idweb/internal/strutils"
)

// Alg represents asymmetric signing algorithms
type Alg string

const (
	RS256 Alg = "RS256"
	RS384 Alg = "RS384"
	RS512 Alg = "RS512"
	ES256 Alg = "ES256"
	ES384 Alg = "ES384"
	ES512 Alg = "ES512"
	PS256 Alg = "PS256"
	PS384 Alg = "PS384"
	PS512 Alg = "PS512"
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	PS256: true,
	PS384: true,
	PS512: true,
}

// AuthorityType discriminates between a standard authority and a policy
// based (Azure AD B2C) authority.
type AuthorityType string

const (
	// AuthorityStandard is a plain OIDC authority; the authority URL is used
	// as-is for discovery.
	AuthorityStandard AuthorityType = "standard"

	// AuthorityB2C is a policy based authority; the active policy name is
	// appended to the authority URL as a path segment.
	AuthorityB2C AuthorityType = "b2c"
)

// B2CPolicies names the provider-side workflow variants of a B2C authority.
type B2CPolicies struct {
	// SignUpSignIn is the default policy used when no explicit policy is
	// requested.
	SignUpSignIn string

	// PasswordReset is the remediation policy the handshake redirects into
	// when the provider reports a forgot-password error code.
	PasswordReset string

	// EditProfile lets an authenticated user update their profile claims.
	EditProfile string
}

type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Config is the immutable configuration for a relying party.  Per-call
// variations (B2C policy, token cache, redirect override) never mutate a
// Config; they are merged into a fresh per-call clientConfig instead.
type Config struct {
	// ClientID is the relying party id
	ClientID string

	// ClientSecret is the relying party secret
	ClientSecret ClientSecret

	// Authority is the base authority URL.  For B2C authorities it must be
	// the URL the policy name can be appended to as a path segment, e.g.
	// "https://tenant.b2clogin.com/tenant.onmicrosoft.com/".
	Authority string

	// AuthorityType selects standard vs policy based behavior.
	AuthorityType AuthorityType

	// B2C holds the policy set; required when AuthorityType is AuthorityB2C.
	B2C B2CPolicies

	// Scopes is a list of additional oidc scopes to request of the provider.
	// The required "openid" scope is requested by default, and should not be
	// part of this optional list.
	Scopes []string

	// RedirectURL is where the provider sends the user back to after the
	// authorization request.
	RedirectURL string

	// ResponseType is the authorization response type requested from the
	// provider; defaults to ResponseTypeCode.
	ResponseType string

	// SupportedSigningAlgs is a list of supported signing algorithms. List of
	// currently supported algs: RS256, RS384, RS512, ES256, ES384, ES512,
	// PS256, PS384, PS512
	SupportedSigningAlgs []Alg

	// Audiences is a list of optional case-sensitive strings used when
	// verifying an id_token's "aud" claim
	Audiences []string

	// ProviderCA is an optional CA cert to use when sending requests to the
	// provider.
	ProviderCA string
}

// NewConfig composes a new relying party config.
// Supported options:
//
//	WithB2C
//	WithScopes
//	WithResponseType
//	WithSupportedAlgs
//	WithAudiences
//	WithProviderCA
func NewConfig(authority string, clientID string, clientSecret ClientSecret, redirectURL string, opt ...Option) (*Config, error) {
	const op = "idweb.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		Authority:            authority,
		AuthorityType:        AuthorityStandard,
		Scopes:               opts.withScopes,
		RedirectURL:          redirectURL,
		ResponseType:         opts.withResponseType,
		SupportedSigningAlgs: opts.withSupportedAlgs,
		Audiences:            opts.withAudiences,
		ProviderCA:           opts.withProviderCA,
	}
	if c.ResponseType == "" {
		c.ResponseType = ResponseTypeCode
	}
	if len(c.SupportedSigningAlgs) == 0 {
		c.SupportedSigningAlgs = []Alg{RS256}
	}
	if opts.withB2C != nil {
		c.AuthorityType = AuthorityB2C
		c.B2C = *opts.withB2C
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid relying party config: %w", op, err)
	}
	return c, nil
}

// Validate the relying party configuration.  Among other validations, it
// verifies the authority is not empty, but it doesn't verify the authority
// is discoverable via an http request.  All problems found are accumulated
// and reported together.
func (c *Config) Validate() error {
	const op = "idweb.Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client id is empty: %w", ErrInvalidParameter))
	}
	if c.ClientSecret == "" {
		result = multierror.Append(result, fmt.Errorf("client secret is empty: %w", ErrInvalidParameter))
	}
	if c.RedirectURL == "" {
		result = multierror.Append(result, fmt.Errorf("redirect URL is empty: %w", ErrInvalidParameter))
	}
	switch {
	case c.Authority == "":
		result = multierror.Append(result, fmt.Errorf("authority is empty: %w", ErrInvalidParameter))
	default:
		u, err := url.Parse(c.Authority)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("authority %s is invalid: %w", c.Authority, ErrInvalidParameter))
		} else if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
			result = multierror.Append(result, fmt.Errorf("authority %s scheme is not http or https: %w", c.Authority, ErrInvalidParameter))
		}
	}
	switch c.AuthorityType {
	case AuthorityStandard:
	case AuthorityB2C:
		if c.B2C.SignUpSignIn == "" {
			result = multierror.Append(result, fmt.Errorf("b2c sign-up/sign-in policy is empty: %w", ErrInvalidParameter))
		}
		if c.B2C.PasswordReset == "" {
			result = multierror.Append(result, fmt.Errorf("b2c password-reset policy is empty: %w", ErrInvalidParameter))
		}
		if c.B2C.EditProfile == "" {
			result = multierror.Append(result, fmt.Errorf("b2c edit-profile policy is empty: %w", ErrInvalidParameter))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown authority type %q: %w", c.AuthorityType, ErrInvalidParameter))
	}
	if len(c.SupportedSigningAlgs) == 0 {
		result = multierror.Append(result, fmt.Errorf("supported algorithms is empty: %w", ErrInvalidParameter))
	}
	for _, a := range c.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			result = multierror.Append(result, fmt.Errorf("unsupported algorithm %s: %w", a, ErrInvalidParameter))
		}
	}
	if c.ResponseType == "" {
		result = multierror.Append(result, fmt.Errorf("response type is empty: %w", ErrInvalidParameter))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HTTPClient is a helper function that creates a new http client for the
// provider configured
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "idweb.Config.HTTPClient"
	client, err := newHTTPClient(c.ProviderCA)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return client, nil
}

// newHTTPClient creates an http client which will use the optional CA
// certificate PEM if provided, otherwise it will use the installed system CA
// chain.
func newHTTPClient(caPEM string) (*http.Client, error) {
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, fmt.Errorf("could not parse CA PEM value: %w", ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{
		Transport: tr,
	}, nil
}

// clientConfig is the effective per-call client configuration: the immutable
// base Config merged with per-call overrides.  A fresh value is built for
// every token client so no state leaks across calls.
type clientConfig struct {
	clientID     string
	clientSecret string

	// authority is the base authority plus any policy path segment, with no
	// trailing slash.
	authority string
	policy    string

	scopes        []string
	redirectURL   string
	responseType  string
	supportedAlgs []Alg
	audiences     []string
	providerCA    string

	// cache is an optional serialized token cache to hydrate the client with.
	cache []byte
}

// clientConfig builds the per-call configuration for a token client.  The
// policy is appended to the authority as a path segment (B2C), the cache
// hydrates the client, and a non-empty redirectURL overrides the configured
// one.
func (c *Config) clientConfig(policy string, cache []byte, redirectURL string) clientConfig {
	cc := clientConfig{
		clientID:      c.ClientID,
		clientSecret:  string(c.ClientSecret),
		authority:     strings.TrimSuffix(c.Authority, "/"),
		policy:        policy,
		scopes:        append([]string(nil), c.Scopes...),
		redirectURL:   c.RedirectURL,
		responseType:  c.ResponseType,
		supportedAlgs: append([]Alg(nil), c.SupportedSigningAlgs...),
		audiences:     append([]string(nil), c.Audiences...),
		providerCA:    c.ProviderCA,
		cache:         cache,
	}
	if policy != "" {
		cc.authority = cc.authority + "/" + strings.Trim(policy, "/")
	}
	if redirectURL != "" {
		cc.redirectURL = redirectURL
	}
	return cc
}

// configOptions is the set of available options for NewConfig
type configOptions struct {
	withB2C           *B2CPolicies
	withScopes        []string
	withResponseType  string
	withSupportedAlgs []Alg
	withAudiences     []string
	withProviderCA    string
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithB2C marks the authority as policy based and provides its policy set.
func WithB2C(p B2CPolicies) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withB2C = &p
		}
	}
}

// WithSupportedAlgs provides an optional list of signing algorithms used
// when verifying id_tokens; defaults to RS256.
func WithSupportedAlgs(algs ...Alg) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withSupportedAlgs = algs
		}
	}
}

// WithAudiences provides an optional list of audiences used when verifying
// an id_token's "aud" claim.
func WithAudiences(auds []string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAudiences = auds
		}
	}
}

// WithProviderCA provides an optional CA cert used when sending requests to
// the provider.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}
