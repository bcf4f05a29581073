package idweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/identityweb/identityweb/idweb/internal/strutils"
)

// expirySkew pads expiry checks so a token that is about to expire is not
// handed out as valid.
const expirySkew = 10 * time.Second

// Account identifies a cached user account available for silent token
// acquisition.
type Account struct {
	// HomeAccountID is the provider's stable subject identifier.
	HomeAccountID string `json:"home_account_id"`

	Username string `json:"username,omitempty"`
}

// TokenResult is the outcome of a token acquisition.  A provider-reported
// failure is carried in Error/ErrorDescription rather than a Go error,
// mirroring the wire format of the token endpoint; use Err() to get the
// typed error.
type TokenResult struct {
	Error            string
	ErrorDescription string

	AccessToken   string
	RefreshToken  string
	IDToken       string
	IDTokenClaims map[string]interface{}
	Expiry        time.Time

	// Cache is the (possibly refreshed) serialized token cache to store back
	// on the session.
	Cache []byte
}

// Err returns a typed error when the result carries a provider error
// payload, and nil otherwise.
func (r *TokenResult) Err() error {
	if r == nil {
		return fmt.Errorf("token result is nil: %w", ErrNilParameter)
	}
	if r.Error == "" {
		return nil
	}
	if r.ErrorDescription != "" {
		return fmt.Errorf("%s: %s: %w", r.Error, r.ErrorDescription, ErrTokenExchange)
	}
	return fmt.Errorf("%s: %w", r.Error, ErrTokenExchange)
}

// TokenClient is one configured OAuth2/OIDC client bound to a single
// authority (and policy, for B2C).  The Authenticator builds a client per
// call via its factory and never reuses one across calls.
type TokenClient interface {
	// AuthCodeURL builds the authorization URL for one flow identified by
	// the state and nonce.
	// Supported options: WithPrompt, WithExtraParams
	AuthCodeURL(ctx context.Context, state string, nonce string, opt ...Option) (string, error)

	// Exchange redeems an authorization code for tokens, verifying the
	// returned id_token (including its nonce claim when nonce is non-empty).
	Exchange(ctx context.Context, code string, nonce string) (*TokenResult, error)

	// Accounts lists the accounts available from the hydrated token cache.
	Accounts(ctx context.Context) ([]Account, error)

	// AcquireTokenSilent attempts a non-interactive token acquisition for
	// the account, answering from the cache when the cached access token is
	// still valid and falling back to the refresh token grant otherwise.
	AcquireTokenSilent(ctx context.Context, account Account, opt ...Option) (*TokenResult, error)
}

// clientFactory builds a TokenClient from a per-call configuration.
type clientFactory func(clientConfig) (TokenClient, error)

// tokenCache is the serializable blob round-tripped through ContextData.
// The format is owned by this package's default client and opaque to
// everything else.
type tokenCache struct {
	Account       Account                `json:"account"`
	AccessToken   string                 `json:"access_token,omitempty"`
	RefreshToken  string                 `json:"refresh_token,omitempty"`
	IDToken       string                 `json:"id_token,omitempty"`
	IDTokenClaims map[string]interface{} `json:"id_token_claims,omitempty"`
	Expiry        time.Time              `json:"expiry,omitempty"`
}

func decodeTokenCache(blob []byte) (*tokenCache, error) {
	const op = "idweb.decodeTokenCache"
	if len(blob) == 0 {
		return &tokenCache{}, nil
	}
	var c tokenCache
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, fmt.Errorf("%s: unable to decode token cache: %w", op, err)
	}
	return &c, nil
}

func (c *tokenCache) encode() ([]byte, error) {
	const op = "idweb.tokenCache.encode"
	blob, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode token cache: %w", op, err)
	}
	return blob, nil
}

func (c *tokenCache) result() (*TokenResult, error) {
	blob, err := c.encode()
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		AccessToken:   c.AccessToken,
		RefreshToken:  c.RefreshToken,
		IDToken:       c.IDToken,
		IDTokenClaims: c.IDTokenClaims,
		Expiry:        c.Expiry,
		Cache:         blob,
	}, nil
}

// oauthClient is the default TokenClient.  It is built on go-oidc discovery
// and x/oauth2, and performs discovery per operation against the configured
// authority (which already carries any policy path segment).
type oauthClient struct {
	cfg        clientConfig
	cache      *tokenCache
	httpClient *http.Client
}

var _ TokenClient = (*oauthClient)(nil)

// newOAuthClient is the default clientFactory.
func newOAuthClient(cfg clientConfig) (TokenClient, error) {
	const op = "idweb.newOAuthClient"
	cache, err := decodeTokenCache(cfg.cache)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := newHTTPClient(cfg.providerCA)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	return &oauthClient{
		cfg:        cfg,
		cache:      cache,
		httpClient: client,
	}, nil
}

// discover makes the discovery request to the authority and returns the
// provider along with a context carrying the client's http client, which is
// the context all following provider calls must use.
func (c *oauthClient) discover(ctx context.Context) (*oidc.Provider, context.Context, error) {
	oidcCtx := oidc.ClientContext(ctx, c.httpClient)
	provider, err := oidc.NewProvider(oidcCtx, c.cfg.authority)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to discover authority %s: %w", c.cfg.authority, err)
	}
	return provider, oidcCtx, nil
}

func (c *oauthClient) oauth2Config(p *oidc.Provider) *oauth2.Config {
	// the "openid" scope is required for oidc flows
	scopes := append([]string{oidc.ScopeOpenID}, c.cfg.scopes...)
	return &oauth2.Config{
		ClientID:     c.cfg.clientID,
		ClientSecret: c.cfg.clientSecret,
		RedirectURL:  c.cfg.redirectURL,
		Endpoint:     p.Endpoint(),
		Scopes:       scopes,
	}
}

// AuthCodeURL implements TokenClient.
func (c *oauthClient) AuthCodeURL(ctx context.Context, state string, nonce string, opt ...Option) (string, error) {
	const op = "oauthClient.AuthCodeURL"
	opts := getAuthOpts(opt...)
	if state == "" || nonce == "" {
		return "", fmt.Errorf("%s: state or nonce is empty: %w", op, ErrInvalidParameter)
	}
	if state == nonce {
		return "", fmt.Errorf("%s: state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	provider, _, err := c.discover(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	authCodeOpts := []oauth2.AuthCodeOption{
		oidc.Nonce(nonce),
	}
	if opts.withPrompt != "" {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(paramPrompt, opts.withPrompt))
	}
	for k, v := range opts.withExtraParams {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, v))
	}
	return c.oauth2Config(provider).AuthCodeURL(state, authCodeOpts...), nil
}

// Exchange implements TokenClient.
func (c *oauthClient) Exchange(ctx context.Context, code string, nonce string) (*TokenResult, error) {
	const op = "oauthClient.Exchange"
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	provider, oidcCtx, err := c.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	oauth2Token, err := c.oauth2Config(provider).Exchange(oidcCtx, code)
	if err != nil {
		if result := retrieveErrorResult(err); result != nil {
			return result, nil
		}
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w", op, err)
	}
	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, ErrMissingIDToken)
	}
	claims, err := c.verifyIDToken(oidcCtx, provider, rawIDToken, nonce)
	if err != nil {
		return nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	cache := &tokenCache{
		Account:       accountFromClaims(claims),
		AccessToken:   oauth2Token.AccessToken,
		RefreshToken:  oauth2Token.RefreshToken,
		IDToken:       rawIDToken,
		IDTokenClaims: claims,
		Expiry:        oauth2Token.Expiry,
	}
	result, err := cache.result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// Accounts implements TokenClient.
func (c *oauthClient) Accounts(_ context.Context) ([]Account, error) {
	if c.cache == nil || c.cache.Account.HomeAccountID == "" {
		return nil, nil
	}
	return []Account{c.cache.Account}, nil
}

// AcquireTokenSilent implements TokenClient.
func (c *oauthClient) AcquireTokenSilent(ctx context.Context, account Account, opt ...Option) (*TokenResult, error) {
	const op = "oauthClient.AcquireTokenSilent"
	if c.cache == nil || c.cache.Account.HomeAccountID == "" ||
		c.cache.Account.HomeAccountID != account.HomeAccountID {
		return nil, fmt.Errorf("%s: %w", op, ErrNoAccount)
	}

	// A cached access token that is still valid answers the request without
	// a network round trip.
	if c.cache.AccessToken != "" && !c.cache.Expiry.IsZero() &&
		c.cache.Expiry.Round(0).After(time.Now().Add(expirySkew)) {
		result, err := c.cache.result()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return result, nil
	}

	if c.cache.RefreshToken == "" {
		return &TokenResult{
			Error:            "interaction_required",
			ErrorDescription: "token cache holds no refresh token",
		}, nil
	}

	provider, oidcCtx, err := c.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ts := c.oauth2Config(provider).TokenSource(oidcCtx, &oauth2.Token{
		RefreshToken: c.cache.RefreshToken,
	})
	oauth2Token, err := ts.Token()
	if err != nil {
		if result := retrieveErrorResult(err); result != nil {
			return result, nil
		}
		return nil, fmt.Errorf("%s: unable to refresh token with provider: %w", op, err)
	}

	refreshed := &tokenCache{
		Account:       c.cache.Account,
		AccessToken:   oauth2Token.AccessToken,
		RefreshToken:  oauth2Token.RefreshToken,
		IDToken:       c.cache.IDToken,
		IDTokenClaims: c.cache.IDTokenClaims,
		Expiry:        oauth2Token.Expiry,
	}
	if refreshed.RefreshToken == "" {
		// the provider did not rotate the refresh token
		refreshed.RefreshToken = c.cache.RefreshToken
	}
	// a refresh response may reissue the id_token; it carries no nonce
	if rawIDToken, ok := oauth2Token.Extra("id_token").(string); ok && rawIDToken != "" {
		claims, err := c.verifyIDToken(oidcCtx, provider, rawIDToken, "")
		if err != nil {
			return nil, fmt.Errorf("%s: refreshed id_token failed verification: %w", op, err)
		}
		refreshed.IDToken = rawIDToken
		refreshed.IDTokenClaims = claims
		refreshed.Account = accountFromClaims(claims)
	}
	result, err := refreshed.result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// verifyIDToken verifies the inbound id_token: it checks the signature
// against the provider's keys, the issuer, the audience, the expiry, and the
// nonce claim when expectedNonce is non-empty.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (c *oauthClient) verifyIDToken(ctx context.Context, provider *oidc.Provider, rawIDToken string, expectedNonce string) (map[string]interface{}, error) {
	algs := make([]string, 0, len(c.cfg.supportedAlgs))
	for _, a := range c.cfg.supportedAlgs {
		algs = append(algs, string(a))
	}
	verifier := provider.Verifier(&oidc.Config{
		ClientID:             c.cfg.clientID,
		SupportedSigningAlgs: algs,
	})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("invalid id_token: %w", err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return nil, fmt.Errorf("invalid id_token nonce: %w", ErrNonceMismatch)
	}
	if len(c.cfg.audiences) > 0 {
		found := false
		for _, aud := range idToken.Audience {
			if strutils.StrListContains(c.cfg.audiences, aud) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("invalid id_token audiences: %w", ErrInvalidAudience)
		}
	}
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("unable to parse id_token claims: %w", err)
	}
	return claims, nil
}

// accountFromClaims derives the cached account identity from id_token
// claims.
func accountFromClaims(claims map[string]interface{}) Account {
	var a Account
	if sub, ok := claims["sub"].(string); ok {
		a.HomeAccountID = sub
	}
	if name, ok := claims["name"].(string); ok && name != "" {
		a.Username = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		a.Username = preferred
	}
	return a
}

// retrieveErrorResult converts an oauth2 token endpoint error response into
// a TokenResult carrying the provider's error payload.  It returns nil when
// err is not a token endpoint error response.
func retrieveErrorResult(err error) *TokenResult {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return nil
	}
	result := &TokenResult{
		Error: "invalid_request",
	}
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if jsonErr := json.Unmarshal(rErr.Body, &body); jsonErr == nil && body.Error != "" {
		result.Error = body.Error
		result.ErrorDescription = body.ErrorDescription
	}
	return result
}
