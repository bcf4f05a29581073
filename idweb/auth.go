package idweb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-hclog"
)

const (
	// request/response parameter names shared with the provider
	paramState            = "state"
	paramNonce            = "nonce"
	paramError            = "error"
	paramErrorDescription = "error_description"
	paramErrorURI         = "error_uri"
	paramPrompt           = "prompt"

	// PromptSelectAccount asks the provider to show its account picker.
	PromptSelectAccount = "select_account"

	// ResponseTypeCode is the authorization-code response type; it is the
	// only type the redirect handler supports, and doubles as the request
	// parameter name the code arrives in.
	ResponseTypeCode = "code"

	// logoutEndpoint is the provider's logout path, appended to the
	// authority (and active policy, for B2C).
	logoutEndpoint = "/oauth2/v2.0/logout"

	// postLogoutRedirectParam names the optional query parameter carrying
	// the URL the provider sends the user to after logout.
	postLogoutRedirectParam = "post_logout_redirect_uri"
)

// usernameClaim is the id_token claim the session username is derived from.
const usernameClaim = "name"

// Authenticator drives the authorization-code redirect handshake for one
// host integration.  It is the only place security checks happen: one-time
// state/nonce verification, provider error classification, and the
// post-exchange session mutation.
//
// An Authenticator operates on exactly one request's ContextData per
// invocation and does no locking; the host (or its adapter) must serialize
// requests per session.
type Authenticator struct {
	config  *Config
	adapter ContextAdapter
	logger  hclog.Logger

	// newClient builds a token client per call; tests substitute a fake.
	newClient clientFactory
}

// New creates an Authenticator bound to a validated config and a host
// adapter.
// Supported options: WithLogger
func New(c *Config, adapter ContextAdapter, opt ...Option) (*Authenticator, error) {
	const op = "idweb.New"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if adapter == nil {
		return nil, fmt.Errorf("%s: adapter is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getAuthOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	factory := opts.withClientFactory
	if factory == nil {
		factory = newOAuthClient
	}
	return &Authenticator{
		config:    c,
		adapter:   adapter,
		logger:    logger,
		newClient: factory,
	}, nil
}

// validate is the precondition check every operation runs before touching
// the session.
func (a *Authenticator) validate(op string) error {
	switch {
	case a == nil:
		return fmt.Errorf("%s: authenticator is nil: %w", op, ErrNilParameter)
	case a.config == nil:
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	case a.adapter == nil:
		return fmt.Errorf("%s: adapter is nil: %w", op, ErrNilParameter)
	}
	return nil
}

// contextData loads the session's identity record via the adapter, creating
// it when the adapter has none yet.
func (a *Authenticator) contextData(op string) (*ContextData, error) {
	data, err := a.adapter.ContextData()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to load context data: %w", op, err)
	}
	if data == nil {
		data = NewContextData()
	}
	return data, nil
}

// AuthURL generates the authorization URL the user must be redirected to in
// order to start an authorization-code flow.  A fresh one-time state and
// nonce are stored on the session.  For B2C authorities the effective policy
// (explicit option, else the default sign-up/sign-in policy) is recorded as
// the session's last used policy; a select_account prompt is stripped when a
// non-default policy is in effect, so a password-reset or edit-profile flow
// never forces the user to pick an account again.
// Supported options: WithPolicy, WithRedirectURL, WithPrompt, WithExtraParams
func (a *Authenticator) AuthURL(ctx context.Context, opt ...Option) (string, error) {
	const op = "Authenticator.AuthURL"
	if err := a.validate(op); err != nil {
		return "", err
	}
	opts := getAuthOpts(opt...)
	data, err := a.contextData(op)
	if err != nil {
		return "", err
	}

	state, err := NewID(WithPrefix("st"))
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	nonce, err := NewID(WithPrefix("n"))
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	data.State = state
	data.Nonce = nonce

	prompt := opts.withPrompt
	policy := ""
	if a.config.AuthorityType == AuthorityB2C {
		policy = opts.withPolicy
		if policy == "" {
			policy = a.config.B2C.SignUpSignIn
		}
		if policy != a.config.B2C.SignUpSignIn && prompt == PromptSelectAccount {
			prompt = ""
		}
		data.LastUsedPolicy = policy
	}
	data.HasChanged = true
	if err := a.adapter.SetContextData(data); err != nil {
		return "", fmt.Errorf("%s: unable to store context data: %w", op, err)
	}

	client, err := a.newClient(a.config.clientConfig(policy, nil, opts.withRedirectURL))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	var clientOpts []Option
	if prompt != "" {
		clientOpts = append(clientOpts, WithPrompt(prompt))
	}
	if len(opts.withExtraParams) > 0 {
		clientOpts = append(clientOpts, WithExtraParams(opts.withExtraParams))
	}
	authURL, err := client.AuthCodeURL(ctx, state, nonce, clientOpts...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return authURL, nil
}

// HandleAuthRedirect runs the redirect handshake against the current
// request's parameters and returns the URL the host should proceed to,
// together with the classified error when the handshake failed.
//
// On success and on every terminal failure the returned URL is nextAction
// unchanged; a B2C forgot-password error instead returns a redirect to the
// password-reset policy's authorization URL (and instructs the adapter to
// redirect there).  Every failure clears the session before returning, so a
// partially completed handshake can never leave the session authenticated
// with inconsistent claims.  Callers that only care about the reference
// behavior may ignore the error and re-check ContextData.Authenticated.
// Supported options: WithRedirectURL, WithResponseType
func (a *Authenticator) HandleAuthRedirect(ctx context.Context, nextAction string, opt ...Option) (string, error) {
	const op = "Authenticator.HandleAuthRedirect"
	if err := a.validate(op); err != nil {
		return nextAction, err
	}
	opts := getAuthOpts(opt...)

	params, err := a.adapter.RequestParams()
	if err != nil {
		err = fmt.Errorf("%s: unable to read request params: %w", op, err)
	} else {
		err = a.handleRedirect(ctx, params, opts)
	}

	switch {
	case err == nil:
		a.logger.Info("auth redirect: handshake complete")
		return nextAction, nil

	case errors.Is(err, ErrPasswordResetRequested):
		a.logger.Error("auth redirect: password reset requested", "error", err)
		if rmErr := a.RemoveUser(); rmErr != nil {
			a.logger.Error("auth redirect: unable to clear session", "error", rmErr)
		}
		resetURL, urlErr := a.AuthURL(ctx, WithPolicy(a.config.B2C.PasswordReset))
		if urlErr != nil {
			a.logger.Error("auth redirect: unable to build password reset url", "error", urlErr)
			return nextAction, fmt.Errorf("%s: unable to build password reset url: %w", op, urlErr)
		}
		if rdErr := a.adapter.RedirectTo(resetURL); rdErr != nil {
			a.logger.Error("auth redirect: unable to redirect", "error", rdErr)
		}
		return resetURL, err

	default:
		a.logger.Error("auth redirect: handshake failed", "error", err)
		if rmErr := a.RemoveUser(); rmErr != nil {
			a.logger.Error("auth redirect: unable to clear session", "error", rmErr)
		}
		return nextAction, err
	}
}

// handleRedirect is the linear state machine behind HandleAuthRedirect.  The
// ordering is mandatory: the state check runs first and gates every trust
// decision that follows.
func (a *Authenticator) handleRedirect(ctx context.Context, params map[string]string, opts authOptions) error {
	const op = "Authenticator.handleRedirect"
	data, err := a.contextData(op)
	if err != nil {
		return err
	}

	// 1. CSRF protection: the response state must match the one placed on
	// the session when the authorization request was built, and is single
	// use.
	if params[paramState] == "" || params[paramState] != data.State {
		return fmt.Errorf("%s: %w", op, ErrStateMismatch)
	}
	data.State = ""
	data.HasChanged = true
	if err := a.adapter.SetContextData(data); err != nil {
		return fmt.Errorf("%s: unable to store context data: %w", op, err)
	}
	a.logger.Debug("auth redirect: state verified")

	// 2. A provider error code aborts the flow; forgot-password codes get
	// classified for remediation.
	if code := params[paramError]; code != "" {
		return fmt.Errorf("%s: %w", op, &ProviderError{
			Code:        code,
			Description: params[paramErrorDescription],
			URI:         params[paramErrorURI],
		})
	}
	a.logger.Debug("auth redirect: no errors found in request params")

	// 3. Extract the payload for the expected response type.
	responseType := opts.withResponseType
	if responseType == "" {
		responseType = a.config.ResponseType
	}
	if responseType == "" {
		responseType = ResponseTypeCode
	}
	if responseType != ResponseTypeCode {
		return fmt.Errorf("%s: response type %q: %w", op, responseType, ErrUnsupportedResponseType)
	}
	code := params[ResponseTypeCode]
	if code == "" {
		return fmt.Errorf("%s: authorization code is missing: %w", op, ErrInvalidParameter)
	}

	// 4. Exchange the code using the same policy that produced the original
	// request.
	policy := ""
	if a.config.AuthorityType == AuthorityB2C {
		policy = data.LastUsedPolicy
	}
	client, err := a.newClient(a.config.clientConfig(policy, data.TokenCache, opts.withRedirectURL))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	result, err := client.Exchange(ctx, code, data.Nonce)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// 5. Process the result.  The nonce is single use: the client verified
	// the id_token's nonce claim during the exchange, so it is cleared here.
	data.Nonce = ""
	return a.processResult(op, result, data)
}

// processResult applies a token acquisition result to the session: on a
// provider error payload it fails with a token exchange error, otherwise it
// marks the session authenticated, copies claims and the access token,
// stores the refreshed token cache, and flags the data dirty.
func (a *Authenticator) processResult(op string, result *TokenResult, data *ContextData) error {
	if err := result.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	data.Authenticated = true
	if len(result.IDTokenClaims) > 0 {
		data.IDTokenClaims = result.IDTokenClaims
		if name, ok := result.IDTokenClaims[usernameClaim].(string); ok && name != "" {
			data.Username = name
		} else {
			data.Username = DefaultUsername
		}
	}
	if result.AccessToken != "" {
		data.AccessToken = result.AccessToken
	}
	data.TokenCache = result.Cache
	data.HasChanged = true
	if err := a.adapter.SetContextData(data); err != nil {
		return fmt.Errorf("%s: unable to store context data: %w", op, err)
	}
	return nil
}

// VerifyNonce is a standalone single-use check of an inbound nonce against
// the session nonce, with the same mismatch/absence/reuse rules as the state
// check.  The default token client already enforces the id_token's nonce
// claim during Exchange; this operation exists for hosts whose token issuer
// or client does not.
func (a *Authenticator) VerifyNonce(params map[string]string) error {
	const op = "Authenticator.VerifyNonce"
	if err := a.validate(op); err != nil {
		return err
	}
	data, err := a.contextData(op)
	if err != nil {
		return err
	}
	if params[paramNonce] == "" || params[paramNonce] != data.Nonce {
		return fmt.Errorf("%s: %w", op, ErrNonceMismatch)
	}
	data.Nonce = ""
	data.HasChanged = true
	if err := a.adapter.SetContextData(data); err != nil {
		return fmt.Errorf("%s: unable to store context data: %w", op, err)
	}
	return nil
}

// AcquireTokenSilent attempts a non-interactive token acquisition from the
// session's token cache (or an explicitly provided one) and, on success,
// applies the result to the session exactly like a redirect handshake.  On
// failure the session is left unchanged and the provider's error is
// surfaced.
// Supported options: WithScopes, WithAccount, WithTokenCache
func (a *Authenticator) AcquireTokenSilent(ctx context.Context, opt ...Option) error {
	const op = "Authenticator.AcquireTokenSilent"
	if err := a.validate(op); err != nil {
		return err
	}
	opts := getAuthOpts(opt...)
	data, err := a.contextData(op)
	if err != nil {
		return err
	}

	cache := opts.withTokenCache
	if cache == nil {
		cache = data.TokenCache
	}
	cfg := a.config.clientConfig("", cache, "")
	if len(opts.withScopes) > 0 {
		cfg.scopes = append([]string(nil), opts.withScopes...)
	}
	client, err := a.newClient(cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	account := opts.withAccount
	if account == nil {
		accounts, err := client.Accounts(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if len(accounts) == 0 {
			return fmt.Errorf("%s: %w", op, ErrNoAccount)
		}
		account = &accounts[0]
	}

	result, err := client.AcquireTokenSilent(ctx, *account)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return a.processResult(op, result, data)
}

// SignOut computes the provider's logout endpoint (varying by authority type
// and the session's active policy) and instructs the adapter to redirect
// there; the computed URL is returned.  SignOut does not clear the local
// session, see RemoveUser.
func (a *Authenticator) SignOut(postSignOutURL string) (string, error) {
	const op = "Authenticator.SignOut"
	if err := a.validate(op); err != nil {
		return "", err
	}
	signOutURL := strings.TrimSuffix(a.config.Authority, "/")
	if a.config.AuthorityType == AuthorityB2C {
		policy := a.config.B2C.SignUpSignIn
		if data, err := a.contextData(op); err == nil && data.LastUsedPolicy != "" {
			policy = data.LastUsedPolicy
		}
		signOutURL = signOutURL + "/" + strings.Trim(policy, "/")
	}
	signOutURL += logoutEndpoint
	if postSignOutURL != "" {
		signOutURL = fmt.Sprintf("%s?%s=%s", signOutURL, postLogoutRedirectParam, url.QueryEscape(postSignOutURL))
	}
	if err := a.adapter.RedirectTo(signOutURL); err != nil {
		return "", fmt.Errorf("%s: unable to redirect: %w", op, err)
	}
	return signOutURL, nil
}

// RemoveUser clears all session-bound identity data, signing the user out
// from the local session's perspective.  RemoveUser is idempotent.
func (a *Authenticator) RemoveUser() error {
	const op = "Authenticator.RemoveUser"
	if err := a.validate(op); err != nil {
		return err
	}
	data, err := a.contextData(op)
	if err != nil {
		return err
	}
	data.Clear()
	if err := a.adapter.SetContextData(data); err != nil {
		return fmt.Errorf("%s: unable to store context data: %w", op, err)
	}
	if err := a.adapter.ClearSession(); err != nil {
		return fmt.Errorf("%s: unable to clear session: %w", op, err)
	}
	return nil
}

// RequireAuthenticated is the login-required guard: it returns
// ErrNotAuthenticated unless a successful token exchange has occurred since
// the last sign-out or failure.  The error is expected to propagate to the
// host framework, which renders its unauthenticated response.
func (a *Authenticator) RequireAuthenticated() error {
	const op = "Authenticator.RequireAuthenticated"
	if err := a.validate(op); err != nil {
		return err
	}
	data, err := a.contextData(op)
	if err != nil {
		return err
	}
	if !data.Authenticated {
		return fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	}
	return nil
}

// authOptions is the set of available options for Authenticator operations
// (and for the token client operations that share them).
type authOptions struct {
	withPolicy        string
	withRedirectURL   string
	withPrompt        string
	withExtraParams   map[string]string
	withResponseType  string
	withScopes        []string
	withAccount       *Account
	withTokenCache    []byte
	withLogger        hclog.Logger
	withClientFactory clientFactory
}

// authDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func authDefaults() authOptions {
	return authOptions{}
}

// getAuthOpts gets the defaults and applies the opt overrides passed in.
func getAuthOpts(opt ...Option) authOptions {
	opts := authDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPolicy selects an explicit B2C policy for one authorization request.
func WithPolicy(policy string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authOptions); ok {
			o.withPolicy = policy
		}
	}
}

// WithPrompt provides an optional prompt parameter for the authorization
// request, e.g. PromptSelectAccount.
func WithPrompt(prompt string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authOptions); ok {
			o.withPrompt = prompt
		}
	}
}

// WithExtraParams provides additional query parameters for the
// authorization request.
func WithExtraParams(params map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*authOptions); ok {
			o.withExtraParams = params
		}
	}
}

// WithAccount selects an explicit account for silent token acquisition.
func WithAccount(a Account) Option {
	return func(o interface{}) {
		if o, ok := o.(*authOptions); ok {
			o.withAccount = &a
		}
	}
}

// WithTokenCache provides an explicit serialized token cache, overriding the
// session's stored one.
func WithTokenCache(cache []byte) Option {
	return func(o interface{}) {
		if o, ok := o.(*authOptions); ok {
			o.withTokenCache = cache
		}
	}
}

// WithLogger provides an optional logger for the Authenticator; it defaults
// to a no-op logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*authOptions); ok {
			o.withLogger = l
		}
	}
}

// withClientFactory substitutes the token client factory; used by tests.
func withClientFactory(f clientFactory) Option {
	return func(o interface{}) {
		if o, ok := o.(*authOptions); ok {
			o.withClientFactory = f
		}
	}
}
