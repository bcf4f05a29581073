package idweb

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenClient stands in for the provider-facing client so the
// orchestrator's state machine can be tested without a network.
type fakeTokenClient struct {
	exchangeResult *TokenResult
	exchangeErr    error
	accounts       []Account
	silentResult   *TokenResult
	silentErr      error

	cfg       clientConfig
	gotState  string
	gotNonce  string
	gotCode   string
	gotPrompt string
	gotExtra  map[string]string
}

func (f *fakeTokenClient) factory() clientFactory {
	return func(cfg clientConfig) (TokenClient, error) {
		f.cfg = cfg
		return f, nil
	}
}

func (f *fakeTokenClient) AuthCodeURL(_ context.Context, state string, nonce string, opt ...Option) (string, error) {
	opts := getAuthOpts(opt...)
	f.gotState = state
	f.gotNonce = nonce
	f.gotPrompt = opts.withPrompt
	f.gotExtra = opts.withExtraParams
	u := f.cfg.authority + "/auth?state=" + url.QueryEscape(state) + "&nonce=" + url.QueryEscape(nonce)
	if opts.withPrompt != "" {
		u += "&prompt=" + url.QueryEscape(opts.withPrompt)
	}
	return u, nil
}

func (f *fakeTokenClient) Exchange(_ context.Context, code string, nonce string) (*TokenResult, error) {
	f.gotCode = code
	f.gotNonce = nonce
	return f.exchangeResult, f.exchangeErr
}

func (f *fakeTokenClient) Accounts(_ context.Context) ([]Account, error) {
	return f.accounts, nil
}

func (f *fakeTokenClient) AcquireTokenSilent(_ context.Context, _ Account, _ ...Option) (*TokenResult, error) {
	return f.silentResult, f.silentErr
}

func testStandardConfig(t *testing.T) *Config {
	t.Helper()
	c, err := NewConfig(
		"https://login.example.com/tenant/",
		"client-id",
		"client-secret",
		"https://app.example.com/redirect",
	)
	require.NoError(t, err)
	return c
}

func testB2CConfig(t *testing.T) *Config {
	t.Helper()
	c, err := NewConfig(
		"https://tenant.b2clogin.com/tenant.onmicrosoft.com/",
		"client-id",
		"client-secret",
		"https://app.example.com/redirect",
		WithB2C(testB2CPolicies()),
	)
	require.NoError(t, err)
	return c
}

func testAuthenticator(t *testing.T, c *Config, adapter ContextAdapter, f *fakeTokenClient) *Authenticator {
	t.Helper()
	a, err := New(c, adapter, withClientFactory(f.factory()))
	require.NoError(t, err)
	return a
}

func TestNew(t *testing.T) {
	t.Parallel()
	t.Run("nil-config", func(t *testing.T) {
		assert := assert.New(t)
		_, err := New(nil, NewTestContextAdapter())
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("nil-adapter", func(t *testing.T) {
		assert := assert.New(t)
		_, err := New(testStandardConfig(t), nil)
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("invalid-config", func(t *testing.T) {
		assert := assert.New(t)
		_, err := New(&Config{}, NewTestContextAdapter())
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
}

func TestAuthenticator_AuthURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("standard", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		f := &fakeTokenClient{}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		got, err := a.AuthURL(ctx)
		require.NoError(err)
		assert.NotEmpty(got)

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.True(strings.HasPrefix(data.State, "st_"))
		assert.True(strings.HasPrefix(data.Nonce, "n_"))
		assert.True(data.HasChanged)
		assert.Empty(data.LastUsedPolicy)
		assert.Equal(data.State, f.gotState)
		assert.Equal(data.Nonce, f.gotNonce)
	})

	t.Run("b2c-default-policy", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		f := &fakeTokenClient{}
		a := testAuthenticator(t, testB2CConfig(t), adapter, f)

		_, err := a.AuthURL(ctx, WithPrompt(PromptSelectAccount))
		require.NoError(err)

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.Equal("b2c_1_susi", data.LastUsedPolicy)
		assert.Equal("b2c_1_susi", f.cfg.policy)
		// the default policy keeps the account picker
		assert.Equal(PromptSelectAccount, f.gotPrompt)
	})

	t.Run("b2c-non-default-policy-strips-select-account", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		f := &fakeTokenClient{}
		a := testAuthenticator(t, testB2CConfig(t), adapter, f)

		got, err := a.AuthURL(ctx, WithPolicy("b2c_1_profile"), WithPrompt(PromptSelectAccount))
		require.NoError(err)
		assert.Contains(got, "b2c_1_profile")

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.Equal("b2c_1_profile", data.LastUsedPolicy)
		assert.Empty(f.gotPrompt)
	})

	t.Run("extra-params-forwarded", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		f := &fakeTokenClient{}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		_, err := a.AuthURL(ctx, WithExtraParams(map[string]string{"login_hint": "alice@example.com"}))
		require.NoError(err)
		assert.Equal("alice@example.com", f.gotExtra["login_hint"])
	})

	t.Run("redirect-override", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		f := &fakeTokenClient{}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		_, err := a.AuthURL(ctx, WithRedirectURL("https://other.example.com/cb"))
		require.NoError(err)
		assert.Equal("https://other.example.com/cb", f.cfg.redirectURL)
	})
}

func TestAuthenticator_HandleAuthRedirect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const nextAction = "/home"

	seed := func(t *testing.T, adapter *TestContextAdapter, data *ContextData) {
		t.Helper()
		require.NoError(t, adapter.SetContextData(data))
	}

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1", "code": "abc"})
		seed(t, adapter, &ContextData{State: "s1", Nonce: "n1", Username: DefaultUsername})
		f := &fakeTokenClient{
			exchangeResult: &TokenResult{
				AccessToken:   "tok",
				IDTokenClaims: map[string]interface{}{"name": "alice"},
				Cache:         []byte(`{"account":{"home_account_id":"sub-1","username":"alice"}}`),
			},
		}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		got, err := a.HandleAuthRedirect(ctx, nextAction)
		require.NoError(err)
		assert.Equal(nextAction, got)
		assert.Equal("abc", f.gotCode)
		assert.Equal("n1", f.gotNonce)

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.True(data.Authenticated)
		assert.Equal("alice", data.Username)
		assert.Equal("tok", data.AccessToken)
		assert.Equal(f.exchangeResult.Cache, data.TokenCache)
		// state and nonce are single use
		assert.Empty(data.State)
		assert.Empty(data.Nonce)
		assert.True(data.HasChanged)
	})

	t.Run("state-mismatch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "wrong"})
		seed(t, adapter, &ContextData{State: "s1", Nonce: "n1", Username: DefaultUsername})
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		got, err := a.HandleAuthRedirect(ctx, nextAction)
		assert.Equal(nextAction, got)
		assert.True(errors.Is(err, ErrStateMismatch))
		assert.Equal(1, adapter.ClearedCount())

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.False(data.Authenticated)
		assert.Empty(data.State)
		assert.Equal(DefaultUsername, data.Username)
	})

	t.Run("state-missing", func(t *testing.T) {
		assert := assert.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"code": "abc"})
		seed(t, adapter, &ContextData{State: "s1", Username: DefaultUsername})
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		got, err := a.HandleAuthRedirect(ctx, nextAction)
		assert.Equal(nextAction, got)
		assert.True(errors.Is(err, ErrStateMismatch))
		assert.Equal(1, adapter.ClearedCount())
	})

	t.Run("state-reuse", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1", "code": "abc"})
		seed(t, adapter, &ContextData{State: "s1", Nonce: "n1", Username: DefaultUsername})
		f := &fakeTokenClient{
			exchangeResult: &TokenResult{AccessToken: "tok"},
		}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		_, err := a.HandleAuthRedirect(ctx, nextAction)
		require.NoError(err)

		// replaying the same redirect must fail: the state was consumed
		_, err = a.HandleAuthRedirect(ctx, nextAction)
		assert.True(errors.Is(err, ErrStateMismatch))
	})

	t.Run("generic-provider-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1", "error": "access_denied", "error_description": "user cancelled"})
		seed(t, adapter, &ContextData{State: "s1", Username: DefaultUsername})
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		got, err := a.HandleAuthRedirect(ctx, nextAction)
		assert.Equal(nextAction, got)
		assert.True(errors.Is(err, ErrProviderResponse))
		assert.Contains(err.Error(), "user cancelled")
		assert.Equal(1, adapter.ClearedCount())

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.False(data.Authenticated)
	})

	t.Run("password-reset-remediation", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1", "error": "AADB2C90118"})
		seed(t, adapter, &ContextData{State: "s1", LastUsedPolicy: "b2c_1_susi", Username: DefaultUsername})
		f := &fakeTokenClient{}
		a := testAuthenticator(t, testB2CConfig(t), adapter, f)

		got, err := a.HandleAuthRedirect(ctx, nextAction)
		assert.True(errors.Is(err, ErrPasswordResetRequested))
		assert.NotEqual(nextAction, got)
		assert.Contains(got, "b2c_1_pwreset")

		redirects := adapter.Redirects()
		require.Len(redirects, 1)
		assert.Equal(got, redirects[0])

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.False(data.Authenticated)
		// the remediation flow became the pending one
		assert.Equal("b2c_1_pwreset", data.LastUsedPolicy)
		assert.NotEmpty(data.State)
	})

	t.Run("unsupported-response-type", func(t *testing.T) {
		assert := assert.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1", "code": "abc"})
		seed(t, adapter, &ContextData{State: "s1", Username: DefaultUsername})
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		got, err := a.HandleAuthRedirect(ctx, nextAction, WithResponseType("id_token"))
		assert.Equal(nextAction, got)
		assert.True(errors.Is(err, ErrUnsupportedResponseType))
		assert.Equal(1, adapter.ClearedCount())
	})

	t.Run("missing-code", func(t *testing.T) {
		assert := assert.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1"})
		seed(t, adapter, &ContextData{State: "s1", Username: DefaultUsername})
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		got, err := a.HandleAuthRedirect(ctx, nextAction)
		assert.Equal(nextAction, got)
		assert.True(errors.Is(err, ErrInvalidParameter))
		assert.Equal(1, adapter.ClearedCount())
	})

	t.Run("exchange-error-payload", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1", "code": "abc"})
		seed(t, adapter, &ContextData{State: "s1", Nonce: "n1", Username: DefaultUsername})
		f := &fakeTokenClient{
			exchangeResult: &TokenResult{Error: "invalid_grant"},
		}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		got, err := a.HandleAuthRedirect(ctx, nextAction)
		assert.Equal(nextAction, got)
		assert.True(errors.Is(err, ErrTokenExchange))
		assert.Equal(1, adapter.ClearedCount())

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.False(data.Authenticated)
	})

	t.Run("b2c-exchange-uses-initiating-policy", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		adapter.SetRequestParams(map[string]string{"state": "s1", "code": "abc"})
		seed(t, adapter, &ContextData{State: "s1", Nonce: "n1", LastUsedPolicy: "b2c_1_profile", Username: DefaultUsername})
		f := &fakeTokenClient{
			exchangeResult: &TokenResult{AccessToken: "tok"},
		}
		a := testAuthenticator(t, testB2CConfig(t), adapter, f)

		_, err := a.HandleAuthRedirect(ctx, nextAction)
		require.NoError(err)
		assert.Equal("b2c_1_profile", f.cfg.policy)
	})
}

func TestAuthenticator_VerifyNonce(t *testing.T) {
	t.Parallel()
	t.Run("single-use", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		require.NoError(adapter.SetContextData(&ContextData{Nonce: "n1", Username: DefaultUsername}))
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		require.NoError(a.VerifyNonce(map[string]string{"nonce": "n1"}))

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.Empty(data.Nonce)

		// a second verification must fail: the nonce was consumed
		err = a.VerifyNonce(map[string]string{"nonce": "n1"})
		assert.True(errors.Is(err, ErrNonceMismatch))
	})
	t.Run("mismatch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		require.NoError(adapter.SetContextData(&ContextData{Nonce: "n1", Username: DefaultUsername}))
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		err := a.VerifyNonce(map[string]string{"nonce": "other"})
		assert.True(errors.Is(err, ErrNonceMismatch))
	})
	t.Run("missing", func(t *testing.T) {
		assert := assert.New(t)
		adapter := NewTestContextAdapter()
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		err := a.VerifyNonce(map[string]string{})
		assert.True(errors.Is(err, ErrNonceMismatch))
	})
}

func TestAuthenticator_AcquireTokenSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no-account", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		require.NoError(adapter.SetContextData(&ContextData{TokenCache: []byte(`{}`), Username: DefaultUsername}))
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		err := a.AcquireTokenSilent(ctx)
		assert.True(errors.Is(err, ErrNoAccount))

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.False(data.Authenticated)
		assert.Equal(DefaultUsername, data.Username)
	})

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		require.NoError(adapter.SetContextData(&ContextData{TokenCache: []byte(`{"account":{"home_account_id":"sub-1"}}`), Username: DefaultUsername}))
		f := &fakeTokenClient{
			accounts: []Account{{HomeAccountID: "sub-1", Username: "alice"}},
			silentResult: &TokenResult{
				AccessToken:   "tok2",
				IDTokenClaims: map[string]interface{}{"name": "alice"},
				Cache:         []byte(`{"account":{"home_account_id":"sub-1"},"access_token":"tok2"}`),
			},
		}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		require.NoError(a.AcquireTokenSilent(ctx))

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.True(data.Authenticated)
		assert.Equal("alice", data.Username)
		assert.Equal("tok2", data.AccessToken)
		assert.Equal(f.silentResult.Cache, data.TokenCache)
	})

	t.Run("provider-error-leaves-context-unchanged", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		require.NoError(adapter.SetContextData(&ContextData{TokenCache: []byte(`{}`), Username: DefaultUsername}))
		f := &fakeTokenClient{
			accounts:     []Account{{HomeAccountID: "sub-1"}},
			silentResult: &TokenResult{Error: "interaction_required"},
		}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		err := a.AcquireTokenSilent(ctx)
		assert.True(errors.Is(err, ErrTokenExchange))

		data, err := adapter.ContextData()
		require.NoError(err)
		assert.False(data.Authenticated)
	})

	t.Run("scopes-override", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		f := &fakeTokenClient{
			accounts:     []Account{{HomeAccountID: "sub-1"}},
			silentResult: &TokenResult{AccessToken: "tok"},
		}
		a := testAuthenticator(t, testStandardConfig(t), adapter, f)

		require.NoError(a.AcquireTokenSilent(ctx, WithScopes([]string{"user.read"})))
		assert.Equal([]string{"user.read"}, f.cfg.scopes)
	})
}

func TestAuthenticator_SignOut(t *testing.T) {
	t.Parallel()
	t.Run("standard", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		got, err := a.SignOut("")
		require.NoError(err)
		assert.Equal("https://login.example.com/tenant/oauth2/v2.0/logout", got)
		assert.Equal([]string{got}, adapter.Redirects())
	})
	t.Run("standard-with-post-sign-out-url", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

		got, err := a.SignOut("https://app.example.com/")
		require.NoError(err)
		assert.Equal("https://login.example.com/tenant/oauth2/v2.0/logout?post_logout_redirect_uri=https%3A%2F%2Fapp.example.com%2F", got)
	})
	t.Run("b2c-default-policy", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		a := testAuthenticator(t, testB2CConfig(t), adapter, &fakeTokenClient{})

		got, err := a.SignOut("")
		require.NoError(err)
		assert.Equal("https://tenant.b2clogin.com/tenant.onmicrosoft.com/b2c_1_susi/oauth2/v2.0/logout", got)
	})
	t.Run("b2c-active-policy", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		adapter := NewTestContextAdapter()
		require.NoError(adapter.SetContextData(&ContextData{LastUsedPolicy: "b2c_1_profile", Username: DefaultUsername}))
		a := testAuthenticator(t, testB2CConfig(t), adapter, &fakeTokenClient{})

		got, err := a.SignOut("")
		require.NoError(err)
		assert.Contains(got, "/b2c_1_profile/oauth2/v2.0/logout")
	})
}

func TestAuthenticator_RemoveUser(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	adapter := NewTestContextAdapter()
	require.NoError(adapter.SetContextData(&ContextData{
		Authenticated: true,
		Username:      "alice",
		AccessToken:   "tok",
		TokenCache:    []byte(`{}`),
	}))
	a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

	require.NoError(a.RemoveUser())
	data, err := adapter.ContextData()
	require.NoError(err)
	assert.False(data.Authenticated)
	assert.Equal(DefaultUsername, data.Username)
	first := *data

	// removing twice leaves the same cleared state
	require.NoError(a.RemoveUser())
	data, err = adapter.ContextData()
	require.NoError(err)
	assert.Equal(first, *data)
	assert.Equal(2, adapter.ClearedCount())
}

func TestAuthenticator_RequireAuthenticated(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	adapter := NewTestContextAdapter()
	a := testAuthenticator(t, testStandardConfig(t), adapter, &fakeTokenClient{})

	err := a.RequireAuthenticated()
	assert.True(errors.Is(err, ErrNotAuthenticated))

	require.NoError(adapter.SetContextData(&ContextData{Authenticated: true, Username: "alice"}))
	assert.NoError(a.RequireAuthenticated())
}
