package idweb

import (
	"errors"
	"fmt"
	"strings"
)

// B2CForgotPasswordErrorCode is the prefix of the error code an Azure AD B2C
// authority returns on the redirect when the user clicked "forgot password"
// during a sign-in policy.
const B2CForgotPasswordErrorCode = "AADB2C90118"

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrInvalidCACert     = errors.New("invalid CA certificate")
	ErrIDGeneratorFailed = errors.New("id generation failed")
	ErrMissingIDToken    = errors.New("id_token is missing")
	ErrInvalidAudience   = errors.New("invalid audience")

	// ErrStateMismatch is the security error raised when the response state
	// parameter is absent, already used, or does not match the session state.
	ErrStateMismatch = errors.New("response state and session state do not match")

	// ErrNonceMismatch is the security error raised when the id_token nonce
	// is absent, already used, or does not match the session nonce.
	ErrNonceMismatch = errors.New("id_token nonce and session nonce do not match")

	// ErrProviderResponse indicates the provider returned an error code on
	// the redirect; see ProviderError for the payload.
	ErrProviderResponse = errors.New("provider returned an error response")

	// ErrPasswordResetRequested indicates a B2C forgot-password error code;
	// the handshake remediates by redirecting into the password-reset policy.
	ErrPasswordResetRequested = errors.New("provider requested a password reset")

	// ErrTokenExchange indicates the code redemption or silent refresh
	// returned an error payload instead of tokens.
	ErrTokenExchange = errors.New("token exchange failed")

	ErrUnsupportedResponseType = errors.New("unsupported response type")

	// ErrNotAuthenticated is raised by the login-required guard and is
	// expected to propagate to the host framework.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoAccount indicates the token cache holds no account usable for
	// silent token acquisition.
	ErrNoAccount = errors.New("no account found in token cache")
)

// ProviderError represents an OAuth2 error response the provider delivered
// via the redirect back to the application.  See:
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type ProviderError struct {
	// Code is the provider's error code (the "error" parameter).
	Code string

	// Description is the optional "error_description" parameter.
	Description string

	// URI is the optional "error_uri" parameter.
	URI string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// Unwrap classifies the response: codes with the B2C forgot-password prefix
// unwrap to ErrPasswordResetRequested, every other code unwraps to
// ErrProviderResponse.
func (e *ProviderError) Unwrap() error {
	if strings.HasPrefix(e.Code, B2CForgotPasswordErrorCode) {
		return ErrPasswordResetRequested
	}
	return ErrProviderResponse
}
