package idweb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       *ProviderError
		wantIsErr error
		wantMsg   string
	}{
		{
			name:      "forgot-password-code",
			err:       &ProviderError{Code: "AADB2C90118"},
			wantIsErr: ErrPasswordResetRequested,
			wantMsg:   "AADB2C90118",
		},
		{
			name:      "forgot-password-code-with-description",
			err:       &ProviderError{Code: "AADB2C90118", Description: "The user has forgotten their password."},
			wantIsErr: ErrPasswordResetRequested,
			wantMsg:   "AADB2C90118: The user has forgotten their password.",
		},
		{
			name:      "generic-code",
			err:       &ProviderError{Code: "access_denied"},
			wantIsErr: ErrProviderResponse,
			wantMsg:   "access_denied",
		},
		{
			name:      "generic-code-is-not-password-reset",
			err:       &ProviderError{Code: "interaction_required"},
			wantIsErr: ErrProviderResponse,
			wantMsg:   "interaction_required",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			assert.True(errors.Is(tt.err, tt.wantIsErr))
			assert.Equal(tt.wantMsg, tt.err.Error())

			// classification survives wrapping
			wrapped := fmt.Errorf("op: %w", tt.err)
			assert.True(errors.Is(wrapped, tt.wantIsErr))
		})
	}
}

func TestTokenResult_Err(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	assert.NoError((&TokenResult{AccessToken: "tok"}).Err())

	err := (&TokenResult{Error: "invalid_grant", ErrorDescription: "expired code"}).Err()
	assert.True(errors.Is(err, ErrTokenExchange))
	assert.Contains(err.Error(), "invalid_grant")
	assert.Contains(err.Error(), "expired code")

	var nilResult *TokenResult
	assert.True(errors.Is(nilResult.Err(), ErrNilParameter))
}
