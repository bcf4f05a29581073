package idweb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContextData(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	d := NewContextData()
	assert.False(d.Authenticated)
	assert.Equal(DefaultUsername, d.Username)
	assert.Empty(d.State)
	assert.Empty(d.Nonce)
	assert.False(d.HasChanged)
}

func TestContextData_Clear(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	d := &ContextData{
		Authenticated:  true,
		State:          "st_1",
		Nonce:          "n_1",
		LastUsedPolicy: "b2c_1_susi",
		Username:       "alice",
		IDTokenClaims:  map[string]interface{}{"name": "alice"},
		AccessToken:    "tok",
		TokenCache:     []byte(`{}`),
	}
	d.Clear()
	assert.False(d.Authenticated)
	assert.Equal(DefaultUsername, d.Username)
	assert.Empty(d.State)
	assert.Empty(d.Nonce)
	assert.Empty(d.LastUsedPolicy)
	assert.Nil(d.IDTokenClaims)
	assert.Empty(d.AccessToken)
	assert.Nil(d.TokenCache)
	assert.True(d.HasChanged)

	// clearing twice leaves the same cleared state
	before := *d
	d.Clear()
	assert.Equal(before, *d)
}

func TestContextData_serialization(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	d := &ContextData{
		Authenticated: true,
		Username:      "alice",
		IDTokenClaims: map[string]interface{}{"name": "alice"},
		AccessToken:   "tok",
		TokenCache:    []byte(`{"account":{"home_account_id":"sub-1"}}`),
		HasChanged:    true,
	}
	blob, err := json.Marshal(d)
	require.NoError(err)
	// the dirty flag is transport state, not session state
	assert.NotContains(string(blob), "HasChanged")

	var got ContextData
	require.NoError(json.Unmarshal(blob, &got))
	assert.True(got.Authenticated)
	assert.Equal("alice", got.Username)
	assert.Equal(d.TokenCache, got.TokenCache)
	assert.False(got.HasChanged)
}
