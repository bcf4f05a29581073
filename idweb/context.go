package idweb

// DefaultUsername is the username reported before any identity claims are
// known, and after the session has been cleared.
const DefaultUsername = "anonymous"

// ContextData is the per-session identity record.  It is owned by exactly
// one session: the ContextAdapter creates it at first access, the
// Authenticator mutates it during the handshake, and it is cleared on
// sign-out or on any handshake failure.
//
// State and Nonce are single use: once verified they are cleared so they
// cannot be replayed.  Authenticated is true iff a successful token exchange
// has occurred since the last sign-out or failure.
type ContextData struct {
	Authenticated bool `json:"authenticated"`

	// State is the anti-CSRF token tied to one outstanding authorization
	// request, or empty when no request is pending.
	State string `json:"state,omitempty"`

	// Nonce is the replay-protection token tied to one outstanding
	// authorization request, or empty when no request is pending.
	Nonce string `json:"nonce,omitempty"`

	// LastUsedPolicy records which B2C policy initiated the current flow, so
	// the code exchange can use the same policy that produced the request.
	LastUsedPolicy string `json:"last_used_b2c_policy,omitempty"`

	Username string `json:"username"`

	IDTokenClaims map[string]interface{} `json:"id_token_claims,omitempty"`

	AccessToken string `json:"access_token,omitempty"`

	// TokenCache is a serializable blob owned by the token client and
	// round-tripped through the session; it is opaque to this package's
	// callers.
	TokenCache []byte `json:"token_cache,omitempty"`

	// HasChanged signals the adapter that the data must be persisted.  It is
	// never serialized.
	HasChanged bool `json:"-"`
}

// NewContextData returns ContextData in its unauthenticated default shape.
func NewContextData() *ContextData {
	return &ContextData{
		Username: DefaultUsername,
	}
}

// Clear resets the data to its unauthenticated default shape and marks it
// dirty.  Clear is idempotent.
func (d *ContextData) Clear() {
	if d == nil {
		return
	}
	*d = ContextData{
		Username:   DefaultUsername,
		HasChanged: true,
	}
}
