package idweb

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestContextAdapter is an in-memory ContextAdapter for tests.  It records
// redirect instructions and session clears so tests can assert on them.  It
// is concurrently safe.
type TestContextAdapter struct {
	mu sync.Mutex

	data      *ContextData
	params    map[string]string
	redirects []string
	cleared   int
}

var _ ContextAdapter = (*TestContextAdapter)(nil)

// NewTestContextAdapter creates a TestContextAdapter with no pending request
// parameters.
func NewTestContextAdapter() *TestContextAdapter {
	return &TestContextAdapter{
		params: map[string]string{},
	}
}

// ContextData implements ContextAdapter, creating the data at first access.
func (a *TestContextAdapter) ContextData() (*ContextData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		a.data = NewContextData()
	}
	return a.data, nil
}

// SetContextData implements ContextAdapter.
func (a *TestContextAdapter) SetContextData(d *ContextData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = d
	return nil
}

// RequestParams implements ContextAdapter.
func (a *TestContextAdapter) RequestParams() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	params := make(map[string]string, len(a.params))
	for k, v := range a.params {
		params[k] = v
	}
	return params, nil
}

// RedirectTo implements ContextAdapter by recording the url.
func (a *TestContextAdapter) RedirectTo(url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redirects = append(a.redirects, url)
	return nil
}

// ClearSession implements ContextAdapter by dropping the stored data.
func (a *TestContextAdapter) ClearSession() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = nil
	a.cleared++
	return nil
}

// SetRequestParams stages the parameters the next RequestParams call
// returns.
func (a *TestContextAdapter) SetRequestParams(params map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = params
}

// Redirects returns every url RedirectTo was called with.
func (a *TestContextAdapter) Redirects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.redirects...)
}

// ClearedCount returns how many times ClearSession was called.
func (a *TestContextAdapter) ClearedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cleared
}

// TestGenerateKeys will generate a test ECDSA P-256 pub/priv key pair
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	{
		derBytes, err := x509.MarshalECPrivateKey(privateKey)
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: derBytes,
		}
		priv = string(pem.EncodeToMemory(pemBlock))
	}
	{
		derBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
		require.NoError(err)

		pemBlock := &pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: derBytes,
		}
		pub = string(pem.EncodeToMemory(pemBlock))
	}

	return pub, priv
}

// TestSignJWT will bundle the provided claims into a test signed JWT. The
// provided key must be ECDSA.
func TestSignJWT(t *testing.T, ecdsaPrivKeyPEM string, claims jwt.Claims, privateClaims interface{}) string {
	t.Helper()
	require := require.New(t)
	var key *ecdsa.PrivateKey
	block, _ := pem.Decode([]byte(ecdsaPrivKeyPEM))
	if block != nil {
		var err error
		key, err = x509.ParseECPrivateKey(block.Bytes)
		require.NoError(err)
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	raw, err := jwt.Signed(sig).
		Claims(claims).
		Claims(privateClaims).
		CompactSerialize()
	require.NoError(err)

	return raw
}
