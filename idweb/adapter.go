package idweb

// ContextAdapter is the capability contract between this package and a host
// web framework.  Any host integration (net/http, a router framework, a test
// double) implements it; the Authenticator depends only on this interface
// and never touches host request or session objects directly.
//
// The package assumes at most one in-flight handshake per session and does
// no locking of its own; if the host does not serialize requests per
// session, the adapter is responsible for that serialization.
type ContextAdapter interface {
	// ContextData returns the session's identity record, creating it at
	// first access.
	ContextData() (*ContextData, error)

	// SetContextData stores the identity record against the session.
	// Implementations should persist it when HasChanged is set.
	SetContextData(d *ContextData) error

	// RequestParams returns the current request's query/body parameters as a
	// flat mapping from name to value.
	RequestParams() (map[string]string, error)

	// RedirectTo instructs the host to redirect the user agent to url.
	RedirectTo(url string) error

	// ClearSession removes all session-bound data for the current session.
	ClearSession() error
}
