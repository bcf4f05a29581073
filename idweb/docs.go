/*
idweb is a package for binding an OAuth2/OIDC authorization-code flow
(including the Azure AD B2C policy variant) to a server-side web session.

Primary types provided by the package

* ContextData: the per-session identity record.  It holds the session's
authentication status, the pending one-time state and nonce values for an
outstanding authorization request, cached tokens, and the user's id_token
claims.

* ContextAdapter: the capability contract a host integration implements so
the package can read request parameters, load/store ContextData, clear the
session, and issue redirects.  The package never touches host request or
session objects directly.

* Config: the immutable configuration for a relying party (client id/secret,
authority, authority type, B2C policies, scopes, redirect URL, etc).

* Authenticator: drives the redirect handshake state machine.  It generates
authorization URLs, verifies the one-time state and nonce, classifies
provider error responses, exchanges authorization codes for tokens, runs
silent token acquisition from the session's token cache, and computes
sign-out redirects.

* TokenClient: one configured OAuth2/OIDC client bound to a single authority
(and policy, for B2C).  Clients are built per call and never reused, so no
state can leak between calls.
*/
package idweb
