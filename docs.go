// identityweb provides packages that bind an OpenID Connect
// authorization-code flow to a web application's server-side session,
// including support for Azure AD B2C policy based authorities.
//
// See the idweb package.
package identityweb
