package idweb

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

// WithScopes provides an optional list of scopes.  Valid for: Config,
// Authenticator operations.
func WithScopes(scopes []string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withScopes = scopes
		case *authOptions:
			v.withScopes = scopes
		}
	}
}

// WithRedirectURL overrides the configured redirect URL for one call.  Valid
// for: Authenticator operations.
func WithRedirectURL(url string) Option {
	return func(o interface{}) {
		if v, ok := o.(*authOptions); ok {
			v.withRedirectURL = url
		}
	}
}

// WithResponseType provides an optional response type.  Valid for: Config,
// Authenticator.HandleAuthRedirect.  Only ResponseTypeCode is currently
// supported by the redirect handler.
func WithResponseType(t string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withResponseType = t
		case *authOptions:
			v.withResponseType = t
		}
	}
}

// WithPrefix provides an optional prefix for a generated id.  Valid for:
// NewID.
func WithPrefix(prefix string) Option {
	return func(o interface{}) {
		if v, ok := o.(*idOptions); ok {
			v.withPrefix = prefix
		}
	}
}
