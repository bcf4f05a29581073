package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/identityweb/identityweb/idweb"
)

type app struct {
	cfg      *idweb.Config
	sessions *sessionStore
	logger   hclog.Logger
}

// authenticator binds the current request to a fresh Authenticator.
func (a *app) authenticator(w http.ResponseWriter, r *http.Request) (*idweb.Authenticator, error) {
	adapter, err := newWebAdapter(w, r, a.sessions)
	if err != nil {
		return nil, err
	}
	return idweb.New(a.cfg, adapter, idweb.WithLogger(a.logger))
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	auth, err := a.authenticator(w, r)
	if err != nil {
		a.internalError(w, err)
		return
	}
	authURL, err := auth.AuthURL(r.Context(), idweb.WithPrompt(idweb.PromptSelectAccount))
	if err != nil {
		a.internalError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *app) handleAuthRedirect(w http.ResponseWriter, r *http.Request) {
	auth, err := a.authenticator(w, r)
	if err != nil {
		a.internalError(w, err)
		return
	}
	next, err := auth.HandleAuthRedirect(r.Context(), "/profile")
	switch {
	case err == nil:
		http.Redirect(w, r, next, http.StatusFound)
	case errors.Is(err, idweb.ErrPasswordResetRequested):
		// the adapter already redirected into the password-reset flow
	default:
		a.logger.Error("auth redirect failed", "error", err)
		http.Error(w, "sign-in failed", http.StatusUnauthorized)
	}
}

// requireLogin guards a handler behind an authenticated session.
func (a *app) requireLogin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := a.authenticator(w, r)
		if err != nil {
			a.internalError(w, err)
			return
		}
		if err := auth.RequireAuthenticated(); err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next(w, r)
	}
}

func (a *app) handleProfile(w http.ResponseWriter, r *http.Request) {
	adapter, err := newWebAdapter(w, r, a.sessions)
	if err != nil {
		a.internalError(w, err)
		return
	}
	data, err := adapter.ContextData()
	if err != nil || data == nil {
		a.internalError(w, errors.New("no session data"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"username": data.Username,
		"claims":   data.IDTokenClaims,
	})
}

func (a *app) handleRefresh(w http.ResponseWriter, r *http.Request) {
	auth, err := a.authenticator(w, r)
	if err != nil {
		a.internalError(w, err)
		return
	}
	if err := auth.AcquireTokenSilent(r.Context()); err != nil {
		a.logger.Error("silent token acquisition failed", "error", err)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/profile", http.StatusFound)
}

func (a *app) handleSignOut(w http.ResponseWriter, r *http.Request) {
	auth, err := a.authenticator(w, r)
	if err != nil {
		a.internalError(w, err)
		return
	}
	if err := auth.RemoveUser(); err != nil {
		a.internalError(w, err)
		return
	}
	// SignOut redirects to the provider's logout endpoint via the adapter
	if _, err := auth.SignOut("http://" + r.Host + "/login"); err != nil {
		a.internalError(w, err)
	}
}

func (a *app) internalError(w http.ResponseWriter, err error) {
	a.logger.Error("request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
