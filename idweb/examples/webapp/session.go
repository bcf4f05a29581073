package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-uuid"

	"github.com/identityweb/identityweb/idweb"
)

const sessionCookie = "idweb-session"

// sessionStore is an in-memory session map keyed by the session cookie value.
// A real deployment would back this with a persistent store.
type sessionStore struct {
	m sync.Mutex
	c map[string]*idweb.ContextData
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		c: map[string]*idweb.ContextData{},
	}
}

func (s *sessionStore) read(id string) *idweb.ContextData {
	s.m.Lock()
	defer s.m.Unlock()
	return s.c[id]
}

func (s *sessionStore) write(id string, data *idweb.ContextData) {
	s.m.Lock()
	defer s.m.Unlock()
	s.c[id] = data
}

func (s *sessionStore) delete(id string) {
	s.m.Lock()
	defer s.m.Unlock()
	delete(s.c, id)
}

// webAdapter binds one http request/response pair and its session to the
// idweb.ContextAdapter interface.
type webAdapter struct {
	w         http.ResponseWriter
	r         *http.Request
	store     *sessionStore
	sessionID string
}

var _ idweb.ContextAdapter = (*webAdapter)(nil)

// newWebAdapter resolves the request's session cookie, minting a new session
// when the request carries none.
func newWebAdapter(w http.ResponseWriter, r *http.Request, store *sessionStore) (*webAdapter, error) {
	const op = "newWebAdapter"
	var sessionID string
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	} else {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("%s: unable to generate session id: %w", op, err)
		}
		sessionID = id
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
		})
	}
	return &webAdapter{
		w:         w,
		r:         r,
		store:     store,
		sessionID: sessionID,
	}, nil
}

func (a *webAdapter) ContextData() (*idweb.ContextData, error) {
	return a.store.read(a.sessionID), nil
}

func (a *webAdapter) SetContextData(data *idweb.ContextData) error {
	a.store.write(a.sessionID, data)
	return nil
}

func (a *webAdapter) RequestParams() (map[string]string, error) {
	const op = "webAdapter.RequestParams"
	if err := a.r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%s: unable to parse request params: %w", op, err)
	}
	params := make(map[string]string, len(a.r.Form))
	for k, v := range a.r.Form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params, nil
}

func (a *webAdapter) RedirectTo(url string) error {
	http.Redirect(a.w, a.r, url, http.StatusFound)
	return nil
}

func (a *webAdapter) ClearSession() error {
	a.store.delete(a.sessionID)
	return nil
}
