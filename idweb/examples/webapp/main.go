package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"

	"github.com/identityweb/identityweb/idweb"
)

// List of required configuration environment variables
const (
	clientID     = "IDWEB_CLIENT_ID"
	clientSecret = "IDWEB_CLIENT_SECRET"
	authority    = "IDWEB_AUTHORITY"
	port         = "IDWEB_PORT"
)

// Optional B2C policy environment variables; setting all three switches the
// app to a policy based authority.
const (
	b2cSignUpSignIn  = "IDWEB_B2C_SIGN_UP_SIGN_IN_POLICY"
	b2cPasswordReset = "IDWEB_B2C_PASSWORD_RESET_POLICY"
	b2cEditProfile   = "IDWEB_B2C_EDIT_PROFILE_POLICY"
)

func envConfig() (map[string]string, error) {
	const op = "envConfig"
	env := map[string]string{
		clientID:     os.Getenv(clientID),
		clientSecret: os.Getenv(clientSecret),
		authority:    os.Getenv(authority),
		port:         os.Getenv(port),
	}
	for k, v := range env {
		if v == "" {
			return nil, fmt.Errorf("%s: %s is empty", op, k)
		}
	}
	return env, nil
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "webapp",
		Level: hclog.Debug,
	})

	env, err := envConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt)
	defer signal.Stop(sigintCh)

	redirectURL := fmt.Sprintf("http://localhost:%s/auth/redirect", env[port])

	var opts []idweb.Option
	if p := (idweb.B2CPolicies{
		SignUpSignIn:  os.Getenv(b2cSignUpSignIn),
		PasswordReset: os.Getenv(b2cPasswordReset),
		EditProfile:   os.Getenv(b2cEditProfile),
	}); p.SignUpSignIn != "" {
		opts = append(opts, idweb.WithB2C(p))
	}

	cfg, err := idweb.NewConfig(
		env[authority],
		env[clientID],
		idweb.ClientSecret(env[clientSecret]),
		redirectURL,
		opts...,
	)
	if err != nil {
		logger.Error("invalid relying party config", "error", err)
		os.Exit(1)
	}

	app := &app{
		cfg:      cfg,
		sessions: newSessionStore(),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", app.handleLogin)
	mux.HandleFunc("/auth/redirect", app.handleAuthRedirect)
	mux.HandleFunc("/profile", app.requireLogin(app.handleProfile))
	mux.HandleFunc("/refresh", app.requireLogin(app.handleRefresh))
	mux.HandleFunc("/sign-out", app.handleSignOut)

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%s", env[port]))
	if err != nil {
		logger.Error("unable to listen", "error", err)
		os.Exit(1)
	}
	defer listener.Close()
	logger.Info("listening", "addr", listener.Addr().String())

	srvCh := make(chan error)
	go func() {
		err := http.Serve(listener, mux)
		if err != nil && err != http.ErrServerClosed {
			srvCh <- err
		}
	}()

	select {
	case err := <-srvCh:
		logger.Error("server closed", "error", err)
	case <-sigintCh:
		logger.Info("interrupted")
	}
}
