// Package auth supplies the signed-in signal and authenticated HTTP clients.
package auth

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"nitrosync/internal/events"
	"nitrosync/internal/utils"
)

// Events emitted by an Authenticator.
const (
	// EventToken fires with the new *oauth2.Token whenever a credential is
	// acquired or refreshed.
	EventToken = "token"
	// EventSignOut fires after the credential is dropped.
	EventSignOut = "signout"
)

// Authenticator gates and authorises traffic to the sync server.
type Authenticator interface {
	events.Observable
	IsSignedIn() bool
	HTTPClient(ctx context.Context) *http.Client
}

// TokenAuth is an Authenticator over an oauth2.TokenSource.
type TokenAuth struct {
	events.Bus

	config *oauth2.Config

	mu     sync.RWMutex
	source oauth2.TokenSource
	last   string
}

// NewTokenAuth creates a signed-out authenticator. config is used to refresh
// expired tokens and may be nil for static tokens.
func NewTokenAuth(config *oauth2.Config) *TokenAuth {
	return &TokenAuth{config: config}
}

// SignIn installs token and fires EventToken.
func (a *TokenAuth) SignIn(ctx context.Context, token *oauth2.Token) {
	var src oauth2.TokenSource
	if a.config != nil {
		src = a.config.TokenSource(ctx, token)
	} else {
		src = oauth2.StaticTokenSource(token)
	}
	a.SignInWithSource(oauth2.ReuseTokenSource(token, src))
}

// SignInWithSource installs a token source. EventToken fires once the
// source yields its first token.
func (a *TokenAuth) SignInWithSource(src oauth2.TokenSource) {
	a.mu.Lock()
	a.source = src
	a.last = ""
	a.mu.Unlock()

	if _, err := a.Token(); err != nil {
		utils.Warnf("sign in: %v", err)
	}
}

// SignOut drops the credential and fires EventSignOut.
func (a *TokenAuth) SignOut() {
	a.mu.Lock()
	wasSignedIn := a.source != nil
	a.source = nil
	a.last = ""
	a.mu.Unlock()

	if wasSignedIn {
		a.Trigger(EventSignOut)
	}
}

// IsSignedIn reports whether a credential is installed.
func (a *TokenAuth) IsSignedIn() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source != nil
}

// Token returns the current token, refreshing it if needed. EventToken fires
// when the access token differs from the last one seen.
func (a *TokenAuth) Token() (*oauth2.Token, error) {
	a.mu.RLock()
	src := a.source
	a.mu.RUnlock()
	if src == nil {
		return nil, ErrSignedOut
	}

	tok, err := src.Token()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	fresh := a.source != nil && tok.AccessToken != a.last
	if fresh {
		a.last = tok.AccessToken
	}
	a.mu.Unlock()

	if fresh {
		utils.Debugf("auth: new access token (expires %v)", tok.Expiry)
		a.Trigger(EventToken, tok)
	}
	return tok, nil
}

// HTTPClient returns a client that authorises every request with the
// current token. Signed out, it returns http.DefaultClient.
func (a *TokenAuth) HTTPClient(ctx context.Context) *http.Client {
	if !a.IsSignedIn() {
		return http.DefaultClient
	}
	return oauth2.NewClient(ctx, tokenSourceFunc(a.Token))
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) {
	return f()
}
