// Package credentials finds the token used to talk to the sync server.
package credentials

import (
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"

	"nitrosync/internal/utils"
)

// Source indicates where a token was found
type Source string

const (
	SourceKeyring Source = "keyring"
	SourceEnv     Source = "env"
	SourceNone    Source = "none"
)

// ErrNoCredentials is returned when no source holds a token.
var ErrNoCredentials = errors.New("no credentials found")

// Credentials is a resolved token and where it came from.
type Credentials struct {
	Account string
	Token   *oauth2.Token
	Source  Source
}

// Resolver looks tokens up in priority order: keyring, then environment.
type Resolver struct {
	// UseKeyring can be turned off for headless environments.
	UseKeyring bool
}

// NewResolver creates a resolver that consults the keyring.
func NewResolver() *Resolver {
	return &Resolver{UseKeyring: true}
}

// Resolve finds the token for account.
func (r *Resolver) Resolve(account string) (*Credentials, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required for credential resolution")
	}

	if r.UseKeyring && IsAvailable() {
		token, err := Get(account)
		if err == nil {
			return &Credentials{Account: account, Token: token, Source: SourceKeyring}, nil
		}
		if !errors.Is(err, ErrNotInKeyring) {
			utils.Debugf("keyring lookup for %s failed: %v", account, err)
		}
	}

	if access := GetToken(account); access != "" {
		return &Credentials{
			Account: account,
			Token: &oauth2.Token{
				AccessToken:  access,
				RefreshToken: GetRefreshToken(account),
				TokenType:    "Bearer",
			},
			Source: SourceEnv,
		}, nil
	}

	return nil, fmt.Errorf("%w for account %q (tried: keyring, environment variables)", ErrNoCredentials, account)
}

// AccountFor derives the account name from the server URL: its host.
func AccountFor(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", serverURL)
	}
	return u.Host, nil
}
