package credentials

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

// KeyringService is the service name all nitrosync tokens are stored under.
const KeyringService = "nitrosync"

// ErrNotInKeyring is returned when the keyring holds no token for an account.
var ErrNotInKeyring = errors.New("no token in keyring")

// Set stores the token for account in the OS keyring.
func Set(account string, token *oauth2.Token) error {
	if account == "" {
		return fmt.Errorf("account cannot be empty")
	}
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("token cannot be empty")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := keyring.Set(KeyringService, account, string(data)); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}

// Get retrieves the token for account from the OS keyring.
func Get(account string) (*oauth2.Token, error) {
	if account == "" {
		return nil, fmt.Errorf("account cannot be empty")
	}

	data, err := keyring.Get(KeyringService, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w for account %q", ErrNotInKeyring, account)
		}
		return nil, fmt.Errorf("failed to retrieve token from keyring: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		// Tokens stored by hand are plain access tokens.
		return &oauth2.Token{AccessToken: data, TokenType: "Bearer"}, nil
	}
	return &token, nil
}

// Delete removes the token for account from the OS keyring.
func Delete(account string) error {
	if account == "" {
		return fmt.Errorf("account cannot be empty")
	}

	if err := keyring.Delete(KeyringService, account); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w for account %q", ErrNotInKeyring, account)
		}
		return fmt.Errorf("failed to delete token from keyring: %w", err)
	}
	return nil
}

// IsAvailable checks if the keyring is accessible.
func IsAvailable() bool {
	// A missing item means the keyring answered.
	_, err := keyring.Get(KeyringService+"-keyring-test", "test")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
