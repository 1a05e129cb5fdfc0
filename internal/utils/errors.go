package utils

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nitrosync/backend"
)

// ErrorWithSuggestion wraps an error with a helpful suggestion for the user
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface
func (e *ErrorWithSuggestion) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%v\n\nSuggestion: %s", e.Err, e.Suggestion)
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// ErrTaskNotFound creates an error when a task is not found
func ErrTaskNotFound(ref string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task '%s' not found", ref),
		Suggestion: "Run 'nitrosync tasks <list>' to see task ids",
	}
}

// ErrListNotFound creates an error when a list is not found
func ErrListNotFound(listName string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("list '%s' not found", listName),
		Suggestion: "Run 'nitrosync lists' to see available lists",
	}
}

// ErrAmbiguousList reports a name shared by several lists.
func ErrAmbiguousList(listName string, count int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%d lists are named '%s'", count, listName),
		Suggestion: "Use the list id shown by 'nitrosync lists' instead of its name",
	}
}

// ErrProtectedList creates an error for changes to a system list
func ErrProtectedList(listName string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("'%s' is a system list and cannot be changed or deleted", listName),
		Suggestion: "Create your own list with 'nitrosync list add <name>'",
	}
}

// ErrNotSignedIn creates an error when a sync is attempted without a token
func ErrNotSignedIn(server string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("not signed in to %s", server),
		Suggestion: "Run 'nitrosync login' or set NITROSYNC_TOKEN",
	}
}

// ErrServerOffline creates an error when the sync server is unreachable
func ErrServerOffline(server, reason string) error {
	suggestion := "Check your internet connection and try again. Local changes stay queued"
	if strings.Contains(reason, "no such host") {
		suggestion = "Check your DNS settings and the server_url in your config"
	} else if strings.Contains(reason, "refused") {
		suggestion = "Check if the server is running and accessible"
	} else if strings.Contains(reason, "timeout") {
		suggestion = "The server may be slow or unreachable. Try again later"
	}

	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("server %s is offline: %s", server, reason),
		Suggestion: suggestion,
	}
}

// ErrCredentialsNotFound creates an error when no token is stored for account
func ErrCredentialsNotFound(account string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no token found for %s", account),
		Suggestion: "Store one with 'nitrosync login --prompt'",
	}
}

// ErrAuthenticationFailed creates an error when the server rejects the token
func ErrAuthenticationFailed(server string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("authentication failed for %s", server),
		Suggestion: "Your token may have expired. Run 'nitrosync login' again",
	}
}

// ErrConfigFileNotFound creates an error when config file is not found
func ErrConfigFileNotFound(path string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("config file not found at %s", path),
		Suggestion: "Run nitrosync to create a default configuration file",
	}
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(field string, reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid configuration for '%s': %s", field, reason),
		Suggestion: fmt.Sprintf("Check ~/.config/nitrosync/config.json and fix the '%s' field", field),
	}
}

// ErrInvalidPriority creates an error for invalid priority values
func ErrInvalidPriority(priority int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid priority %d", priority),
		Suggestion: "Priority must be between 0 (no priority) and 9 (lowest priority)",
	}
}

// ErrInvalidDate creates an error for invalid date formats
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date format: %s", dateStr),
		Suggestion: "Use YYYY-MM-DD format (e.g., 2026-01-15)",
	}
}

// WrapWithSuggestion wraps an existing error with a suggestion
func WrapWithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// Explain attaches a suggestion to the engine errors a user can act on.
// Other errors, and errors that already carry a suggestion, are returned
// unchanged.
func Explain(err error, server string) error {
	if err == nil {
		return nil
	}
	var ews *ErrorWithSuggestion
	if errors.As(err, &ews) {
		return err
	}

	var nf *backend.NotFoundError
	var pe *backend.ProtectedResourceError
	var re *backend.RemoteError
	var ue *url.Error
	switch {
	case errors.As(err, &nf):
		if nf.Kind == "list" {
			return WrapWithSuggestion(err, "Run 'nitrosync lists' to see available lists")
		}
		return WrapWithSuggestion(err, "Run 'nitrosync tasks <list>' to see task ids")
	case errors.As(err, &pe):
		return ErrProtectedList(string(pe.ID))
	case errors.As(err, &re) && re.IsUnauthorized():
		return ErrAuthenticationFailed(server)
	case errors.As(err, &ue):
		return ErrServerOffline(server, ue.Err.Error())
	}
	return err
}
