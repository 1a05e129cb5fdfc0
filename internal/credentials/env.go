package credentials

import (
	"os"
	"strings"
)

// EnvPrefix starts every environment variable nitrosync reads.
const EnvPrefix = "NITROSYNC_"

// normalizeAccount converts an account name to the format used in
// environment variables, e.g. "sync.example.com" becomes "SYNC_EXAMPLE_COM".
func normalizeAccount(account string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, account)
}

func getEnvVarName(account, field string) string {
	if account == "" {
		return EnvPrefix + strings.ToUpper(field)
	}
	return EnvPrefix + normalizeAccount(account) + "_" + strings.ToUpper(field)
}

// GetToken returns the access token from NITROSYNC_{ACCOUNT}_TOKEN, falling
// back to NITROSYNC_TOKEN.
func GetToken(account string) string {
	if account != "" {
		if v := os.Getenv(getEnvVarName(account, "TOKEN")); v != "" {
			return v
		}
	}
	return os.Getenv(getEnvVarName("", "TOKEN"))
}

// GetRefreshToken returns NITROSYNC_{ACCOUNT}_REFRESH_TOKEN, if set.
func GetRefreshToken(account string) string {
	if account == "" {
		return ""
	}
	return os.Getenv(getEnvVarName(account, "REFRESH_TOKEN"))
}

// HasToken checks if a token exists in environment variables.
func HasToken(account string) bool {
	return GetToken(account) != ""
}
