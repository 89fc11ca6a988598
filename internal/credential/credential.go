package credential

import (
	"strings"

	"github.com/okanishi/kakehashi/internal/errors"
)

// Grant selects the OAuth flow used for the credential exchange.
type Grant string

const (
	GrantClientCredentials Grant = "client_credentials"
	GrantPassword          Grant = "password"
	GrantRefreshToken      Grant = "refresh_token"
)

// Credentials holds one platform's client identity and secret material.
// Read-only after construction; secret fields are never logged.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	RefreshToken string
	TokenURL     string
	Grant        Grant
}

// New validates and constructs credentials for the given grant.
func New(grant Grant, tokenURL, clientID, clientSecret, username, password, refreshToken string) (Credentials, error) {
	c := Credentials{
		ClientID:     strings.TrimSpace(clientID),
		ClientSecret: clientSecret,
		Username:     strings.TrimSpace(username),
		Password:     password,
		RefreshToken: refreshToken,
		TokenURL:     strings.TrimSpace(tokenURL),
		Grant:        grant,
	}

	if c.TokenURL == "" {
		return Credentials{}, errors.InvalidInput("token URL is required")
	}
	if c.ClientID == "" {
		return Credentials{}, errors.InvalidInput("client ID is required")
	}

	switch grant {
	case GrantClientCredentials:
		if c.ClientSecret == "" {
			return Credentials{}, errors.InvalidInput("client secret is required for client_credentials grant")
		}
	case GrantPassword:
		if c.Username == "" || c.Password == "" {
			return Credentials{}, errors.InvalidInput("username and password are required for password grant")
		}
	case GrantRefreshToken:
		if c.RefreshToken == "" {
			return Credentials{}, errors.InvalidInput("refresh token is required for refresh_token grant")
		}
	default:
		return Credentials{}, errors.InvalidInput("unknown grant: " + string(grant))
	}

	return c, nil
}

// ParseGrant maps a configured grant name to a Grant, defaulting to
// client_credentials when empty.
func ParseGrant(value string) (Grant, error) {
	switch strings.TrimSpace(value) {
	case "", string(GrantClientCredentials):
		return GrantClientCredentials, nil
	case string(GrantPassword):
		return GrantPassword, nil
	case string(GrantRefreshToken):
		return GrantRefreshToken, nil
	default:
		return "", errors.InvalidInput("unknown grant: " + value)
	}
}
