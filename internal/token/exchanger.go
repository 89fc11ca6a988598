package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okanishi/kakehashi/internal/credential"
	"github.com/okanishi/kakehashi/internal/errors"
)

const maxExchangeResponseBytes = 1 << 20

// HTTPExchanger performs the vendor OAuth exchange as a form-encoded POST.
type HTTPExchanger struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPExchanger(client *http.Client, timeout time.Duration) *HTTPExchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExchanger{client: client, timeout: timeout}
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (e *HTTPExchanger) Exchange(ctx context.Context, creds credential.Credentials) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", string(creds.Grant))
	form.Set("client_id", creds.ClientID)

	switch creds.Grant {
	case credential.GrantClientCredentials:
		form.Set("client_secret", creds.ClientSecret)
	case credential.GrantPassword:
		form.Set("username", creds.Username)
		form.Set("password", creds.Password)
		if creds.ClientSecret != "" {
			form.Set("client_secret", creds.ClientSecret)
		}
	case credential.GrantRefreshToken:
		form.Set("refresh_token", creds.RefreshToken)
		if creds.ClientSecret != "" {
			form.Set("client_secret", creds.ClientSecret)
		}
	default:
		return Token{}, errors.InvalidInput("unknown grant: " + string(creds.Grant))
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, errors.Wrap(err, "build exchange request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("exchange call: %v: %w", err, errors.ErrCredentialExchange)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExchangeResponseBytes))
	if err != nil {
		return Token{}, fmt.Errorf("read exchange response: %v: %w", err, errors.ErrCredentialExchange)
	}

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("exchange rejected with status %d: %w", resp.StatusCode, errors.ErrCredentialExchange)
	}

	var parsed exchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, fmt.Errorf("malformed exchange response: %v: %w", err, errors.ErrCredentialExchange)
	}
	if parsed.AccessToken == "" || parsed.ExpiresIn <= 0 {
		return Token{}, fmt.Errorf("exchange response missing token or lifetime: %w", errors.ErrCredentialExchange)
	}

	now := time.Now()
	return Token{
		Value:      parsed.AccessToken,
		ObtainedAt: now,
		ExpiresAt:  now.Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
