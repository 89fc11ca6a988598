package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okanishi/kakehashi/internal/errors"
	"github.com/okanishi/kakehashi/internal/token"
)

const maxResponseBytes = 8 << 20

// Request describes one authenticated platform call. Path is joined to the
// gateway's base URL unless it is already absolute.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response carries the platform's reply. Non-2xx statuses are also surfaced
// as taxonomy errors; callers that need the body on failure still get it.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Doer abstracts the HTTP transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource is the slice of the token manager the gateway needs.
type TokenSource interface {
	EnsureValid(ctx context.Context) (token.Token, error)
	Invalidate()
}

// Gateway is the single choke point for authenticated outbound calls.
// It injects the bearer credential and owns the retry-once-after-reauth
// policy: a 401 invalidates the token and the call is repeated exactly once
// with a fresh one. Every other failure is surfaced to the caller.
type Gateway struct {
	name    string
	baseURL string
	client  Doer
	tokens  TokenSource
	timeout time.Duration
}

func New(name, baseURL string, client Doer, tokens TokenSource, timeout time.Duration) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		timeout: timeout,
	}
}

// Call executes one authenticated request. The returned error is nil only for
// 2xx responses; non-2xx responses return both the Response and a taxonomy
// error so callers can decide whether the failure is fatal for their cycle.
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	resp, err := g.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Status != http.StatusUnauthorized {
		return resp, errors.MapStatus(resp.Status)
	}

	slog.Info("Authentication failure, retrying with fresh token",
		"gateway", g.name,
		"method", req.Method,
		"path", req.Path)
	g.tokens.Invalidate()

	resp, err = g.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized {
		return resp, fmt.Errorf("platform rejected freshly obtained token: %w", errors.ErrAuthentication)
	}
	return resp, errors.MapStatus(resp.Status)
}

func (g *Gateway) execute(ctx context.Context, req Request) (*Response, error) {
	tok, err := g.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "obtain token")
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	httpReq, err := g.build(callCtx, req, tok)
	if err != nil {
		return nil, err
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		// A timed-out or failed transport call is transient; it never
		// invalidates the token.
		return nil, errors.MapError(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.MapError(err)
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   body,
	}, nil
}

func (g *Gateway) build(ctx context.Context, req Request, tok token.Token) (*http.Request, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = g.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		target = target + "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok.Value)

	return httpReq, nil
}
