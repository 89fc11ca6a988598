package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okanishi/kakehashi/internal/credential"
	"github.com/okanishi/kakehashi/internal/errors"
)

type stubExchanger struct {
	mu     sync.Mutex
	calls  int64
	token  Token
	err    error
	delay  time.Duration
	tokens []Token
}

func (s *stubExchanger) Exchange(ctx context.Context, creds credential.Credentials) (Token, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Token{}, s.err
	}
	if len(s.tokens) > 0 {
		t := s.tokens[0]
		if len(s.tokens) > 1 {
			s.tokens = s.tokens[1:]
		}
		return t, nil
	}
	return s.token, nil
}

func (s *stubExchanger) callCount() int64 {
	return atomic.LoadInt64(&s.calls)
}

func testCreds(t *testing.T) credential.Credentials {
	t.Helper()
	creds, err := credential.New(credential.GrantClientCredentials, "https://login.example.com/token", "client", "secret", "", "", "")
	require.NoError(t, err)
	return creds
}

func freshToken(lifetime time.Duration) Token {
	now := time.Now()
	return Token{Value: "tok-" + now.Format(time.RFC3339Nano), ObtainedAt: now, ExpiresAt: now.Add(lifetime)}
}

func TestManager_EnsureValidCachesToken(t *testing.T) {
	ex := &stubExchanger{token: freshToken(time.Hour)}
	mgr := NewManager("graph", testCreds(t), ex, 2*time.Minute)

	first, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.False(t, first.IsZero())

	second, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
	assert.EqualValues(t, 1, ex.callCount())
}

func TestManager_ConcurrentCallersShareOneExchange(t *testing.T) {
	ex := &stubExchanger{token: freshToken(time.Hour), delay: 20 * time.Millisecond}
	mgr := NewManager("graph", testCreds(t), ex, 2*time.Minute)

	const callers = 16
	results := make([]Token, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, err := mgr.EnsureValid(context.Background())
			require.NoError(t, err)
			results[idx] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ex.callCount())
	for _, tok := range results {
		assert.Equal(t, results[0].Value, tok.Value)
	}
}

func TestManager_RefreshesInsideBuffer(t *testing.T) {
	short := freshToken(time.Minute)
	replacement := freshToken(time.Hour)
	ex := &stubExchanger{tokens: []Token{short, replacement}}
	mgr := NewManager("graph", testCreds(t), ex, 2*time.Minute)

	// First token expires within the refresh buffer, so every EnsureValid
	// triggers a fresh exchange until a long-lived token arrives.
	first, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)

	second, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, second.Value)
	assert.EqualValues(t, 2, ex.callCount())
}

func TestManager_InvalidateForcesRefresh(t *testing.T) {
	ex := &stubExchanger{tokens: []Token{freshToken(time.Hour), freshToken(time.Hour)}}
	mgr := NewManager("graph", testCreds(t), ex, 2*time.Minute)

	first, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)

	mgr.Invalidate()
	assert.True(t, mgr.Current().IsZero())

	second, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, second.Value)
	assert.EqualValues(t, 2, ex.callCount())
}

func TestManager_ExchangeFailureWithoutTokenSurfacesError(t *testing.T) {
	ex := &stubExchanger{err: errors.Transient("connection refused")}
	mgr := NewManager("graph", testCreds(t), ex, 2*time.Minute)

	_, err := mgr.EnsureValid(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrCredentialExchange))
}

func TestManager_ExchangeFailureKeepsUsableStaleToken(t *testing.T) {
	// Token inside the refresh buffer but not hard-expired.
	stale := freshToken(time.Minute)
	ex := &stubExchanger{tokens: []Token{stale}}
	mgr := NewManager("graph", testCreds(t), ex, 2*time.Minute)

	first, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)

	ex.mu.Lock()
	ex.err = errors.Transient("connection refused")
	ex.mu.Unlock()

	reused, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Value, reused.Value)
}

func TestManager_RejectsNonPositiveLifetime(t *testing.T) {
	now := time.Now()
	ex := &stubExchanger{token: Token{Value: "bad", ObtainedAt: now, ExpiresAt: now}}
	mgr := NewManager("graph", testCreds(t), ex, 2*time.Minute)

	_, err := mgr.EnsureValid(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrCredentialExchange))
}
