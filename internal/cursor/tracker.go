package cursor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/okanishi/kakehashi/internal/concurrency"
	"github.com/okanishi/kakehashi/internal/errors"
)

// Item is one polled entry. Position is the cursor value the platform would
// need to resume strictly after this item.
type Item struct {
	ID       string
	Position Position
	Payload  []byte
}

// Page is one fetched slice of a resource's feed. NextPage is the
// continuation token for the same cycle; empty means no further page.
type Page struct {
	Items    []Item
	NextPage string
}

// PageFetcher executes one listing call for a resource. `since` is the last
// confirmed position (zero on first poll); `pageToken` continues pagination
// within one cycle.
type PageFetcher interface {
	FetchPage(ctx context.Context, resourceKey string, since Position, pageToken string) (*Page, error)
}

// Sink receives items in platform order. A non-nil error stops the cycle
// without advancing the cursor past the failed item.
type Sink func(item Item) error

// Tracker drives paginated catch-up fetches for monitored resources.
// Each resource has a single writer: a keyed lock serializes advancement
// while different resources poll in parallel.
type Tracker struct {
	name     string
	store    *Store
	fetcher  PageFetcher
	locks    *concurrency.KeyedLockManager
	maxPages int
}

func NewTracker(name string, store *Store, fetcher PageFetcher, maxPages int) *Tracker {
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Tracker{
		name:     name,
		store:    store,
		fetcher:  fetcher,
		locks:    concurrency.NewKeyedLockManager(),
		maxPages: maxPages,
	}
}

// Position exposes a resource's confirmed cursor for diagnostics.
func (t *Tracker) Position(resourceKey string) Position {
	return t.store.Get(resourceKey)
}

// Reset forces a full refetch of one resource on the next cycle.
func (t *Tracker) Reset(resourceKey string) error {
	t.locks.Lock(resourceKey)
	defer t.locks.Unlock(resourceKey)
	return t.store.Reset(resourceKey)
}

// FetchSince pulls everything newer than the persisted cursor for one
// resource, following pagination until the platform reports no further page
// or maxPages is reached. The cursor advances only past items the sink
// accepted; a mid-page failure keeps the advancement from prior items, so the
// pipeline stays at-least-once and the deduplicator restores exactly-once.
func (t *Tracker) FetchSince(ctx context.Context, resourceKey string, deliver Sink) (int, error) {
	t.locks.Lock(resourceKey)
	defer t.locks.Unlock(resourceKey)

	since := t.store.Get(resourceKey)
	delivered := 0
	pageToken := ""

	for page := 0; page < t.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		fetched, err := t.fetchWithRetry(ctx, resourceKey, since, pageToken)
		if err != nil {
			return delivered, fmt.Errorf("fetch page %d of %s: %w", page+1, resourceKey, err)
		}

		for _, item := range fetched.Items {
			if err := deliver(item); err != nil {
				return delivered, fmt.Errorf("deliver item %s: %w", item.ID, err)
			}
			delivered++
			if !item.Position.IsZero() {
				if err := t.store.Advance(resourceKey, item.Position); err != nil {
					return delivered, errors.Wrap(err, "persist cursor")
				}
			}
		}

		if fetched.NextPage == "" {
			return delivered, nil
		}
		pageToken = fetched.NextPage
	}

	slog.Debug("Page budget reached, resuming next cycle",
		"tracker", t.name,
		"resource", resourceKey,
		"delivered", delivered)
	return delivered, nil
}

// fetchWithRetry retries transient page-fetch failures with backoff inside
// the cycle; anything non-transient fails the cycle immediately.
func (t *Tracker) fetchWithRetry(ctx context.Context, resourceKey string, since Position, pageToken string) (*Page, error) {
	var page *Page
	err := retry.Do(
		func() error {
			var fetchErr error
			page, fetchErr = t.fetcher.FetchPage(ctx, resourceKey, since, pageToken)
			return fetchErr
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(errors.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Retrying page fetch",
				"tracker", t.name,
				"resource", resourceKey,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return page, nil
}
