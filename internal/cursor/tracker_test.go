package cursor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okanishi/kakehashi/internal/errors"
)

// pagedFetcher serves canned pages per resource and records the positions it
// was asked to resume from.
type pagedFetcher struct {
	pages      map[string][]*Page
	sinceSeen  map[string][]Position
	failAlways map[string]error
	served     map[string]int
}

func newPagedFetcher() *pagedFetcher {
	return &pagedFetcher{
		pages:      make(map[string][]*Page),
		sinceSeen:  make(map[string][]Position),
		failAlways: make(map[string]error),
		served:     make(map[string]int),
	}
}

func (f *pagedFetcher) FetchPage(ctx context.Context, resourceKey string, since Position, pageToken string) (*Page, error) {
	f.sinceSeen[resourceKey] = append(f.sinceSeen[resourceKey], since)
	if err, ok := f.failAlways[resourceKey]; ok {
		return nil, err
	}
	queue := f.pages[resourceKey]
	idx := f.served[resourceKey]
	if idx >= len(queue) {
		return &Page{}, nil
	}
	f.served[resourceKey]++
	return queue[idx], nil
}

func page(ids []string, next string) *Page {
	p := &Page{NextPage: next}
	for _, id := range ids {
		p.Items = append(p.Items, Item{
			ID:       id,
			Position: Position{Kind: KindID, Value: id},
			Payload:  []byte(`{"id":"` + id + `"}`),
		})
	}
	return p
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "cursors.json"))
	require.NoError(t, err)
	return s
}

func TestTracker_FollowsPaginationToEnd(t *testing.T) {
	fetcher := newPagedFetcher()
	fetcher.pages["alpha"] = []*Page{
		page([]string{"t1", "t2"}, "p2"),
		page([]string{"t3"}, "p3"),
		page([]string{"t4"}, ""),
	}

	store := newTestStore(t)
	tracker := NewTracker("forum", store, fetcher, 10)

	var got []string
	n, err := tracker.FetchSince(context.Background(), "alpha", func(item Item) error {
		got = append(got, item.ID)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, got)
	assert.Equal(t, "t4", store.Get("alpha").Value)
}

func TestTracker_ResumesFromPersistedCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Advance("alpha", Position{Kind: KindID, Value: "t9"}))

	// Restart: a new store over the same file sees the confirmed cursor.
	restarted, err := NewStore(path)
	require.NoError(t, err)

	fetcher := newPagedFetcher()
	fetcher.pages["alpha"] = []*Page{page([]string{"t10"}, "")}
	tracker := NewTracker("forum", restarted, fetcher, 10)

	_, err = tracker.FetchSince(context.Background(), "alpha", func(Item) error { return nil })
	require.NoError(t, err)

	require.Len(t, fetcher.sinceSeen["alpha"], 1)
	assert.Equal(t, "t9", fetcher.sinceSeen["alpha"][0].Value)
}

func TestTracker_MidPageFailureKeepsPriorAdvancement(t *testing.T) {
	fetcher := newPagedFetcher()
	fetcher.pages["alpha"] = []*Page{page([]string{"t1", "t2", "t3"}, "")}

	store := newTestStore(t)
	tracker := NewTracker("forum", store, fetcher, 10)

	n, err := tracker.FetchSince(context.Background(), "alpha", func(item Item) error {
		if item.ID == "t3" {
			return errors.Internal("publish blew up")
		}
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 2, n)
	// Cursor stops at the last accepted item, never past the failed one.
	assert.Equal(t, "t2", store.Get("alpha").Value)
}

func TestTracker_OneResourceFailureDoesNotAffectSibling(t *testing.T) {
	fetcher := newPagedFetcher()
	fetcher.pages["alpha"] = []*Page{
		page([]string{"a1"}, "p2"),
		page([]string{"a2"}, "p3"),
		page([]string{"a3"}, ""),
	}
	fetcher.failAlways["beta"] = errors.Internal("listing exploded")

	store := newTestStore(t)
	tracker := NewTracker("forum", store, fetcher, 10)

	var published []string
	deliver := func(item Item) error {
		published = append(published, item.ID)
		return nil
	}

	_, betaErr := tracker.FetchSince(context.Background(), "beta", deliver)
	require.Error(t, betaErr)

	n, err := tracker.FetchSince(context.Background(), "alpha", deliver)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a1", "a2", "a3"}, published)
	assert.Equal(t, "a3", store.Get("alpha").Value)
	assert.True(t, store.Get("beta").IsZero())
}

func TestTracker_RetriesTransientPageFetch(t *testing.T) {
	store := newTestStore(t)
	attempts := 0
	fetcher := fetcherFunc(func(ctx context.Context, key string, since Position, pageToken string) (*Page, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.Transient("rate limited")
		}
		return page([]string{"t1"}, ""), nil
	})

	tracker := NewTracker("forum", store, fetcher, 10)
	n, err := tracker.FetchSince(context.Background(), "alpha", func(Item) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, attempts)
}

func TestTracker_NonTransientFailureAbortsImmediately(t *testing.T) {
	store := newTestStore(t)
	attempts := 0
	fetcher := fetcherFunc(func(ctx context.Context, key string, since Position, pageToken string) (*Page, error) {
		attempts++
		return nil, errors.Authentication("token rejected twice")
	})

	tracker := NewTracker("forum", store, fetcher, 10)
	_, err := tracker.FetchSince(context.Background(), "alpha", func(Item) error { return nil })

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestTracker_RespectsPageBudget(t *testing.T) {
	fetcher := newPagedFetcher()
	fetcher.pages["alpha"] = []*Page{
		page([]string{"t1"}, "p2"),
		page([]string{"t2"}, "p3"),
		page([]string{"t3"}, "p4"),
	}

	store := newTestStore(t)
	tracker := NewTracker("forum", store, fetcher, 2)

	n, err := tracker.FetchSince(context.Background(), "alpha", func(Item) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "t2", store.Get("alpha").Value)
}

type fetcherFunc func(ctx context.Context, resourceKey string, since Position, pageToken string) (*Page, error)

func (f fetcherFunc) FetchPage(ctx context.Context, resourceKey string, since Position, pageToken string) (*Page, error) {
	return f(ctx, resourceKey, since, pageToken)
}

func TestStore_AllReturnsCopy(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Advance(fmt.Sprintf("res-%d", i), Position{Kind: KindOffset, Value: fmt.Sprintf("%d", i)}))
	}

	all := store.All()
	require.Len(t, all, 3)
	all["res-0"] = Position{Kind: KindOffset, Value: "999"}
	assert.Equal(t, "0", store.Get("res-0").Value)
}
