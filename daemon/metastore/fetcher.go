package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/containerd/log"
)

// Fetcher wraps a Client with the bookkeeping the follower needs: events
// are returned in ascending id order, and events the follower already
// observed are suppressed through a bounded, oldest-first-evicting cache.
// The upstream occasionally re-delivers events near the head of the log;
// the persisted store is the source of truth, the cache just avoids
// re-processing churn.
type Fetcher struct {
	client Client
	batch  int

	mu    sync.Mutex
	seen  map[int64]struct{}
	order []int64
	limit int
}

// NewFetcher returns a Fetcher reading through client. cacheSize bounds the
// dedup cache (0 disables caching); batchSize caps the events returned per
// Fetch (0 means the upstream default).
func NewFetcher(client Client, cacheSize, batchSize int) *Fetcher {
	return &Fetcher{
		client: client,
		batch:  batchSize,
		seen:   make(map[int64]struct{}, cacheSize),
		limit:  cacheSize,
	}
}

// CurrentID returns the upstream's newest event id.
func (f *Fetcher) CurrentID(ctx context.Context) (int64, error) {
	return f.client.CurrentNotificationID(ctx)
}

// Fetch returns events with id strictly greater than after, ascending,
// with already-observed events filtered out. ErrOutOfSync propagates from
// the client when the upstream no longer retains position after+1.
func (f *Fetcher) Fetch(ctx context.Context, after int64) ([]*Event, error) {
	events, err := f.client.Notifications(ctx, after, f.batch)
	if err != nil {
		return nil, err
	}

	out := events[:0]
	for _, ev := range events {
		if ev.ID <= after {
			continue
		}
		if f.cached(ev.ID) {
			log.G(ctx).WithField("id", ev.ID).Debug("skipping already observed notification")
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateCache records the event as observed so near-future re-deliveries
// are suppressed. The oldest entry is evicted once the bound is reached.
func (f *Fetcher) UpdateCache(ev *Event) {
	if f.limit <= 0 || ev == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[ev.ID]; ok {
		return
	}
	f.seen[ev.ID] = struct{}{}
	f.order = append(f.order, ev.ID)
	for len(f.order) > f.limit {
		delete(f.seen, f.order[0])
		f.order = f.order[1:]
	}
}

// CacheLen returns the number of cached event ids.
func (f *Fetcher) CacheLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Close releases the underlying transport.
func (f *Fetcher) Close() error {
	return f.client.Disconnect()
}

func (f *Fetcher) cached(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[id]
	return ok
}
