package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/obsidianstack/datasync/internal/cache"
	"github.com/obsidianstack/datasync/pkg/types"
)

const defaultFetchTimeout = 30 * time.Second

// Fetcher is the external fetch collaborator. It performs the network call
// only; caching and retries are the caller's concern.
type Fetcher interface {
	Fetch(ctx context.Context, dataType string, filters types.Filters) (any, error)
}

// FetcherFunc adapts a func to Fetcher.
type FetcherFunc func(ctx context.Context, dataType string, filters types.Filters) (any, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, dataType string, filters types.Filters) (any, error) {
	return f(ctx, dataType, filters)
}

// Result is the outcome of a Load.
type Result struct {
	Key   string
	Value any
	// StartedAt orders the result against other updates. For a fetch it is
	// the time the request was issued; for a cache hit it is the entry's
	// StoredAt.
	StartedAt time.Time
	// CompletedAt is when the value became available.
	CompletedAt time.Time
	FromCache   bool
	// Shared is true when the fetch was shared with another caller.
	Shared bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithFetchTimeout bounds each underlying fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(ld *Loader) { ld.timeout = d }
}

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(ld *Loader) { ld.now = now }
}

// Loader resolves loads via the cache and a Fetcher.
type Loader struct {
	cache   *cache.Store
	fetcher Fetcher
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Loader backed by c and f.
func New(c *cache.Store, f Fetcher, opts ...Option) *Loader {
	l := &Loader{
		cache:   c,
		fetcher: f,
		timeout: defaultFetchTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cache returns the store the loader reads and writes.
func (l *Loader) Cache() *cache.Store { return l.cache }

// Load returns the value for (dataType, filters). Unless force is set, a
// fresh cache entry is returned without a fetch. Otherwise the fetch result
// is stored with ttl before it is returned.
//
// The shared fetch is not cancelled when ctx is; ctx only bounds how long
// this caller waits.
func (l *Loader) Load(ctx context.Context, dataType string, filters types.Filters, ttl time.Duration, force bool) (Result, error) {
	key := cache.Key(dataType, filters)

	if !force {
		if e, ok := l.cache.Lookup(key); ok {
			return Result{
				Key:         key,
				Value:       e.Value,
				StartedAt:   e.StoredAt,
				CompletedAt: e.StoredAt,
				FromCache:   true,
			}, nil
		}
	}

	ch := l.group.DoChan(key, func() (any, error) {
		return l.fetch(context.WithoutCancel(ctx), key, dataType, filters.Clone(), ttl)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		res.Shared = r.Shared
		return res, nil
	}
}

// Forget drops any in-flight fetch for the key so the next Load starts a
// new one.
func (l *Loader) Forget(dataType string, filters types.Filters) {
	l.group.Forget(cache.Key(dataType, filters))
}

func (l *Loader) fetch(ctx context.Context, key, dataType string, filters types.Filters, ttl time.Duration) (Result, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := l.now()
	v, err := l.fetcher.Fetch(ctx, dataType, filters)
	if err != nil {
		l.logger.Warn("source: fetch failed",
			"data_type", dataType,
			"key", key,
			"err", err)
		return Result{}, fmt.Errorf("source: fetch %s: %w", dataType, err)
	}
	done := l.now()

	l.cache.Set(key, v, ttl)
	l.logger.Debug("source: fetched",
		"key", key,
		"took", done.Sub(start))

	return Result{
		Key:         key,
		Value:       v,
		StartedAt:   start,
		CompletedAt: done,
	}, nil
}
