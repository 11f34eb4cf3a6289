package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/obsidianstack/datasync/internal/cache"
	"github.com/obsidianstack/datasync/internal/realtime"
	"github.com/obsidianstack/datasync/internal/scheduler"
	"github.com/obsidianstack/datasync/internal/source"
	"github.com/obsidianstack/datasync/pkg/types"
)

// DefaultTTL is the cache TTL used when WithTTL is not given.
const DefaultTTL = 5 * time.Minute

// ErrClosed is returned by operations on a closed Coordinator.
var ErrClosed = errors.New("coordinator: closed")

// Realtime is the push channel a Coordinator listens on.
type Realtime interface {
	Subscribe(topic string, h realtime.Handler) (unsubscribe func())
	OnConnectionChange(h realtime.ConnectionHandler) (unsubscribe func())
	Status() types.ConnectionState
}

// Scheduler owns the polling job backing a Coordinator.
type Scheduler interface {
	DefaultJobConfig() scheduler.JobConfig
	CreateJob(id, dataType string, cfg scheduler.JobConfig, filters types.Filters, fn scheduler.RefreshFunc) (scheduler.Job, error)
	RemoveJob(id string) bool
	SetJobFilters(id string, filters types.Filters) error
	OnRefresh(h scheduler.RefreshHandler) (unsubscribe func())
}

// State is the UI-facing view of one data request. Data is nil until the
// first successful load or push.
type State[T any] struct {
	Data             *T                    `json:"data"`
	Loading          bool                  `json:"loading"`
	Refreshing       bool                  `json:"refreshing"`
	Error            string                `json:"error,omitempty"`
	LastUpdated      time.Time             `json:"last_updated,omitzero"`
	ConnectionStatus types.ConnectionState `json:"connection_status"`
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	id     string
	ttl    time.Duration
	jobCfg *scheduler.JobConfig
	logger *slog.Logger
	clock  clock.PassiveClock
}

// WithID sets the widget id. Defaults to the data type.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithTTL sets the cache TTL for values this Coordinator stores.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithJobConfig overrides the scheduler's default job configuration.
func WithJobConfig(cfg scheduler.JobConfig) Option {
	return func(o *options) { o.jobCfg = &cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used to timestamp push messages that carry no
// parseable timestamp.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) { o.clock = c }
}

// Coordinator produces one State for a data type and its current filters.
// All methods are safe for concurrent use.
type Coordinator[T any] struct {
	id       string
	dataType string
	ttl      time.Duration
	loader   *source.Loader
	rt       Realtime
	sched    Scheduler
	logger   *slog.Logger
	clock    clock.PassiveClock

	mu         sync.Mutex
	state      State[T]
	filters    types.Filters
	generation uint64 // bumped by UpdateFilters
	applied    uint64 // generation of the currently applied data
	hasApplied bool
	loaded     bool // a load has completed at least once
	inflight   int
	active     bool
	jobID      string
	unsubs     []func()
	listeners  []listener[T]
	nextLis    uint64

	// notifyMu serialises listener delivery so listeners observe states in
	// commit order.
	notifyMu sync.Mutex
}

type listener[T any] struct {
	id uint64
	fn func(State[T], View)
}

// New creates a Coordinator, subscribes it to rt for dataType (and, through
// the channel, the wildcard topic) and registers its polling job with sched.
// rt and sched may be nil. The initial load is started by Load.
func New[T any](dataType string, filters types.Filters, loader *source.Loader, rt Realtime, sched Scheduler, opts ...Option) (*Coordinator[T], error) {
	if dataType == "" {
		return nil, fmt.Errorf("coordinator: data type is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("coordinator: %s: loader is required", dataType)
	}

	o := options{
		id:     dataType,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator[T]{
		id:       o.id,
		dataType: dataType,
		ttl:      o.ttl,
		loader:   loader,
		rt:       rt,
		sched:    sched,
		logger:   o.logger.With("widget", o.id, "data_type", dataType),
		clock:    o.clock,
		filters:  filters.Clone(),
		active:   true,
		state: State[T]{
			Loading:          true,
			ConnectionStatus: types.Disconnected,
		},
	}

	if rt != nil {
		unsubConn := rt.OnConnectionChange(c.onConnectionChange)
		unsubTopic := rt.Subscribe(dataType, c.onMessage)
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsubConn, unsubTopic)
		// Read after subscribing so a transition in between is not lost.
		c.state.ConnectionStatus = rt.Status()
		c.mu.Unlock()
	}

	if sched != nil {
		cfg := sched.DefaultJobConfig()
		if o.jobCfg != nil {
			cfg = *o.jobCfg
		}
		c.jobID = uuid.NewString()
		unsubRefresh := sched.OnRefresh(c.onRefreshEvent)
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsubRefresh)
		c.mu.Unlock()
		if _, err := sched.CreateJob(c.jobID, dataType, cfg, c.filters, c.scheduledRefresh); err != nil {
			c.Close()
			return nil, fmt.Errorf("coordinator: %s: create job: %w", dataType, err)
		}
	}

	return c, nil
}

// ID returns the widget id.
func (c *Coordinator[T]) ID() string { return c.id }

// DataType returns the data type this Coordinator serves.
func (c *Coordinator[T]) DataType() string { return c.dataType }

// JobID returns the id of the backing polling job, or "" without a scheduler.
func (c *Coordinator[T]) JobID() string { return c.jobID }

// Key returns the cache key for the current filters.
func (c *Coordinator[T]) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cache.Key(c.dataType, c.filters)
}

// Filters returns a copy of the current filters.
func (c *Coordinator[T]) Filters() types.Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters.Clone()
}

// State returns a snapshot of the current state.
func (c *Coordinator[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Load performs a non-forced load: a fresh cache entry is adopted without a
// fetch.
func (c *Coordinator[T]) Load(ctx context.Context) error {
	return c.load(ctx, false, true)
}

// Refresh reloads bypassing the cache freshness check. Concurrent refreshes
// of the same key share one fetch.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	return c.load(ctx, true, true)
}

// ClearError clears the error message.
func (c *Coordinator[T]) ClearError() {
	c.mu.Lock()
	if !c.active || c.state.Error == "" {
		c.mu.Unlock()
		return
	}
	c.state.Error = ""
	c.commitLocked()
}

// UpdateFilters replaces the filters, points the polling job at them and
// reloads under the new cache key. Results of loads started under the old
// filters are discarded.
func (c *Coordinator[T]) UpdateFilters(ctx context.Context, filters types.Filters) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrClosed
	}
	c.filters = filters.Clone()
	c.generation++
	jobID := c.jobID
	c.mu.Unlock()

	if c.sched != nil && jobID != "" {
		if err := c.sched.SetJobFilters(jobID, filters); err != nil {
			c.logger.Warn("coordinator: update job filters", "job", jobID, "err", err)
		}
	}
	return c.load(ctx, false, true)
}

// Subscribe registers fn for state changes. fn runs synchronously after each
// change and must not call back into the Coordinator.
func (c *Coordinator[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	return c.listen(func(s State[T], _ View) { fn(s) })
}

func (c *Coordinator[T]) listen(fn func(State[T], View)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextLis++
	id := c.nextLis
	c.listeners = append(c.listeners, listener[T]{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Close unsubscribes from the push channel and removes the polling job.
// Close is idempotent.
func (c *Coordinator[T]) Close() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	unsubs := c.unsubs
	c.unsubs = nil
	c.listeners = nil
	jobID := c.jobID
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if c.sched != nil && jobID != "" {
		c.sched.RemoveJob(jobID)
	}
	c.logger.Debug("coordinator: closed")
}

// --- internal ---------------------------------------------------------------

func (c *Coordinator[T]) load(ctx context.Context, force, surfaceErr bool) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrClosed
	}
	gen := c.generation
	filters := c.filters.Clone()
	c.inflight++
	c.syncFlagsLocked()
	c.commitLocked()

	res, err := c.loader.Load(ctx, c.dataType, filters, c.ttl, force)

	var value T
	if err == nil {
		value, err = decode[T](res.Value)
		if err != nil {
			err = fmt.Errorf("coordinator: decode %s: %w", c.dataType, err)
		}
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrClosed
	}
	c.inflight--
	c.loaded = true

	switch {
	case gen != c.generation:
		c.logger.Debug("coordinator: discarded result for superseded filters")
	case err != nil:
		if surfaceErr && !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
			c.state.Error = fmt.Sprintf("failed to load %s: %v", c.dataType, err)
		}
	case c.hasApplied && c.applied == gen && res.StartedAt.Before(c.state.LastUpdated):
		c.logger.Debug("coordinator: discarded stale result",
			"started_at", res.StartedAt,
			"last_updated", c.state.LastUpdated)
	default:
		c.state.Data = &value
		c.state.LastUpdated = res.CompletedAt
		c.state.Error = ""
		c.applied, c.hasApplied = gen, true
	}
	c.syncFlagsLocked()
	c.commitLocked()
	return err
}

// syncFlagsLocked derives Loading and Refreshing from the load counters.
func (c *Coordinator[T]) syncFlagsLocked() {
	c.state.Loading = !c.loaded
	c.state.Refreshing = c.loaded && c.inflight > 0
}

func (c *Coordinator[T]) scheduledRefresh(ctx context.Context, _ types.Filters) error {
	return c.load(ctx, true, false)
}

func (c *Coordinator[T]) onRefreshEvent(ev scheduler.RefreshEvent) {
	if ev.Success || ev.JobID != c.jobID {
		return
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.state.Error = fmt.Sprintf("failed to refresh %s after %d attempts: %v", c.dataType, ev.Attempts, ev.Err)
	c.commitLocked()
}

func (c *Coordinator[T]) onMessage(msg types.Message) {
	ts, err := msg.Time()
	if err != nil {
		ts = c.clock.Now()
		c.logger.Debug("coordinator: push without usable timestamp, using arrival time", "err", err)
	}
	value, err := decode[T](msg.Data)
	if err != nil {
		c.logger.Warn("coordinator: dropped undecodable push",
			"topic", msg.Type,
			"err", err)
		return
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if ts.Before(c.state.LastUpdated) {
		c.logger.Debug("coordinator: discarded stale push",
			"timestamp", ts,
			"last_updated", c.state.LastUpdated)
		c.mu.Unlock()
		return
	}
	key := cache.Key(c.dataType, c.filters)
	c.state.Data = &value
	c.state.LastUpdated = ts
	c.state.Error = ""
	c.applied, c.hasApplied = c.generation, true
	c.loader.Cache().SetAt(key, value, c.ttl, ts)
	c.commitLocked()
}

func (c *Coordinator[T]) onConnectionChange(s types.ConnectionState) {
	c.mu.Lock()
	if !c.active || c.state.ConnectionStatus == s {
		c.mu.Unlock()
		return
	}
	c.state.ConnectionStatus = s
	c.commitLocked()
}

// commitLocked publishes the current state to listeners. It must be called
// with c.mu held and returns with c.mu released.
func (c *Coordinator[T]) commitLocked() {
	snap := c.state
	fns := make([]func(State[T], View), len(c.listeners))
	for i, l := range c.listeners {
		fns[i] = l.fn
	}
	var view View
	if len(fns) > 0 {
		view = c.viewLocked()
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, fn := range fns {
		fn(snap, view)
	}
}

// decode converts a cached or pushed value into T. Values of type T pass
// through; raw JSON is unmarshalled; anything else round-trips through JSON.
func decode[T any](v any) (T, error) {
	var out T
	switch x := v.(type) {
	case T:
		return x, nil
	case json.RawMessage:
		err := json.Unmarshal(x, &out)
		return out, err
	case []byte:
		err := json.Unmarshal(x, &out)
		return out, err
	case nil:
		return out, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return out, err
		}
		err = json.Unmarshal(b, &out)
		return out, err
	}
}
