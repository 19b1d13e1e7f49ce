package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/topdesk-stats/internal/cache"
	"github.com/miradorstack/topdesk-stats/internal/metrics"
	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

const (
	// DefaultRefreshTimeout bounds one whole refresh: version probe plus every count query.
	DefaultRefreshTimeout = 15 * time.Second
	// DefaultUpdateInterval is used when an instance does not configure one.
	DefaultUpdateInterval = 5 * time.Minute

	cacheTimeout = 2 * time.Second
	refreshKey   = "refresh"
)

// Subscriber receives one notification per completed refresh attempt.
type Subscriber func(models.Notification)

// Result is what a Refresh call observed. Joined callers share the in-flight attempt's result.
type Result struct {
	AttemptID string
	Success   bool
	Kind      utils.ErrorKind
	// Discarded is set when the coordinator was stopped before the attempt finished.
	Discarded bool
}

// State is a point-in-time view of a coordinator.
type State struct {
	InstanceID   string
	InstanceName string
	Category     models.Category
	Interval     time.Duration
	Snapshot     *models.Snapshot
	LastUpdate   time.Time
	Success      bool
	Refreshing   bool
	LastError    utils.ErrorKind
	LastErrorMsg string
}

// CoordinatorConfig carries the tunables shared by every coordinator of a registry.
type CoordinatorConfig struct {
	Interval       time.Duration
	RefreshTimeout time.Duration
	Snapshots      *cache.SnapshotStore
	Now            func() time.Time
}

// Coordinator owns the refresh cycle of one (instance, category) pair. At most one refresh
// runs at a time; triggers that arrive meanwhile join it.
type Coordinator struct {
	logger   *slog.Logger
	instance models.Instance
	category models.Category
	client   Client
	interval time.Duration
	timeout  time.Duration
	store    *cache.SnapshotStore
	now      func() time.Time

	group singleflight.Group
	// deliver is held from the stopped check through persistence and notification, so
	// Stop returns only after an accepted result has been fully delivered.
	deliver sync.Mutex

	mu          sync.RWMutex
	snapshot    *models.Snapshot
	lastUpdate  time.Time
	success     bool
	refreshing  bool
	lastKind    utils.ErrorKind
	lastErr     error
	subscribers []Subscriber
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewCoordinator validates the category against the policy table and returns an idle
// coordinator. Call Start to begin polling.
func NewCoordinator(logger *slog.Logger, instance models.Instance, category models.Category, client Client, cfg CoordinatorConfig) (*Coordinator, error) {
	if _, err := models.PolicyFor(category); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("coordinator %s/%s: client is required", instance.Name, category)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultUpdateInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Snapshots == nil {
		cfg.Snapshots = cache.NewSnapshotStore(nil, 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coordinator{
		logger: logger.With(
			slog.String("instance", instance.Name),
			slog.String("instance_id", instance.ID),
			slog.String("category", string(category)),
		),
		instance: instance,
		category: category,
		client:   client,
		interval: cfg.Interval,
		timeout:  cfg.RefreshTimeout,
		store:    cfg.Snapshots,
		now:      cfg.Now,
	}, nil
}

// Subscribe registers fn for every future notification.
func (c *Coordinator) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Start restores the cached snapshot, runs an immediate first refresh and then refreshes
// every interval until ctx is done or Stop is called. A stopped coordinator cannot be restarted.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.restore(loopCtx)
	go c.run(loopCtx)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	c.Refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Stop cancels the timer. A refresh still in flight finishes in the background and its
// result is dropped without notification. A result already being delivered when Stop is
// called completes before Stop returns; nothing is delivered afterwards.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	// Wait out a delivery that passed the stopped check before it was set.
	c.deliver.Lock()
	c.deliver.Unlock()
	c.logger.Debug("coordinator stopped")
}

// Refresh starts an attempt or joins the one in flight and waits for its result. When
// ctx ends first the caller stops waiting but the attempt carries on.
func (c *Coordinator) Refresh(ctx context.Context) Result {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.attempt(), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{Discarded: true}
	}
}

type fetchResult struct {
	snapshot *models.Snapshot
	err      error
}

func (c *Coordinator) attempt() Result {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Result{Discarded: true}
	}
	c.refreshing = true
	c.mu.Unlock()

	attemptID := uuid.NewString()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	results := make(chan fetchResult, 1)
	go func() {
		snap, err := c.fetch(ctx)
		results <- fetchResult{snapshot: snap, err: err}
	}()

	var res fetchResult
	timedOut := false
	select {
	case res = <-results:
		timedOut = res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
	case <-ctx.Done():
		timedOut = true
	}
	if timedOut {
		res = fetchResult{err: utils.NewAppError(utils.KindTimeout, "Refresh", fmt.Sprintf("refresh exceeded %s", c.timeout), errors.Join(ctx.Err(), res.err))}
	}

	return c.commit(attemptID, time.Since(start), res)
}

// fetch runs the refresh algorithm against a fresh session. Nothing is committed here.
func (c *Coordinator) fetch(ctx context.Context) (*models.Snapshot, error) {
	if _, err := models.PolicyFor(c.category); err != nil {
		return nil, err
	}

	session := c.client.Open()
	defer func() {
		if err := session.Close(); err != nil {
			c.logger.Debug("close session", slog.Any("error", err))
		}
	}()

	version, err := session.FetchVersion(ctx)
	if err != nil {
		return nil, utils.NewAppError(utils.KindVersionFetchFailed, "Refresh", "fetch version", err)
	}
	raw, err := session.FetchCategoryCounts(ctx, c.category)
	if err != nil {
		return nil, err
	}
	return models.NewSnapshot(c.instance.ID, c.category, raw, version, c.now())
}

func (c *Coordinator) commit(attemptID string, duration time.Duration, res fetchResult) Result {
	kind := utils.KindOf(res.err)

	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	c.refreshing = false
	if c.stopped {
		c.mu.Unlock()
		c.logger.Debug("discarding refresh result of stopped coordinator", slog.String("attempt_id", attemptID))
		return Result{AttemptID: attemptID, Kind: kind, Discarded: true}
	}
	wasSuccess := c.success
	if res.err == nil {
		c.snapshot = res.snapshot
		c.success = true
		c.lastKind = utils.KindNone
		c.lastErr = nil
	} else {
		c.success = false
		c.lastKind = kind
		c.lastErr = res.err
	}
	c.lastUpdate = c.now()
	notification := models.Notification{
		AttemptID:    attemptID,
		InstanceID:   c.instance.ID,
		InstanceName: c.instance.Name,
		Category:     c.category,
		Success:      res.err == nil,
		Snapshot:     c.snapshot,
		Error:        kind,
		Err:          res.err,
		At:           c.lastUpdate,
	}
	subscribers := slices.Clone(c.subscribers)
	c.mu.Unlock()

	metrics.ObserveRefresh(string(c.category), duration, kind)

	if res.err == nil {
		c.logger.Debug("refresh succeeded",
			slog.String("attempt_id", attemptID),
			slog.String("version", res.snapshot.Version),
			slog.Duration("duration", duration),
		)
		c.persist(res.snapshot)
	} else {
		c.logger.Warn("refresh failed",
			slog.String("attempt_id", attemptID),
			slog.String("kind", string(kind)),
			slog.Any("error", res.err),
		)
		if wasSuccess {
			utils.Alert(c.logger, "TOPdesk instance stopped answering", res.err,
				slog.String("attempt_id", attemptID),
				slog.String("kind", string(utils.RootKind(res.err))),
			)
		}
	}

	for _, fn := range subscribers {
		fn(notification)
	}
	return Result{AttemptID: attemptID, Success: res.err == nil, Kind: kind}
}

func (c *Coordinator) persist(snap *models.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := c.store.Save(ctx, snap); err != nil {
		c.logger.Warn("persist snapshot", slog.Any("error", err))
	}
}

func (c *Coordinator) restore(ctx context.Context) {
	c.mu.RLock()
	have := c.snapshot != nil
	c.mu.RUnlock()
	if have {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	snap, err := c.store.Load(ctx, c.instance.ID, c.category)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("restore snapshot", slog.Any("error", err))
		}
		return
	}

	c.mu.Lock()
	if c.snapshot == nil {
		c.snapshot = snap
	}
	c.mu.Unlock()
	c.logger.Info("restored cached snapshot", slog.Time("fetched_at", snap.FetchedAt))
}

// adopt carries the last-good data and subscribers of a replaced coordinator over.
func (c *Coordinator) adopt(prev *Coordinator) {
	prev.mu.RLock()
	snapshot, lastUpdate, success := prev.snapshot, prev.lastUpdate, prev.success
	lastKind, lastErr := prev.lastKind, prev.lastErr
	subscribers := slices.Clone(prev.subscribers)
	prev.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snapshot
	c.lastUpdate = lastUpdate
	c.success = success
	c.lastKind = lastKind
	c.lastErr = lastErr
	c.subscribers = subscribers
}

// State returns a copy of the coordinator's observable state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := State{
		InstanceID:   c.instance.ID,
		InstanceName: c.instance.Name,
		Category:     c.category,
		Interval:     c.interval,
		Snapshot:     c.snapshot,
		LastUpdate:   c.lastUpdate,
		Success:      c.success,
		Refreshing:   c.refreshing,
		LastError:    c.lastKind,
	}
	if c.lastErr != nil {
		s.LastErrorMsg = c.lastErr.Error()
	}
	return s
}

// Snapshot returns the last-good snapshot, or nil before the first success.
func (c *Coordinator) Snapshot() *models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}
