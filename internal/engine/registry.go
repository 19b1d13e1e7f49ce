package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/topdesk-stats/internal/cache"
	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

var (
	// ErrUnknownInstance is returned for instance IDs the registry does not hold.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrCategoryDisabled is returned when the instance does not poll the category.
	ErrCategoryDisabled = errors.New("category not enabled for instance")
)

// RegistryConfig holds the settings shared by every coordinator the registry creates.
type RegistryConfig struct {
	RefreshTimeout time.Duration
	Snapshots      *cache.SnapshotStore
	NewClient      ClientFactory
	Now            func() time.Time
}

// Summary reports what a manual trigger did.
type Summary struct {
	Matched   int
	Attempted int
	Succeeded int
	NoMatch   bool
}

type registryEntry struct {
	instance     models.Instance
	coordinators map[models.Category]*Coordinator
}

// Registry owns the coordinators of every configured instance.
type Registry struct {
	logger *slog.Logger
	ctx    context.Context
	cfg    RegistryConfig

	mu          sync.RWMutex
	entries     map[string]*registryEntry
	subscribers []Subscriber
	onRemove    []func(instanceID string)
}

// NewRegistry returns an empty registry. Coordinators it starts live until ctx is done or
// their instance is removed.
func NewRegistry(ctx context.Context, logger *slog.Logger, cfg RegistryConfig) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewClient == nil {
		cfg.NewClient = TOPdeskClientFactory(0, 0)
	}
	return &Registry{
		logger:  logger,
		ctx:     ctx,
		cfg:     cfg,
		entries: make(map[string]*registryEntry),
	}
}

// Subscribe forwards notifications of every current and future coordinator to fn.
func (r *Registry) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// OnRemove registers fn to run after an instance's coordinators are stopped.
func (r *Registry) OnRemove(fn func(instanceID string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

func (r *Registry) dispatch(n models.Notification) {
	r.mu.RLock()
	subscribers := slices.Clone(r.subscribers)
	r.mu.RUnlock()
	for _, fn := range subscribers {
		fn(n)
	}
}

// Add creates and starts one coordinator per enabled category of instance.
func (r *Registry) Add(instance models.Instance) error {
	if len(instance.Categories) == 0 {
		return fmt.Errorf("instance %q has no categories", instance.Name)
	}
	client, err := r.cfg.NewClient(instance)
	if err != nil {
		return fmt.Errorf("instance %q: %w", instance.Name, err)
	}

	entry := &registryEntry{instance: instance, coordinators: make(map[models.Category]*Coordinator, len(instance.Categories))}
	for _, category := range instance.Categories {
		c, err := r.newCoordinator(instance, category, client)
		if err != nil {
			return fmt.Errorf("instance %q: %w", instance.Name, err)
		}
		entry.coordinators[category] = c
	}

	r.mu.Lock()
	if _, exists := r.entries[instance.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("instance %q (%s) is already registered", instance.Name, instance.ID)
	}
	r.entries[instance.ID] = entry
	r.mu.Unlock()

	for _, c := range entry.coordinators {
		c.Start(r.ctx)
	}
	r.logger.Info("instance added",
		slog.String("instance", instance.Name),
		slog.String("instance_id", instance.ID),
		slog.String("host", instance.Host),
		slog.Any("categories", instance.Categories),
		slog.Duration("interval", instance.UpdateInterval),
	)
	return nil
}

func (r *Registry) newCoordinator(instance models.Instance, category models.Category, client Client) (*Coordinator, error) {
	c, err := NewCoordinator(r.logger, instance, category, client, CoordinatorConfig{
		Interval:       instance.UpdateInterval,
		RefreshTimeout: r.cfg.RefreshTimeout,
		Snapshots:      r.cfg.Snapshots,
		Now:            r.cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	c.Subscribe(r.dispatch)
	return c, nil
}

// Remove stops every coordinator of the instance, deletes its persisted snapshots and runs
// the OnRemove hooks. It reports whether the instance existed.
func (r *Registry) Remove(instanceID string) bool {
	r.mu.Lock()
	entry, ok := r.entries[instanceID]
	delete(r.entries, instanceID)
	hooks := slices.Clone(r.onRemove)
	r.mu.Unlock()
	if !ok {
		return false
	}

	for _, c := range entry.coordinators {
		c.Stop()
	}
	r.forgetSnapshots(entry)
	for _, fn := range hooks {
		fn(instanceID)
	}
	r.logger.Info("instance removed", slog.String("instance", entry.instance.Name), slog.String("instance_id", instanceID))
	return true
}

// forgetSnapshots drops the persisted snapshots of a removed instance so a later re-add
// starts from a fresh refresh instead of stale data.
func (r *Registry) forgetSnapshots(entry *registryEntry) {
	if r.cfg.Snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	for category := range entry.coordinators {
		if err := r.cfg.Snapshots.Delete(ctx, entry.instance.ID, category); err != nil {
			r.logger.Warn("delete persisted snapshot",
				slog.String("instance", entry.instance.Name),
				slog.String("category", string(category)),
				slog.Any("error", err),
			)
		}
	}
}

// UpdateInterval restarts the instance's coordinators with a new interval. Last-good
// snapshots carry over and the client is reused.
func (r *Registry) UpdateInterval(instanceID string, interval time.Duration) error {
	r.mu.RLock()
	entry, ok := r.entries[instanceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if entry.instance.UpdateInterval == interval {
		return nil
	}

	instance := entry.instance
	instance.UpdateInterval = interval
	next := &registryEntry{instance: instance, coordinators: make(map[models.Category]*Coordinator, len(entry.coordinators))}
	for category, prev := range entry.coordinators {
		c, err := NewCoordinator(r.logger, instance, category, prev.client, CoordinatorConfig{
			Interval:       interval,
			RefreshTimeout: r.cfg.RefreshTimeout,
			Snapshots:      r.cfg.Snapshots,
			Now:            r.cfg.Now,
		})
		if err != nil {
			return err
		}
		prev.Stop()
		c.adopt(prev)
		next.coordinators[category] = c
	}

	r.mu.Lock()
	if r.entries[instanceID] != entry {
		r.mu.Unlock()
		return fmt.Errorf("instance %q changed during interval update", instance.Name)
	}
	r.entries[instanceID] = next
	r.mu.Unlock()

	for _, c := range next.coordinators {
		c.Start(r.ctx)
	}
	r.logger.Info("instance interval updated", slog.String("instance", instance.Name), slog.Duration("interval", interval))
	return nil
}

// Apply reconciles the registry with a freshly loaded instance list: new instances are
// added, missing ones removed, interval-only changes restart in place and any other change
// replaces the instance.
func (r *Registry) Apply(instances []models.Instance) error {
	desired := make(map[string]models.Instance, len(instances))
	for _, instance := range instances {
		desired[instance.ID] = instance
	}

	r.mu.RLock()
	current := make(map[string]models.Instance, len(r.entries))
	for id, entry := range r.entries {
		current[id] = entry.instance
	}
	r.mu.RUnlock()

	var errs []error
	for id := range current {
		if _, keep := desired[id]; !keep {
			r.Remove(id)
		}
	}
	for _, instance := range instances {
		existing, ok := current[instance.ID]
		switch {
		case !ok:
			errs = append(errs, r.Add(instance))
		case existing.SameConnection(instance):
			errs = append(errs, r.UpdateInterval(instance.ID, instance.UpdateInterval))
		default:
			r.Remove(instance.ID)
			errs = append(errs, r.Add(instance))
		}
	}
	return errors.Join(errs...)
}

// TriggerRefresh refreshes every coordinator of the instances whose display name equals
// name, or of all instances when name is empty, and waits for the attempts. Coordinators
// already refreshing are joined. When nothing matches the call is a no-op that returns a
// KindNoMatchingInstance error alongside the summary.
func (r *Registry) TriggerRefresh(ctx context.Context, name string) (Summary, error) {
	var targets []*Coordinator
	var summary Summary

	r.mu.RLock()
	for _, entry := range r.entries {
		if name != "" && entry.instance.Name != name {
			continue
		}
		summary.Matched++
		for _, c := range entry.coordinators {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	if summary.Matched == 0 {
		summary.NoMatch = true
		r.logger.Warn("manual refresh matched no instance", slog.String("instance_name", name))
		return summary, utils.NewAppError(utils.KindNoMatchingInstance, "TriggerRefresh", fmt.Sprintf("no instance named %q", name), nil)
	}

	var succeeded atomic.Int32
	var g errgroup.Group
	for _, c := range targets {
		g.Go(func() error {
			if res := c.Refresh(ctx); res.Success {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Attempted = len(targets)
	summary.Succeeded = int(succeeded.Load())
	r.logger.Info("manual refresh finished",
		slog.String("instance_name", name),
		slog.Int("matched", summary.Matched),
		slog.Int("attempted", summary.Attempted),
		slog.Int("succeeded", summary.Succeeded),
	)
	return summary, ctx.Err()
}

// Instances lists the registered instances ordered by name, then ID.
func (r *Registry) Instances() []models.Instance {
	r.mu.RLock()
	out := make([]models.Instance, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.instance)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns the coordinator state of one (instance, category).
func (r *Registry) Snapshot(instanceID string, category models.Category) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[instanceID]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	c, ok := entry.coordinators[category]
	if !ok {
		return State{}, fmt.Errorf("%w: %s/%s", ErrCategoryDisabled, entry.instance.Name, category)
	}
	return c.State(), nil
}

// States returns the state of every coordinator ordered by instance name and category.
func (r *Registry) States() []State {
	r.mu.RLock()
	var out []State
	for _, entry := range r.entries {
		for _, c := range entry.coordinators {
			out = append(out, c.State())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceName != out[j].InstanceName {
			return out[i].InstanceName < out[j].InstanceName
		}
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Close stops every coordinator.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		for _, c := range entry.coordinators {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Stop()
			}()
		}
	}
	wg.Wait()
}
