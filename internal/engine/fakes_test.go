package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miradorstack/topdesk-stats/internal/cache"
	"github.com/miradorstack/topdesk-stats/internal/models"
)

// fakeClient records sessions and delegates every call to its function fields.
type fakeClient struct {
	FetchVersionFn        func(ctx context.Context) (string, error)
	FetchCategoryCountsFn func(ctx context.Context, category models.Category) (models.RawCounts, error)

	opens       atomic.Int32
	closes      atomic.Int32
	countsCalls atomic.Int32
}

func (f *fakeClient) Open() Session {
	f.opens.Add(1)
	return &fakeSession{client: f}
}

type fakeSession struct {
	client *fakeClient
	once   sync.Once
}

func (s *fakeSession) FetchVersion(ctx context.Context) (string, error) {
	if s.client.FetchVersionFn == nil {
		return "11.2.5", nil
	}
	return s.client.FetchVersionFn(ctx)
}

func (s *fakeSession) FetchCategoryCounts(ctx context.Context, category models.Category) (models.RawCounts, error) {
	s.client.countsCalls.Add(1)
	if s.client.FetchCategoryCountsFn == nil {
		return fullCounts(1), nil
	}
	return s.client.FetchCategoryCountsFn(ctx, category)
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { s.client.closes.Add(1) })
	return nil
}

func fullCounts(base int) models.RawCounts {
	return models.RawCounts{
		models.MetricTotal:           base * 10,
		models.MetricCompleted:       base * 7,
		models.MetricClosedCompleted: base * 5,
		models.MetricNewToday:        base * 2,
		models.MetricCompletedToday:  base,
	}
}

var fixedNow = time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)

func testInstance(name string, categories ...models.Category) models.Instance {
	if len(categories) == 0 {
		categories = []models.Category{models.CategoryIncident}
	}
	return models.NewInstance(name, "https://"+name+".topdesk.example.com", "api", "secret", categories, time.Hour)
}

// recorder collects notifications for assertions.
type recorder struct {
	mu    sync.Mutex
	items []models.Notification
}

func (r *recorder) handle(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) all() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.items...)
}

func (r *recorder) waitFor(t *testing.T, n int) []models.Notification {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.all()
}

func newTestCoordinator(t *testing.T, client Client, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	c, err := NewCoordinator(nil, testInstance("alpha"), models.CategoryIncident, client, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

// slowSetProvider is a memory cache whose Set blocks for delay, announcing the first call.
type slowSetProvider struct {
	*cache.MemoryProvider
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func newSlowSetProvider(delay time.Duration) *slowSetProvider {
	return &slowSetProvider{MemoryProvider: cache.NewMemoryProvider(16), delay: delay, started: make(chan struct{})}
}

func (p *slowSetProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	p.once.Do(func() { close(p.started) })
	time.Sleep(p.delay)
	return p.MemoryProvider.Set(ctx, key, value, ttl)
}
