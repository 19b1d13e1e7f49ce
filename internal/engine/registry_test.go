package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/topdesk-stats/internal/cache"
	"github.com/miradorstack/topdesk-stats/internal/metrics"
	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

type fakeFleet struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	built   int
}

func (f *fakeFleet) factory(instance models.Instance) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built++
	if f.clients == nil {
		f.clients = map[string]*fakeClient{}
	}
	c, ok := f.clients[instance.Name]
	if !ok {
		c = &fakeClient{}
		f.clients[instance.Name] = c
	}
	return c, nil
}

func (f *fakeFleet) client(name string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[name]
}

func newTestRegistry(t *testing.T, fleet *fakeFleet) (*Registry, *recorder) {
	t.Helper()
	r := NewRegistry(context.Background(), nil, RegistryConfig{
		NewClient: fleet.factory,
		Now:       func() time.Time { return fixedNow },
	})
	t.Cleanup(r.Close)
	rec := &recorder{}
	r.Subscribe(rec.handle)
	return r, rec
}

func TestRegistryTriggerRefreshFiltersByName(t *testing.T) {
	fleet := &fakeFleet{}
	r, rec := newTestRegistry(t, fleet)
	require.NoError(t, r.Add(testInstance("A")))
	require.NoError(t, r.Add(testInstance("B", models.CategoryIncident, models.CategoryChange)))
	require.NoError(t, r.Add(testInstance("C")))
	rec.waitFor(t, 4)

	summary, err := r.TriggerRefresh(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, Summary{Matched: 1, Attempted: 2, Succeeded: 2}, summary)
	assert.Equal(t, int32(1), fleet.client("A").opens.Load())
	assert.Equal(t, int32(4), fleet.client("B").opens.Load())
	assert.Equal(t, int32(1), fleet.client("C").opens.Load())

	summary, err = r.TriggerRefresh(context.Background(), "D")
	require.Error(t, err)
	assert.Equal(t, utils.KindNoMatchingInstance, utils.KindOf(err))
	assert.True(t, summary.NoMatch)
	assert.Zero(t, summary.Attempted)
	assert.Equal(t, int32(1), fleet.client("A").opens.Load())

	summary, err = r.TriggerRefresh(context.Background(), "b")
	require.Error(t, err)
	assert.True(t, summary.NoMatch)

	summary, err = r.TriggerRefresh(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Matched: 3, Attempted: 4, Succeeded: 4}, summary)
	assert.Equal(t, int32(2), fleet.client("A").opens.Load())
	assert.Equal(t, int32(2), fleet.client("C").opens.Load())
}

func TestRegistryTriggerCountsFailures(t *testing.T) {
	fleet := &fakeFleet{clients: map[string]*fakeClient{
		"broken": {FetchVersionFn: func(context.Context) (string, error) { return "", errors.New("dial tcp: refused") }},
	}}
	r, rec := newTestRegistry(t, fleet)
	require.NoError(t, r.Add(testInstance("broken", models.CategoryIncident, models.CategoryChange)))
	rec.waitFor(t, 2)

	summary, err := r.TriggerRefresh(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, Summary{Matched: 1, Attempted: 2, Succeeded: 0}, summary)
}

func TestRegistryAddRejectsDuplicatesAndEmptyCategories(t *testing.T) {
	fleet := &fakeFleet{}
	r, _ := newTestRegistry(t, fleet)
	require.NoError(t, r.Add(testInstance("A")))
	assert.Error(t, r.Add(testInstance("A")))

	empty := testInstance("E")
	empty.Categories = nil
	assert.Error(t, r.Add(empty))

	bad := testInstance("P", models.Category("problem"))
	err := r.Add(bad)
	require.Error(t, err)
	assert.Equal(t, utils.KindUnsupportedCategory, utils.KindOf(err))
	assert.Len(t, r.Instances(), 1)
}

func TestRegistrySnapshotLookup(t *testing.T) {
	fleet := &fakeFleet{}
	r, rec := newTestRegistry(t, fleet)
	a := testInstance("A")
	require.NoError(t, r.Add(a))
	rec.waitFor(t, 1)

	state, err := r.Snapshot(a.ID, models.CategoryIncident)
	require.NoError(t, err)
	assert.True(t, state.Success)
	assert.Equal(t, "A", state.InstanceName)
	require.NotNil(t, state.Snapshot)

	_, err = r.Snapshot(a.ID, models.CategoryChange)
	assert.ErrorIs(t, err, ErrCategoryDisabled)

	_, err = r.Snapshot("missing", models.CategoryIncident)
	assert.ErrorIs(t, err, ErrUnknownInstance)

	states := r.States()
	require.Len(t, states, 1)
	assert.Equal(t, a.ID, states[0].InstanceID)
}

func TestRegistryUpdateIntervalKeepsSnapshot(t *testing.T) {
	fleet := &fakeFleet{}
	r, rec := newTestRegistry(t, fleet)
	a := testInstance("A")
	require.NoError(t, r.Add(a))
	rec.waitFor(t, 1)
	before, err := r.Snapshot(a.ID, models.CategoryIncident)
	require.NoError(t, err)

	fleet.client("A").FetchVersionFn = func(context.Context) (string, error) {
		return "", errors.New("offline")
	}
	require.NoError(t, r.UpdateInterval(a.ID, 10*time.Minute))
	notes := rec.waitFor(t, 2)

	assert.False(t, notes[1].Success)
	assert.Same(t, before.Snapshot, notes[1].Snapshot)
	after, err := r.Snapshot(a.ID, models.CategoryIncident)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, after.Interval)
	assert.Same(t, before.Snapshot, after.Snapshot)
	assert.Equal(t, 1, fleet.built)

	assert.ErrorIs(t, r.UpdateInterval("missing", time.Minute), ErrUnknownInstance)
}

func TestRegistryApplyReconciles(t *testing.T) {
	fleet := &fakeFleet{}
	r, rec := newTestRegistry(t, fleet)
	var removed []string
	r.OnRemove(func(id string) { removed = append(removed, id) })

	a, b := testInstance("A"), testInstance("B")
	require.NoError(t, r.Apply([]models.Instance{a, b}))
	rec.waitFor(t, 2)
	assert.Len(t, r.Instances(), 2)

	a2 := a
	a2.UpdateInterval = 2 * time.Hour
	c := testInstance("C")
	require.NoError(t, r.Apply([]models.Instance{a2, c}))

	instances := r.Instances()
	require.Len(t, instances, 2)
	assert.Equal(t, "A", instances[0].Name)
	assert.Equal(t, 2*time.Hour, instances[0].UpdateInterval)
	assert.Equal(t, "C", instances[1].Name)
	assert.Equal(t, []string{b.ID}, removed)

	a3 := a2
	a3.Password = "rotated"
	require.NoError(t, r.Apply([]models.Instance{a3, c}))
	assert.Equal(t, []string{b.ID, a.ID}, removed)
	assert.Equal(t, 4, fleet.built)
}

func TestRegistryRemoveStopsCoordinators(t *testing.T) {
	fleet := &fakeFleet{}
	r, rec := newTestRegistry(t, fleet)
	a := testInstance("A")
	require.NoError(t, r.Add(a))
	rec.waitFor(t, 1)

	assert.True(t, r.Remove(a.ID))
	assert.False(t, r.Remove(a.ID))
	assert.Empty(t, r.Instances())

	summary, err := r.TriggerRefresh(context.Background(), "A")
	require.Error(t, err)
	assert.True(t, summary.NoMatch)
}

func TestRegistryRemoveDuringDeliveryLeavesNothingBehind(t *testing.T) {
	fleet := &fakeFleet{}
	provider := newSlowSetProvider(200 * time.Millisecond)
	store := cache.NewSnapshotStore(provider, time.Hour)
	r := NewRegistry(context.Background(), nil, RegistryConfig{
		NewClient: fleet.factory,
		Snapshots: store,
		Now:       func() time.Time { return fixedNow },
	})
	t.Cleanup(r.Close)

	exporter := metrics.NewExporter()
	r.Subscribe(exporter.Handle)
	r.OnRemove(exporter.Forget)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(exporter))

	a := testInstance("A")
	require.NoError(t, r.Add(a))
	select {
	case <-provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first refresh never persisted")
	}
	require.True(t, r.Remove(a.ID))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	_, err = store.Load(context.Background(), a.ID, models.CategoryIncident)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	time.Sleep(50 * time.Millisecond)
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
