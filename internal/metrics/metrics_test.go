package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func find(t *testing.T, family *dto.MetricFamily, want map[string]string) *dto.Metric {
	t.Helper()
	require.NotNil(t, family)
	for _, m := range family.GetMetric() {
		labels := labelsOf(m)
		match := true
		for k, v := range want {
			if labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	t.Fatalf("no %s series with labels %v", family.GetName(), want)
	return nil
}

func TestRegisterToleratesDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObserveRefreshLabelsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	ObserveRefresh("incident", 120*time.Millisecond, utils.KindNone)
	ObserveRefresh("incident", time.Second, utils.KindTimeout)
	ObserveRequest("count", "200")

	families := gather(t, reg)
	ok := find(t, families["topdesk_stats_refreshes_total"], map[string]string{"category": "incident", "outcome": OutcomeSuccess})
	assert.GreaterOrEqual(t, ok.GetCounter().GetValue(), 1.0)
	failed := find(t, families["topdesk_stats_refreshes_total"], map[string]string{"outcome": OutcomeError, "kind": "timeout"})
	assert.GreaterOrEqual(t, failed.GetCounter().GetValue(), 1.0)
	hist := find(t, families["topdesk_stats_refresh_seconds"], map[string]string{"category": "incident"})
	assert.GreaterOrEqual(t, hist.GetHistogram().GetSampleCount(), uint64(2))
	find(t, families["topdesk_stats_requests_total"], map[string]string{"endpoint": "count", "code": "200"})
}

func snapshotFor(t *testing.T, instanceID string, category models.Category, base int) *models.Snapshot {
	t.Helper()
	snap, err := models.NewSnapshot(instanceID, category, models.RawCounts{
		models.MetricTotal:           base * 10,
		models.MetricCompleted:       base * 7,
		models.MetricClosedCompleted: base * 5,
		models.MetricNewToday:        base * 2,
		models.MetricCompletedToday:  base,
	}, "11.2.5", time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	return snap
}

func TestExporterPublishesLastGoodSnapshot(t *testing.T) {
	exporter := NewExporter()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(exporter))

	at := time.Unix(1_700_000_100, 0)
	good := snapshotFor(t, "abc", models.CategoryIncident, 1)
	exporter.Handle(models.Notification{InstanceID: "abc", InstanceName: "SD", Category: models.CategoryIncident, Success: true, Snapshot: good, At: at})

	families := gather(t, reg)
	total := find(t, families["topdesk_tickets"], map[string]string{"instance": "SD", "metric": "incident_total_tickets"})
	assert.Equal(t, 10.0, total.GetGauge().GetValue())
	assert.Equal(t, 1.0, find(t, families["topdesk_up"], map[string]string{"instance_id": "abc"}).GetGauge().GetValue())
	assert.Equal(t, float64(at.Unix()), find(t, families["topdesk_last_update_timestamp_seconds"], nil).GetGauge().GetValue())
	find(t, families["topdesk_instance_info"], map[string]string{"version": "11.2.5", "device": "SD Incident"})
	assert.Len(t, families["topdesk_tickets"].GetMetric(), len(models.MetricKeys))

	exporter.Handle(models.Notification{InstanceID: "abc", InstanceName: "SD", Category: models.CategoryIncident, Success: false, Snapshot: good, Error: utils.KindTimeout, At: at.Add(time.Minute)})
	families = gather(t, reg)
	assert.Equal(t, 0.0, find(t, families["topdesk_up"], nil).GetGauge().GetValue())
	total = find(t, families["topdesk_tickets"], map[string]string{"metric": "incident_total_tickets"})
	assert.Equal(t, 10.0, total.GetGauge().GetValue())
}

func TestExporterWithoutSnapshotOnlyReportsUp(t *testing.T) {
	exporter := NewExporter()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(exporter))

	exporter.Handle(models.Notification{InstanceID: "def", InstanceName: "Lab", Category: models.CategoryChange, Success: false, Error: utils.KindTransport, At: time.Unix(1_700_000_000, 0)})

	families := gather(t, reg)
	assert.Equal(t, 0.0, find(t, families["topdesk_up"], map[string]string{"category": "change"}).GetGauge().GetValue())
	assert.NotContains(t, families, "topdesk_tickets")
	assert.NotContains(t, families, "topdesk_instance_info")
}

func TestExporterForgetDropsInstance(t *testing.T) {
	exporter := NewExporter()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(exporter))

	exporter.Handle(models.Notification{InstanceID: "abc", InstanceName: "SD", Category: models.CategoryIncident, Success: true, Snapshot: snapshotFor(t, "abc", models.CategoryIncident, 1), At: time.Unix(1_700_000_000, 0)})
	exporter.Handle(models.Notification{InstanceID: "def", InstanceName: "Lab", Category: models.CategoryChange, Success: true, Snapshot: snapshotFor(t, "def", models.CategoryChange, 2), At: time.Unix(1_700_000_000, 0)})
	exporter.Forget("abc")

	families := gather(t, reg)
	require.Len(t, families["topdesk_up"].GetMetric(), 1)
	assert.Equal(t, "def", labelsOf(families["topdesk_up"].GetMetric()[0])["instance_id"])
	find(t, families["topdesk_tickets"], map[string]string{"metric": "change_completed_tickets_today"})
}
