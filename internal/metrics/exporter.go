package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/topdesk-stats/internal/models"
)

type exporterKey struct {
	instanceID string
	category   models.Category
}

type exporterEntry struct {
	instanceName string
	success      bool
	updatedAt    time.Time
	snapshot     *models.Snapshot
}

// Exporter republishes the latest snapshot of every coordinator as Prometheus gauges.
// It is fed by refresh notifications and never talks to TOPdesk itself.
type Exporter struct {
	mu      sync.RWMutex
	entries map[exporterKey]exporterEntry

	ticketsDesc    *prometheus.Desc
	upDesc         *prometheus.Desc
	lastUpdateDesc *prometheus.Desc
	infoDesc       *prometheus.Desc
}

// NewExporter constructs an empty exporter.
func NewExporter() *Exporter {
	labels := []string{"instance", "instance_id", "category"}
	return &Exporter{
		entries: make(map[exporterKey]exporterEntry),
		ticketsDesc: prometheus.NewDesc(
			"topdesk_tickets",
			"Ticket counts from the last successful refresh.",
			append(append([]string(nil), labels...), "metric"), nil,
		),
		upDesc: prometheus.NewDesc(
			"topdesk_up",
			"Whether the last refresh attempt succeeded (1) or failed (0).",
			labels, nil,
		),
		lastUpdateDesc: prometheus.NewDesc(
			"topdesk_last_update_timestamp_seconds",
			"Unix time of the last completed refresh attempt.",
			labels, nil,
		),
		infoDesc: prometheus.NewDesc(
			"topdesk_instance_info",
			"TOPdesk product version observed by the last successful refresh.",
			append(append([]string(nil), labels...), "device", "version"), nil,
		),
	}
}

// Handle records a refresh notification. A failed attempt keeps the previous snapshot
// unless the notification carries one.
func (e *Exporter) Handle(n models.Notification) {
	key := exporterKey{instanceID: n.InstanceID, category: n.Category}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.entries[key]
	entry.instanceName = n.InstanceName
	entry.success = n.Success
	entry.updatedAt = n.At
	if n.Snapshot != nil {
		entry.snapshot = n.Snapshot
	}
	e.entries[key] = entry
}

// Forget drops every series of an instance, e.g. after it was removed from the config.
func (e *Exporter) Forget(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.entries {
		if key.instanceID == instanceID {
			delete(e.entries, key)
		}
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.ticketsDesc
	ch <- e.upDesc
	ch <- e.lastUpdateDesc
	ch <- e.infoDesc
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]exporterKey, 0, len(e.entries))
	for key := range e.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].instanceID != keys[j].instanceID {
			return keys[i].instanceID < keys[j].instanceID
		}
		return keys[i].category < keys[j].category
	})

	for _, key := range keys {
		entry := e.entries[key]
		labels := []string{entry.instanceName, key.instanceID, string(key.category)}

		up := 0.0
		if entry.success {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(e.upDesc, prometheus.GaugeValue, up, labels...)
		if !entry.updatedAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(e.lastUpdateDesc, prometheus.GaugeValue, float64(entry.updatedAt.Unix()), labels...)
		}

		if entry.snapshot == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(e.infoDesc, prometheus.GaugeValue, 1, append(labels, models.DeviceName(entry.instanceName, key.category), entry.snapshot.Version)...)
		for _, metric := range models.MetricKeys {
			value, ok := entry.snapshot.Metrics[metric]
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(e.ticketsDesc, prometheus.GaugeValue, float64(value), append(labels, key.category.MetricName(metric))...)
		}
	}
}
