package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/topdesk-stats/internal/utils"
)

// RawCounts holds the results of the count queries of one refresh, keyed by metric.
type RawCounts map[MetricKey]int

// Snapshot is the immutable result of one successful refresh for an (instance, category).
type Snapshot struct {
	InstanceID string            `json:"instance_id"`
	Category   Category          `json:"category"`
	Metrics    map[MetricKey]int `json:"metrics"`
	Version    string            `json:"version"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// NewSnapshot maps raw counts onto the fixed metric set. It fails with KindIncompleteData
// when any metric or the version is missing, so a partial snapshot never exists.
func NewSnapshot(instanceID string, category Category, raw RawCounts, version string, at time.Time) (*Snapshot, error) {
	if _, err := PolicyFor(category); err != nil {
		return nil, err
	}
	if strings.TrimSpace(version) == "" {
		return nil, utils.NewAppError(utils.KindIncompleteData, "NewSnapshot", "missing version", nil)
	}

	metrics := make(map[MetricKey]int, len(MetricKeys))
	var missing []string
	for _, key := range MetricKeys {
		v, ok := raw[key]
		if !ok || v < 0 {
			missing = append(missing, string(key))
			continue
		}
		metrics[key] = v
	}
	if len(missing) > 0 {
		return nil, utils.NewAppError(utils.KindIncompleteData, "NewSnapshot", fmt.Sprintf("missing metrics: %s", strings.Join(missing, ", ")), nil)
	}

	return &Snapshot{
		InstanceID: instanceID,
		Category:   category,
		Metrics:    metrics,
		Version:    version,
		FetchedAt:  at.UTC(),
	}, nil
}

// Values returns a copy of the metrics keyed by published metric name.
func (s *Snapshot) Values() map[string]int {
	if s == nil {
		return nil
	}
	out := make(map[string]int, len(s.Metrics))
	for k, v := range s.Metrics {
		out[s.Category.MetricName(k)] = v
	}
	return out
}

// Complete reports whether every required metric is present.
func (s *Snapshot) Complete() bool {
	if s == nil || s.Version == "" {
		return false
	}
	for _, key := range MetricKeys {
		if _, ok := s.Metrics[key]; !ok {
			return false
		}
	}
	return true
}
