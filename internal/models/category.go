package models

import (
	"fmt"
	"strings"

	"github.com/miradorstack/topdesk-stats/internal/utils"
)

// Category is a ticket workflow type with its own completion and closure semantics.
type Category string

const (
	CategoryIncident Category = "incident"
	CategoryChange   Category = "change"
)

// MetricKey identifies one of the fixed per-category counts.
type MetricKey string

const (
	MetricTotal           MetricKey = "total_tickets"
	MetricCompleted       MetricKey = "completed_tickets"
	MetricClosedCompleted MetricKey = "closed_completed_count"
	MetricNewToday        MetricKey = "new_tickets_today"
	MetricCompletedToday  MetricKey = "completed_tickets_today"
)

// MetricKeys lists every metric a snapshot must carry, in display order.
var MetricKeys = []MetricKey{
	MetricTotal,
	MetricCompleted,
	MetricClosedCompleted,
	MetricNewToday,
	MetricCompletedToday,
}

// MetricFilter pairs a metric with the filter whose result count becomes its value.
type MetricFilter struct {
	Metric MetricKey
	Filter Filter
}

// Policy is the per-category query definition: where to ask and what to ask for.
type Policy struct {
	Category Category
	BasePath string
	Filters  []MetricFilter
}

// Incidents close after completion; changes close directly. The change "closed" metric
// only counts changes closed more than a week ago.
var policies = map[Category]Policy{
	CategoryIncident: {
		Category: CategoryIncident,
		BasePath: "/services/reporting/v2/odata/Incidents/",
		Filters: []MetricFilter{
			{MetricTotal, Filter{On(FieldCreationDate, OpGt, DateEpoch)}},
			{MetricCompleted, Filter{Is(FieldCompleted, true)}},
			{MetricClosedCompleted, Filter{Is(FieldCompleted, true), Is(FieldClosed, true)}},
			{MetricNewToday, Filter{On(FieldCreationDate, OpGe, DateToday)}},
			{MetricCompletedToday, Filter{On(FieldCreationDate, OpGe, DateToday), Is(FieldCompleted, true), Is(FieldClosed, false)}},
		},
	},
	CategoryChange: {
		Category: CategoryChange,
		BasePath: "/services/reporting/v2/odata/Changes/",
		Filters: []MetricFilter{
			{MetricTotal, Filter{On(FieldCreationDate, OpGt, DateEpoch)}},
			{MetricCompleted, Filter{Is(FieldClosed, true)}},
			{MetricClosedCompleted, Filter{Is(FieldClosed, true), On(FieldClosureDate, OpLt, DateWeekAgo)}},
			{MetricNewToday, Filter{On(FieldCreationDate, OpGe, DateToday)}},
			{MetricCompletedToday, Filter{On(FieldCreationDate, OpGe, DateToday), Is(FieldClosed, true)}},
		},
	},
}

// MaxCallsPerRefresh is the number of requests the largest policy issues in one refresh:
// the version probe plus one count per metric.
func MaxCallsPerRefresh() int {
	n := 0
	for _, p := range policies {
		n = max(n, len(p.Filters))
	}
	return n + 1
}

// Categories returns the supported categories in a stable order.
func Categories() []Category {
	return []Category{CategoryIncident, CategoryChange}
}

// PolicyFor looks up the query policy of a category.
func PolicyFor(c Category) (Policy, error) {
	p, ok := policies[c]
	if !ok {
		return Policy{}, utils.NewAppError(utils.KindUnsupportedCategory, "PolicyFor", fmt.Sprintf("unsupported category %q", c), nil)
	}
	return p, nil
}

// ParseCategory accepts the canonical names, their plurals, and the TOPdesk module labels.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "incident", "incidents", "incident management":
		return CategoryIncident, nil
	case "change", "changes", "change management":
		return CategoryChange, nil
	}
	return "", utils.NewAppError(utils.KindUnsupportedCategory, "ParseCategory", fmt.Sprintf("unsupported category %q", s), nil)
}

// MetricName is the published name of a metric, e.g. "incident_total_tickets".
func (c Category) MetricName(key MetricKey) string {
	return string(c) + "_" + string(key)
}

// Title is the capitalised category name, e.g. "Incident".
func (c Category) Title() string {
	if c == "" {
		return ""
	}
	return strings.ToUpper(string(c[:1])) + string(c[1:])
}
