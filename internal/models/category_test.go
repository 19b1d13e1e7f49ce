package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/topdesk-stats/internal/utils"
)

var fixedNow = time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)

func filterFor(t *testing.T, c Category, key MetricKey) Filter {
	t.Helper()
	p, err := PolicyFor(c)
	require.NoError(t, err)
	for _, mf := range p.Filters {
		if mf.Metric == key {
			return mf.Filter
		}
	}
	t.Fatalf("no filter for %s/%s", c, key)
	return nil
}

func TestPolicyRendersODataFilters(t *testing.T) {
	cases := []struct {
		category Category
		metric   MetricKey
		want     string
	}{
		{CategoryIncident, MetricTotal, "(creationDate gt 1970-01-01T00:00:00Z)"},
		{CategoryIncident, MetricCompleted, "(completed eq true)"},
		{CategoryIncident, MetricClosedCompleted, "(completed eq true) and (closed eq true)"},
		{CategoryIncident, MetricNewToday, "(creationDate ge 2024-03-15T00:00:00Z)"},
		{CategoryIncident, MetricCompletedToday, "(creationDate ge 2024-03-15T00:00:00Z) and (completed eq true) and (closed eq false)"},
		{CategoryChange, MetricTotal, "(creationDate gt 1970-01-01T00:00:00Z)"},
		{CategoryChange, MetricCompleted, "(closed eq true)"},
		{CategoryChange, MetricClosedCompleted, "(closed eq true) and (closureDate lt 2024-03-08T00:00:00Z)"},
		{CategoryChange, MetricNewToday, "(creationDate ge 2024-03-15T00:00:00Z)"},
		{CategoryChange, MetricCompletedToday, "(creationDate ge 2024-03-15T00:00:00Z) and (closed eq true)"},
	}
	for _, tc := range cases {
		t.Run(string(tc.category)+"/"+string(tc.metric), func(t *testing.T) {
			assert.Equal(t, tc.want, filterFor(t, tc.category, tc.metric).Render(fixedNow))
		})
	}
}

func TestEveryPolicyCoversEveryMetric(t *testing.T) {
	for _, c := range Categories() {
		p, err := PolicyFor(c)
		require.NoError(t, err)
		require.Len(t, p.Filters, len(MetricKeys))
		for i, key := range MetricKeys {
			assert.Equal(t, key, p.Filters[i].Metric)
		}
		assert.NotEmpty(t, p.BasePath)
	}
}

func TestCompletedTodayDiffersBetweenCategories(t *testing.T) {
	createdToday := fixedNow.Add(-time.Hour)
	tickets := []Ticket{
		{ID: 1, CreationDate: createdToday, Completed: true, Closed: false},
		{ID: 2, CreationDate: createdToday, Completed: true, Closed: true},
		{ID: 3, CreationDate: createdToday, Completed: false, Closed: true},
	}

	incident := filterFor(t, CategoryIncident, MetricCompletedToday)
	change := filterFor(t, CategoryChange, MetricCompletedToday)

	disagreements := 0
	for _, tk := range tickets {
		if incident.Matches(tk, fixedNow) != change.Matches(tk, fixedNow) {
			disagreements++
		}
	}
	assert.Equal(t, 3, disagreements)

	assert.True(t, incident.Matches(tickets[0], fixedNow))
	assert.False(t, change.Matches(tickets[0], fixedNow))
	assert.False(t, incident.Matches(tickets[1], fixedNow))
	assert.True(t, change.Matches(tickets[1], fixedNow))
}

func TestChangeClosedUsesWeekLookback(t *testing.T) {
	closed := filterFor(t, CategoryChange, MetricClosedCompleted)

	old := Ticket{CreationDate: fixedNow.AddDate(0, -1, 0), ClosureDate: fixedNow.AddDate(0, 0, -10), Closed: true}
	recent := Ticket{CreationDate: fixedNow.AddDate(0, -1, 0), ClosureDate: fixedNow.AddDate(0, 0, -2), Closed: true}
	noDate := Ticket{CreationDate: fixedNow.AddDate(0, -1, 0), Closed: true}

	assert.True(t, closed.Matches(old, fixedNow))
	assert.False(t, closed.Matches(recent, fixedNow))
	assert.False(t, closed.Matches(noDate, fixedNow))
}

func TestParseCategory(t *testing.T) {
	for in, want := range map[string]Category{
		"incident":            CategoryIncident,
		"Incidents":           CategoryIncident,
		"Incident Management": CategoryIncident,
		" change ":            CategoryChange,
		"changes":             CategoryChange,
	} {
		got, err := ParseCategory(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCategory("problem")
	assert.Equal(t, utils.KindUnsupportedCategory, utils.KindOf(err))

	_, err = PolicyFor(Category("problem"))
	assert.Equal(t, utils.KindUnsupportedCategory, utils.KindOf(err))
}

func TestMetricNames(t *testing.T) {
	assert.Equal(t, "incident_closed_completed_count", CategoryIncident.MetricName(MetricClosedCompleted))
	assert.Equal(t, "change_new_tickets_today", CategoryChange.MetricName(MetricNewToday))
	assert.Equal(t, "Change", CategoryChange.Title())
}
