package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/topdesk-stats/internal/utils"
)

// Field names a ticket attribute exposed by the TOPdesk reporting OData feed.
type Field string

const (
	FieldCreationDate Field = "creationDate"
	FieldClosureDate  Field = "closureDate"
	FieldCompleted    Field = "completed"
	FieldClosed       Field = "closed"
)

// Op is an OData comparison operator.
type Op string

const (
	OpEq Op = "eq"
	OpGt Op = "gt"
	OpGe Op = "ge"
	OpLt Op = "lt"
)

// DateRef is a date relative to the moment a filter is rendered.
type DateRef int

const (
	DateEpoch DateRef = iota
	DateToday
	DateWeekAgo
)

// Resolve turns the reference into an absolute UTC instant. "Today" is the start of the
// current UTC day.
func (d DateRef) Resolve(now time.Time) time.Time {
	switch d {
	case DateToday:
		return utils.StartOfDayUTC(now)
	case DateWeekAgo:
		return utils.StartOfDayUTC(now).AddDate(0, 0, -7)
	default:
		return time.Unix(0, 0).UTC()
	}
}

// Clause is a single comparison. Boolean fields use Flag, date fields use Date.
type Clause struct {
	Field Field
	Op    Op
	Flag  bool
	Date  DateRef
}

// Is builds an equality clause on a boolean field.
func Is(field Field, value bool) Clause {
	return Clause{Field: field, Op: OpEq, Flag: value}
}

// On builds a comparison clause on a date field.
func On(field Field, op Op, ref DateRef) Clause {
	return Clause{Field: field, Op: op, Date: ref}
}

func (c Clause) isDate() bool {
	return c.Field == FieldCreationDate || c.Field == FieldClosureDate
}

// Render returns the clause as an OData expression, parenthesised.
func (c Clause) Render(now time.Time) string {
	if c.isDate() {
		return fmt.Sprintf("(%s %s %s)", c.Field, c.Op, utils.FormatODataDate(c.Date.Resolve(now)))
	}
	return fmt.Sprintf("(%s %s %t)", c.Field, c.Op, c.Flag)
}

// Matches evaluates the clause against a ticket the way the remote would. A missing
// date never satisfies a comparison.
func (c Clause) Matches(t Ticket, now time.Time) bool {
	if !c.isDate() {
		var value bool
		switch c.Field {
		case FieldCompleted:
			value = t.Completed
		case FieldClosed:
			value = t.Closed
		}
		return c.Op == OpEq && value == c.Flag
	}

	var value time.Time
	switch c.Field {
	case FieldCreationDate:
		value = t.CreationDate
	case FieldClosureDate:
		value = t.ClosureDate
	}
	if value.IsZero() {
		return false
	}
	ref := c.Date.Resolve(now)
	switch c.Op {
	case OpEq:
		return value.Equal(ref)
	case OpGt:
		return value.After(ref)
	case OpGe:
		return !value.Before(ref)
	case OpLt:
		return value.Before(ref)
	}
	return false
}

// Filter is a conjunction of clauses.
type Filter []Clause

// Render joins the clauses with "and".
func (f Filter) Render(now time.Time) string {
	parts := make([]string, 0, len(f))
	for _, c := range f {
		parts = append(parts, c.Render(now))
	}
	return strings.Join(parts, " and ")
}

// Matches reports whether every clause holds for t.
func (f Filter) Matches(t Ticket, now time.Time) bool {
	for _, c := range f {
		if !c.Matches(t, now) {
			return false
		}
	}
	return true
}

// Ticket is the subset of ticket attributes the filters look at.
type Ticket struct {
	ID           int       `json:"id"`
	CreationDate time.Time `json:"creationDate"`
	ClosureDate  time.Time `json:"closureDate,omitempty"`
	Completed    bool      `json:"completed"`
	Closed       bool      `json:"closed"`
}
