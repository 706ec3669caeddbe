// Package rollup implements the continuous aggregation engine: each
// Definition is an independently scheduled job that folds a trailing
// window of raw events into one rollup table, idempotently. Rollup
// tables are the long-term record; they survive raw partition retention
// indefinitely.
package rollup

import (
	"fmt"
	"strings"
	"time"

	"github.com/statlake/statlake/pkg/catalog"
	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

// ReducerKind enumerates the supported reductions.
type ReducerKind int

const (
	// Count counts matching events.
	Count ReducerKind = iota
	// CountIf counts events satisfying the reducer's predicate.
	CountIf
	// DistinctCount counts distinct values of a field (exact).
	DistinctCount
	// Mean averages a numeric field, ignoring events without it.
	Mean
	// Percentile computes a quantile of a numeric field (nearest-rank),
	// ignoring events without it.
	Percentile
	// FirstValue takes the field value of the earliest event in the
	// bucket carrying it, ordered by timestamp ascending.
	FirstValue
)

// FieldUserID selects the actor column instead of a payload field for
// DistinctCount reducers.
const FieldUserID = "user_id"

// Reducer names one output column of a rollup table.
type Reducer struct {
	Column    string
	Kind      ReducerKind
	Field     string
	Quantile  float64
	Predicate func(storage.StoredEvent) bool
}

// GroupKey names one grouping column and how to derive it from an
// event. Events for which ok is false are excluded from the definition.
type GroupKey struct {
	Column string
	Value  func(storage.StoredEvent) (value string, ok bool)
}

// Definition declares one continuous aggregate: bucket width, grouping
// key, filter, reducers, and the refresh window.
type Definition struct {
	Name    string
	Bucket  time.Duration
	Kinds   []event.Kind
	Filter  func(storage.StoredEvent) bool
	GroupBy []GroupKey
	Reducers []Reducer

	// Refresh window: each run recomputes every bucket that lies fully
	// inside [now − StartOffset, now − EndOffset]. The end gap keeps the
	// job away from buckets that may still receive late rows.
	StartOffset time.Duration
	EndOffset   time.Duration

	// Interval is the refresh cadence.
	Interval time.Duration
}

// TableName returns the rollup table backing this definition.
func (d Definition) TableName() string { return "agg_" + d.Name }

// DDL returns the CREATE TABLE statement for the rollup table: one row
// per (bucket, grouping key), one column per reducer.
func (d Definition) DDL() string {
	var cols []string
	cols = append(cols, "bucket_ts INTEGER NOT NULL")
	pk := []string{"bucket_ts"}
	for _, g := range d.GroupBy {
		cols = append(cols, fmt.Sprintf("%s TEXT NOT NULL", g.Column))
		pk = append(pk, g.Column)
	}
	for _, r := range d.Reducers {
		cols = append(cols, fmt.Sprintf("%s %s", r.Column, r.Kind.sqlType()))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s,\n\tPRIMARY KEY (%s)\n);",
		d.TableName(), strings.Join(cols, ",\n\t"), strings.Join(pk, ", "))
}

func (k ReducerKind) sqlType() string {
	switch k {
	case Count, CountIf, DistinctCount:
		return "INTEGER NOT NULL DEFAULT 0"
	case Mean, Percentile:
		return "REAL"
	case FirstValue:
		return "TEXT"
	}
	return "TEXT"
}

// Migrations turns a definition set into post-deploy schema migrations,
// one table per definition. Versions start above the catalog's own
// range so the combined ledger stays totally ordered.
func Migrations(defs []Definition) []catalog.Migration {
	migrations := make([]catalog.Migration, 0, len(defs))
	for i, d := range defs {
		migrations = append(migrations, catalog.Migration{
			Version: 100 + i,
			Name:    "create_" + d.TableName(),
			Phase:   catalog.PhasePostDeploy,
			SQL:     d.DDL(),
		})
	}
	return migrations
}

// matches applies the definition's kind list and filter.
func (d Definition) matches(ev storage.StoredEvent) bool {
	if len(d.Kinds) > 0 {
		found := false
		for _, k := range d.Kinds {
			if ev.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if d.Filter != nil && !d.Filter(ev) {
		return false
	}
	return true
}

// groupOf derives the grouping key values, reporting ok=false when the
// event lacks one.
func (d Definition) groupOf(ev storage.StoredEvent) ([]string, bool) {
	if len(d.GroupBy) == 0 {
		return nil, true
	}
	values := make([]string, len(d.GroupBy))
	for i, g := range d.GroupBy {
		v, ok := g.Value(ev)
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}
