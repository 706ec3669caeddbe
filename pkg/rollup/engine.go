package rollup

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/statlake/statlake/pkg/catalog"
	"github.com/statlake/statlake/pkg/obs"
	"github.com/statlake/statlake/pkg/storage"
)

// Engine refreshes rollup tables from the raw event store. A refresh is
// idempotent: it recomputes complete buckets inside the definition's
// trailing window and replaces the stored rows for exactly that range
// in a single transaction, so a crashed or repeated run converges to
// the same table contents.
type Engine struct {
	store   storage.Store
	catalog *catalog.Catalog
	metrics *obs.Metrics
	now     func() time.Time
}

// NewEngine builds an engine over the raw store and the catalog
// database holding the rollup tables.
func NewEngine(store storage.Store, cat *catalog.Catalog, metrics *obs.Metrics) *Engine {
	if metrics == nil {
		metrics = obs.New()
	}
	return &Engine{store: store, catalog: cat, metrics: metrics, now: time.Now}
}

// Refresh recomputes one definition's complete buckets. Buckets that
// overlap now − EndOffset are left alone; the next run picks them up
// once they close.
func (e *Engine) Refresh(ctx context.Context, def Definition) error {
	start, end := e.window(def)
	if !start.Before(end) {
		return nil
	}
	if err := e.refreshRange(ctx, def, start, end); err != nil {
		e.metrics.RefreshFailures.WithLabelValues(def.Name).Inc()
		return fmt.Errorf("refresh %s: %w", def.Name, err)
	}
	e.metrics.RefreshRuns.WithLabelValues(def.Name).Inc()
	return nil
}

// RefreshAll runs every definition, continuing past individual
// failures and returning the last error.
func (e *Engine) RefreshAll(ctx context.Context, defs []Definition) error {
	var lastErr error
	for _, def := range defs {
		if err := e.Refresh(ctx, def); err != nil {
			log.Printf("rollup: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

// window returns the half-open bucket-aligned range [start, end) of
// buckets fully contained in [now−StartOffset, now−EndOffset].
func (e *Engine) window(def Definition) (time.Time, time.Time) {
	now := e.now().UTC()
	lo := now.Add(-def.StartOffset)
	hi := now.Add(-def.EndOffset)
	start := lo.Truncate(def.Bucket)
	if start.Before(lo) {
		start = start.Add(def.Bucket)
	}
	end := hi.Truncate(def.Bucket)
	return start, end
}

func (e *Engine) refreshRange(ctx context.Context, def Definition, start, end time.Time) error {
	events, err := e.store.Query(ctx, storage.Query{
		Start: start,
		End:   end,
		Kinds: def.Kinds,
	})
	if err != nil {
		return fmt.Errorf("query raw events: %w", err)
	}
	rows := computeRows(def, events)

	tx, err := e.catalog.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE bucket_ts >= ? AND bucket_ts < ?", def.TableName()),
		start.Unix(), end.Unix()); err != nil {
		return fmt.Errorf("clear window: %w", err)
	}
	if len(rows) > 0 {
		stmt, err := tx.PrepareContext(ctx, insertSQL(def))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.args()...); err != nil {
				return fmt.Errorf("insert bucket %d: %w", row.bucket, err)
			}
		}
	}
	return tx.Commit()
}

type resultRow struct {
	bucket int64
	groups []string
	values []any
}

func (r resultRow) args() []any {
	args := make([]any, 0, 1+len(r.groups)+len(r.values))
	args = append(args, r.bucket)
	for _, g := range r.groups {
		args = append(args, g)
	}
	return append(args, r.values...)
}

func insertSQL(def Definition) string {
	cols := []string{"bucket_ts"}
	for _, g := range def.GroupBy {
		cols = append(cols, g.Column)
	}
	for _, r := range def.Reducers {
		cols = append(cols, r.Column)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		def.TableName(), strings.Join(cols, ", "), marks)
}

// computeRows folds matching events into one row per (bucket, group).
// Events are sorted ascending first so first-value reducers see bucket
// members in time order.
func computeRows(def Definition, events []storage.StoredEvent) []resultRow {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Seq < events[j].Seq
	})

	type rowKey struct {
		bucket int64
		group  string
	}
	accums := make(map[rowKey][]*reducerState)
	groupsOf := make(map[rowKey][]string)
	var order []rowKey

	for _, ev := range events {
		if !def.matches(ev) {
			continue
		}
		groups, ok := def.groupOf(ev)
		if !ok {
			continue
		}
		key := rowKey{
			bucket: ev.Timestamp.Truncate(def.Bucket).Unix(),
			group:  strings.Join(groups, "\x00"),
		}
		states, seen := accums[key]
		if !seen {
			states = make([]*reducerState, len(def.Reducers))
			for i, r := range def.Reducers {
				states[i] = newReducerState(r)
			}
			accums[key] = states
			groupsOf[key] = groups
			order = append(order, key)
		}
		for _, s := range states {
			s.observe(ev)
		}
	}

	rows := make([]resultRow, 0, len(order))
	for _, key := range order {
		values := make([]any, len(def.Reducers))
		for i, s := range accums[key] {
			values[i] = s.result()
		}
		rows = append(rows, resultRow{bucket: key.bucket, groups: groupsOf[key], values: values})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].bucket != rows[j].bucket {
			return rows[i].bucket < rows[j].bucket
		}
		return strings.Join(rows[i].groups, "\x00") < strings.Join(rows[j].groups, "\x00")
	})
	return rows
}

// Row is one stored rollup row read back from a table.
type Row struct {
	Bucket time.Time
	Groups map[string]string
	Values map[string]any
}

// Rows reads a definition's stored rows for [start, end), ordered by
// bucket then grouping key.
func (e *Engine) Rows(ctx context.Context, def Definition, start, end time.Time) ([]Row, error) {
	cols := []string{"bucket_ts"}
	for _, g := range def.GroupBy {
		cols = append(cols, g.Column)
	}
	for _, r := range def.Reducers {
		cols = append(cols, r.Column)
	}
	orderBy := strings.Join(cols[:1+len(def.GroupBy)], ", ")
	query := fmt.Sprintf("SELECT %s FROM %s WHERE bucket_ts >= ? AND bucket_ts < ? ORDER BY %s",
		strings.Join(cols, ", "), def.TableName(), orderBy)

	dbRows, err := e.catalog.DB().QueryContext(ctx, query, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer dbRows.Close()

	var out []Row
	for dbRows.Next() {
		var bucket int64
		groupVals := make([]string, len(def.GroupBy))
		reducerVals := make([]any, len(def.Reducers))
		dest := make([]any, 0, len(cols))
		dest = append(dest, &bucket)
		for i := range groupVals {
			dest = append(dest, &groupVals[i])
		}
		for i := range reducerVals {
			dest = append(dest, scanDest(def.Reducers[i].Kind, &reducerVals[i]))
		}
		if err := dbRows.Scan(dest...); err != nil {
			return nil, err
		}
		row := Row{
			Bucket: time.Unix(bucket, 0).UTC(),
			Groups: make(map[string]string, len(def.GroupBy)),
			Values: make(map[string]any, len(def.Reducers)),
		}
		for i, g := range def.GroupBy {
			row.Groups[g.Column] = groupVals[i]
		}
		for i, r := range def.Reducers {
			row.Values[r.Column] = reducerVals[i]
		}
		out = append(out, row)
	}
	return out, dbRows.Err()
}

// scanDest wraps a reducer slot in the right nullable scanner and
// unwraps it into the slot after Scan through the returned pointer.
func scanDest(kind ReducerKind, slot *any) any {
	switch kind {
	case Count, CountIf, DistinctCount:
		return &nullInt64{slot: slot}
	case Mean, Percentile:
		return &nullFloat64{slot: slot}
	default:
		return &nullString{slot: slot}
	}
}

type nullInt64 struct{ slot *any }

func (n *nullInt64) Scan(src any) error {
	var v sql.NullInt64
	if err := v.Scan(src); err != nil {
		return err
	}
	if v.Valid {
		*n.slot = v.Int64
	} else {
		*n.slot = nil
	}
	return nil
}

type nullFloat64 struct{ slot *any }

func (n *nullFloat64) Scan(src any) error {
	var v sql.NullFloat64
	if err := v.Scan(src); err != nil {
		return err
	}
	if v.Valid {
		*n.slot = v.Float64
	} else {
		*n.slot = nil
	}
	return nil
}

type nullString struct{ slot *any }

func (n *nullString) Scan(src any) error {
	var v sql.NullString
	if err := v.Scan(src); err != nil {
		return err
	}
	if v.Valid {
		*n.slot = v.String
	} else {
		*n.slot = nil
	}
	return nil
}
