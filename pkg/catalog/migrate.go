package catalog

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"
)

// Phase splits migrations around a deploy: raw-schema changes run
// before new code ships, rollup-table changes after.
type Phase string

const (
	PhasePreDeploy  Phase = "pre_deploy"
	PhasePostDeploy Phase = "post_deploy"

	// PhaseAll applies every pending migration regardless of phase.
	PhaseAll Phase = ""
)

// Migration is one schema change. Versions are globally ordered and
// append-only.
type Migration struct {
	Version int
	Name    string
	Phase   Phase
	SQL     string
}

// BaseMigrations returns the catalog's own schema: the migration ledger
// bootstrap and the partition manifest. Rollup definitions contribute
// their table DDL separately.
func BaseMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_partition_manifest",
			Phase:   PhasePreDeploy,
			SQL: `CREATE TABLE IF NOT EXISTS partitions (
	day           INTEGER PRIMARY KEY,
	state         TEXT    NOT NULL DEFAULT 'open',
	created_at    INTEGER NOT NULL,
	compressed_at INTEGER,
	dropped_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_partitions_state ON partitions (state, day);`,
		},
	}
}

// Status reports applied and pending migrations.
type Status struct {
	Applied []Migration
	Pending []Migration
}

func (c *Catalog) ensureLedger(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT    NOT NULL,
	phase      TEXT    NOT NULL,
	applied_at INTEGER NOT NULL
)`)
	return err
}

func (c *Catalog) appliedVersions(ctx context.Context) (map[int]bool, error) {
	if err := c.ensureLedger(ctx); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Pending returns migrations not yet applied, in version order,
// restricted to the given phase (PhaseAll = every phase).
func (c *Catalog) Pending(ctx context.Context, migrations []Migration, phase Phase) ([]Migration, error) {
	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range sortedByVersion(migrations) {
		if applied[m.Version] {
			continue
		}
		if phase != PhaseAll && m.Phase != phase {
			continue
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// Migrate applies every pending migration in the phase, each in its own
// transaction. A failed migration stops the run; already-applied ones
// stay applied.
func (c *Catalog) Migrate(ctx context.Context, migrations []Migration, phase Phase) error {
	pending, err := c.Pending(ctx, migrations, phase)
	if err != nil {
		return err
	}
	for _, m := range pending {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %03d_%s failed: %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, phase, applied_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Name, string(m.Phase), time.Now().UTC().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %03d_%s ledger write failed: %w", m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Printf("catalog: applied migration %03d_%s (%s)", m.Version, m.Name, m.Phase)
	}
	return nil
}

// MigrationStatus reports which migrations are applied and which are
// pending across all phases.
func (c *Catalog) MigrationStatus(ctx context.Context, migrations []Migration) (Status, error) {
	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return Status{}, err
	}
	var status Status
	for _, m := range sortedByVersion(migrations) {
		if applied[m.Version] {
			status.Applied = append(status.Applied, m)
		} else {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// RequireCurrent fails when any migration is still pending. Serving with
// a stale schema is a startup error, not something to limp through.
func (c *Catalog) RequireCurrent(ctx context.Context, migrations []Migration) error {
	pending, err := c.Pending(ctx, migrations, PhaseAll)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("catalog schema is %d migrations behind (run 'statlake migrate apply')", len(pending))
	}
	return nil
}

func sortedByVersion(migrations []Migration) []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
