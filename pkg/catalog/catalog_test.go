package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlake/statlake/pkg/storage"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func testMigrations() []Migration {
	return append(BaseMigrations(),
		Migration{
			Version: 100,
			Name:    "create_agg_test",
			Phase:   PhasePostDeploy,
			SQL:     `CREATE TABLE IF NOT EXISTS agg_test (bucket_ts INTEGER PRIMARY KEY, n INTEGER NOT NULL)`,
		},
	)
}

func TestMigratePhases(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	migrations := testMigrations()

	// Pre-deploy applies the manifest but not the rollup table.
	require.NoError(t, cat.Migrate(ctx, migrations, PhasePreDeploy))
	status, err := cat.MigrationStatus(ctx, migrations)
	require.NoError(t, err)
	require.Len(t, status.Applied, 1)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, "create_partition_manifest", status.Applied[0].Name)
	assert.Equal(t, "create_agg_test", status.Pending[0].Name)

	require.NoError(t, cat.Migrate(ctx, migrations, PhasePostDeploy))
	status, err = cat.MigrationStatus(ctx, migrations)
	require.NoError(t, err)
	assert.Len(t, status.Applied, 2)
	assert.Empty(t, status.Pending)
}

func TestMigrateIsIdempotent(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	migrations := testMigrations()

	require.NoError(t, cat.Migrate(ctx, migrations, PhaseAll))
	require.NoError(t, cat.Migrate(ctx, migrations, PhaseAll))

	status, err := cat.MigrationStatus(ctx, migrations)
	require.NoError(t, err)
	assert.Len(t, status.Applied, 2)
}

func TestPendingIsDryRun(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	migrations := testMigrations()

	// Listing pending migrations must not apply anything.
	pending, err := cat.Pending(ctx, migrations, PhaseAll)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pending, err = cat.Pending(ctx, migrations, PhaseAll)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestFailedMigrationKeepsEarlierOnes(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	migrations := append(BaseMigrations(), Migration{
		Version: 50,
		Name:    "broken",
		Phase:   PhasePreDeploy,
		SQL:     `CREATE TABLE`,
	})

	require.Error(t, cat.Migrate(ctx, migrations, PhaseAll))

	status, err := cat.MigrationStatus(ctx, migrations)
	require.NoError(t, err)
	require.Len(t, status.Applied, 1)
	assert.Equal(t, "create_partition_manifest", status.Applied[0].Name)
}

func TestRequireCurrent(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	migrations := testMigrations()

	err := cat.RequireCurrent(ctx, migrations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrations behind")

	require.NoError(t, cat.Migrate(ctx, migrations, PhaseAll))
	assert.NoError(t, cat.RequireCurrent(ctx, migrations))
}

func TestPartitionManifest(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.Migrate(ctx, BaseMigrations(), PhaseAll))

	day := storage.PartitionOf(storage.PartitionID(20000).Start())
	require.NoError(t, cat.EnsurePartitions(ctx, []storage.PartitionID{day, day + 1}))
	// Re-registering a known day is a no-op.
	require.NoError(t, cat.EnsurePartitions(ctx, []storage.PartitionID{day}))

	records, err := cat.Partitions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, day, records[0].Day)
	assert.Equal(t, storage.PartitionOpen, records[0].State)
	assert.Nil(t, records[0].CompressedAt)

	require.NoError(t, cat.MarkCompressed(ctx, day))
	require.NoError(t, cat.MarkDropped(ctx, day))

	records, err = cat.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.PartitionExpired, records[0].State)
	assert.NotNil(t, records[0].CompressedAt)
	assert.NotNil(t, records[0].DroppedAt)
	assert.Equal(t, storage.PartitionOpen, records[1].State)
}

func TestMarkUnknownPartitionFails(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.Migrate(ctx, BaseMigrations(), PhaseAll))

	err := cat.MarkCompressed(ctx, storage.PartitionID(12345))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}
