//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ironscout.dev/feedcore/db"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func setupRepository(t *testing.T) (*PostgresRepository, func()) {
	dsn, cleanup := setupPostgresContainer(t)

	gdb, err := db.OpenGORM(dsn, 10)
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(db.AllModels()...))

	return NewPostgresRepository(gdb), cleanup
}

func TestIntegration_ProductCanonicalKeyUnique(t *testing.T) {
	repo, cleanup := setupRepository(t)
	defer cleanup()
	ctx := context.Background()

	first := &db.Product{CanonicalKey: "UPC:012345678901", BrandNorm: "federal", CaliberNorm: "9mm"}
	created, err := repo.CreateProduct(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	// A second create with the same canonical key loses the race and
	// reports created=false instead of erroring.
	second := &db.Product{CanonicalKey: "UPC:012345678901"}
	created, err = repo.CreateProduct(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)

	winner, err := repo.GetProductByCanonicalKey(ctx, "UPC:012345678901")
	require.NoError(t, err)
	assert.Equal(t, first.ID, winner.ID)
}

func TestIntegration_AliasChainWalk(t *testing.T) {
	repo, cleanup := setupRepository(t)
	defer cleanup()
	ctx := context.Background()

	var ids []uint
	for i := 0; i < 3; i++ {
		p := &db.Product{CanonicalKey: fmt.Sprintf("FP:v1:%064d", i)}
		_, err := repo.CreateProduct(ctx, p)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	gdb := repo.gdb
	require.NoError(t, gdb.Create(&db.ProductAlias{FromProductID: ids[0], ToProductID: ids[1]}).Error)
	require.NoError(t, gdb.Create(&db.ProductAlias{FromProductID: ids[1], ToProductID: ids[2]}).Error)

	final, hops, err := repo.ResolveAlias(ctx, ids[0], 10)
	require.NoError(t, err)
	assert.Equal(t, ids[2], final)
	assert.Equal(t, 2, hops)

	// Unaliased product resolves to itself in zero hops.
	final, hops, err = repo.ResolveAlias(ctx, ids[2], 10)
	require.NoError(t, err)
	assert.Equal(t, ids[2], final)
	assert.Zero(t, hops)
}

func TestIntegration_ResolveRequestLifecycle(t *testing.T) {
	repo, cleanup := setupRepository(t)
	defer cleanup()
	ctx := context.Background()

	req := &db.ProductResolveRequest{IdempotencyKey: "resolve-1-a", SourceProductID: 1, Status: db.ResolveRequestPending}
	enqueued, err := repo.EnqueueIfAbsent(ctx, req)
	require.NoError(t, err)
	assert.True(t, enqueued)

	// Same idempotency key collapses.
	dup := &db.ProductResolveRequest{IdempotencyKey: "resolve-1-a", SourceProductID: 1, Status: db.ResolveRequestPending}
	enqueued, err = repo.EnqueueIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, enqueued)

	claimed, err := repo.ClaimForSourceProduct(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, db.ResolveRequestProcessing, claimed[0].Status)

	// Nothing left to claim.
	claimed2, err := repo.ClaimForSourceProduct(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed2)

	productID := uint(9)
	require.NoError(t, repo.MarkCompleted(ctx, claimed[0].ID, &productID))
}

func TestIntegration_StuckRequestReset(t *testing.T) {
	repo, cleanup := setupRepository(t)
	defer cleanup()
	ctx := context.Background()

	req := &db.ProductResolveRequest{IdempotencyKey: "resolve-2-a", SourceProductID: 2, Status: db.ResolveRequestPending}
	_, err := repo.EnqueueIfAbsent(ctx, req)
	require.NoError(t, err)
	claimed, err := repo.ClaimForSourceProduct(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Freshly claimed: not stuck yet.
	stuck, err := repo.ListStuckRequests(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// Everything claimed before a future cutoff counts as stuck.
	stuck, err = repo.ListStuckRequests(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	require.NoError(t, repo.ResetToPending(ctx, stuck[0].ID))
	reclaimed, err := repo.ClaimForSourceProduct(ctx, 2)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 1, reclaimed[0].Attempts)
}

func TestIntegration_TrustConfigVersionBump(t *testing.T) {
	repo, cleanup := setupRepository(t)
	defer cleanup()
	ctx := context.Background()

	v1, err := repo.SetTrustConfig(ctx, "src-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := repo.SetTrustConfig(ctx, "src-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	trusted, version, found, err := repo.GetTrustConfig("src-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, trusted)
	assert.Equal(t, 2, version)
}

func TestIntegration_AdvisoryLockExcludes(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	pgdb, err := db.NewPostgresDB(dsn)
	require.NoError(t, err)
	defer pgdb.Close()

	ctx := context.Background()
	acquired, unlock, err := pgdb.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, acquired)

	// A second session cannot take the same lock.
	other, err := db.NewPostgresDB(dsn)
	require.NoError(t, err)
	defer other.Close()
	blocked, _, err := other.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, unlock(ctx))
	reacquired, unlock2, err := other.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.True(t, reacquired)
	_ = unlock2(ctx)
}

func TestIntegration_SeenSetPromotion(t *testing.T) {
	repo, cleanup := setupRepository(t)
	defer cleanup()
	ctx := context.Background()

	var ids []uint
	for i := 0; i < 3; i++ {
		sp := &db.SourceProduct{SourceID: "src-1", StableKey: fmt.Sprintf("SKU:%d", i), Kind: db.SourceKindAffiliate}
		_, err := repo.UpsertSourceProduct(ctx, sp)
		require.NoError(t, err)
		ids = append(ids, sp.ID)
	}

	run := &db.FeedRun{FeedID: 1, Trigger: db.TriggerScheduled, Status: db.FeedRunRunning, StartedAt: time.Now()}
	require.NoError(t, repo.CreateFeedRun(ctx, run))
	require.NoError(t, repo.RecordSeen(ctx, run.ID, ids[:2]))

	promoted, err := repo.PromoteSeen(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), promoted)

	active, err := repo.CountActive(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	missing, err := repo.CountActiveMissingFromRun(ctx, "src-1", run.ID)
	require.NoError(t, err)
	assert.Zero(t, missing)
}
