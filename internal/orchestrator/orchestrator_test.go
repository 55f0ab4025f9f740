package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/planhub/erpbridge/internal/identity"
	"github.com/planhub/erpbridge/internal/resolver"
	"github.com/planhub/erpbridge/internal/store"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/testutil"
)

type fixture struct {
	cfg     *config.Config
	store   *store.MemoryStore
	fetcher *testutil.FakeFetcher
	ds      *testutil.FakeStore
	orch    *Orchestrator
}

func newFixture(t *testing.T, entities ...config.EntityConfig) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.PageSize = 2
	cfg.Pipeline.Workers = 2
	cfg.Entities = entities

	st := store.NewMemoryStore()
	fetcher := testutil.NewFakeFetcher()
	ds := testutil.NewFakeStore()
	log := zaptest.NewLogger(t)
	res := resolver.New(st, ds, &cfg.Pipeline, log)

	return &fixture{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		ds:      ds,
		orch:    New(cfg, st, fetcher, ds, res, log),
	}
}

func itemEntity() config.EntityConfig {
	return config.EntityConfig{
		Name:            "item",
		SourceSystem:    "erp-test",
		APISlug:         "items",
		BusinessKeys:    []string{"code"},
		RowversionField: "rowversion",
		Strategy:        config.DeltaHash,
		Enabled:         true,
	}
}

func TestRunFirstFullLoad(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items",
		testutil.Rec("code", "A", "qty", int64(1), "rowversion", "10"),
		testutil.Rec("code", "B", "qty", int64(2), "rowversion", "11"),
		testutil.Rec("code", "C", "qty", int64(3), "rowversion", "12"),
	)

	result, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	batch := result.Batch
	assert.Equal(t, models.BatchCompleted, batch.Status)
	assert.Equal(t, int64(3), batch.Counts.Fetched)
	assert.Equal(t, int64(3), batch.Counts.Inserted)
	assert.Equal(t, int64(0), batch.Counts.Failed)
	assert.True(t, result.SourceExhausted)
	assert.Equal(t, 3, f.ds.Inserts)

	state, err := f.store.GetSyncState(context.Background(), "item", "erp-test")
	require.NoError(t, err)
	assert.Equal(t, "12", state.LastRowversion)
	assert.Equal(t, batch.ID, state.LastBatchID)
	assert.Equal(t, int64(3), state.TotalSynced)
}

func TestRunSteadyStateSkips(t *testing.T) {
	f := newFixture(t, itemEntity())
	records := []models.Record{
		testutil.Rec("code", "A", "qty", int64(1), "rowversion", "10"),
		testutil.Rec("code", "B", "qty", int64(2), "rowversion", "11"),
	}
	f.fetcher.Load("items", records...)

	_, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	// Same data again: everything should skip, nothing rewritten.
	f.fetcher.Load("items", records...)
	writesBefore := f.ds.Inserts + f.ds.Updates

	result, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeIncremental})
	require.NoError(t, err)

	batch := result.Batch
	assert.Equal(t, models.BatchCompleted, batch.Status)
	assert.Equal(t, int64(2), batch.Counts.Skipped)
	assert.Equal(t, int64(0), batch.Counts.Inserted)
	assert.Equal(t, int64(0), batch.Counts.Updated)
	assert.Equal(t, writesBefore, f.ds.Inserts+f.ds.Updates)
	assert.Equal(t, 1.0, batch.Counts.SkipRate())
}

func TestRunDetectsUpdates(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(1), "rowversion", "10"))
	_, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(5), "rowversion", "20"))
	result, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeIncremental})
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Batch.Counts.Updated)
	assert.Equal(t, 1, f.ds.Updates)
}

func TestRunFullModeDetectsDeletes(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items",
		testutil.Rec("code", "A", "qty", int64(1)),
		testutil.Rec("code", "B", "qty", int64(2)),
	)
	_, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	// B disappears from the source; the next full pass removes it.
	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(1)))
	result, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Batch.Counts.Deleted)
	assert.Equal(t, 1, f.ds.Deletes)
}

func TestRunTruncatedFullPassNeverDeletes(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items",
		testutil.Rec("code", "A", "qty", int64(1)),
		testutil.Rec("code", "B", "qty", int64(2)),
		testutil.Rec("code", "C", "qty", int64(3)),
		testutil.Rec("code", "D", "qty", int64(4)),
	)
	_, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	// A bounded full pass saw only half the table; the unseen half is not
	// evidence of deletion.
	result, err := f.orch.Run(context.Background(), "item", BatchOptions{
		Mode:    models.SyncModeFull,
		MaxRows: 2,
	})
	require.NoError(t, err)

	assert.False(t, result.SourceExhausted)
	assert.Equal(t, int64(0), result.Batch.Counts.Deleted)
	assert.Equal(t, 0, f.ds.Deletes)
	assert.NotNil(t, f.ds.Row("item", keyHashOf(t, "item", "C")))
	assert.NotNil(t, f.ds.Row("item", keyHashOf(t, "item", "D")))
}

func TestRunIncrementalNeverDeletes(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items",
		testutil.Rec("code", "A", "qty", int64(1)),
		testutil.Rec("code", "B", "qty", int64(2)),
	)
	_, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(1)))
	result, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeIncremental})
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.Batch.Counts.Deleted)
	assert.Equal(t, 0, f.ds.Deletes)
}

func TestRunRejectedRowDeadLetters(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items",
		testutil.Rec("code", "A", "qty", int64(1)),
		testutil.Rec("code", "B", "qty", int64(2)),
	)

	// Reject B's key hash at the store.
	bHash := keyHashOf(t, "item", "B")
	f.ds.RejectKeyHashes[bHash] = "validation"

	result, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	batch := result.Batch
	assert.Equal(t, models.BatchCompletedWithErrors, batch.Status)
	assert.Equal(t, int64(1), batch.Counts.Inserted)
	assert.Equal(t, int64(1), batch.Counts.Failed)

	failed, err := f.orch.ListFailedRecords(context.Background(), "item", true, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.StageIngest, failed[0].Stage)
	assert.Equal(t, models.ErrClassValidation, failed[0].Class)
	assert.False(t, failed[0].Resolved)

	// All three payload snapshots come along for diagnosis.
	assert.Equal(t, "B", failed[0].RawPayload["code"])
	assert.Equal(t, "B", failed[0].Normalized["code"])
	assert.Equal(t, "B", failed[0].Mapped["code"])
}

func TestRetryFailedRecordResolves(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(1)))

	bHash := keyHashOf(t, "item", "A")
	f.ds.RejectKeyHashes[bHash] = "validation"

	_, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	failed, err := f.orch.ListFailedRecords(context.Background(), "item", true, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// The store stops rejecting; the retry should write and resolve.
	delete(f.ds.RejectKeyHashes, bHash)
	require.NoError(t, f.orch.RetryFailedRecord(context.Background(), failed[0].ID))

	after, err := f.orch.ListFailedRecords(context.Background(), "item", true, 10)
	require.NoError(t, err)
	assert.Empty(t, after)
	assert.NotNil(t, f.ds.Row("item", bHash))
}

func TestRetryFailedRecordConsumesBudget(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(1)))

	hash := keyHashOf(t, "item", "A")
	f.ds.RejectKeyHashes[hash] = "validation"

	_, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.NoError(t, err)

	failed, err := f.orch.ListFailedRecords(context.Background(), "item", true, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Still rejected: each retry consumes budget and pushes the next
	// attempt out.
	assert.Error(t, f.orch.RetryFailedRecord(context.Background(), failed[0].ID))

	again, err := f.orch.GetBatchStatus(context.Background(), failed[0].BatchID)
	require.NoError(t, err)
	require.NotNil(t, again)

	fr, err := f.store.GetFailedRecord(context.Background(), failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fr.RetryCount)
	assert.False(t, fr.Resolved)
	assert.True(t, fr.NextRetryAt.After(failed[0].NextRetryAt))
}

func TestRunCancelledContext(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.orch.Run(ctx, "item", BatchOptions{Mode: models.SyncModeFull})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.BatchCancelled, result.Batch.Status)
	assert.Zero(t, f.ds.Inserts)
}

func TestRunUnknownOrDisabledEntity(t *testing.T) {
	disabled := itemEntity()
	disabled.Enabled = false
	f := newFixture(t, disabled)

	_, err := f.orch.Run(context.Background(), "nope", BatchOptions{})
	assert.Error(t, err)

	_, err = f.orch.Run(context.Background(), "item", BatchOptions{})
	assert.Error(t, err)
}

func TestRunFetchFailureFailsBatch(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items", testutil.Rec("code", "A", "qty", int64(1)))
	f.fetcher.FailFetches = 1

	result, err := f.orch.Run(context.Background(), "item", BatchOptions{Mode: models.SyncModeFull})
	require.Error(t, err)
	assert.Equal(t, models.BatchFailed, result.Batch.Status)
	assert.NotEmpty(t, result.Batch.ErrorSummary)
}

func TestRunBackgroundRespectsMaxRows(t *testing.T) {
	f := newFixture(t, itemEntity())
	f.fetcher.Load("items",
		testutil.Rec("code", "A", "qty", int64(1)),
		testutil.Rec("code", "B", "qty", int64(2)),
		testutil.Rec("code", "C", "qty", int64(3)),
		testutil.Rec("code", "D", "qty", int64(4)),
	)

	result, err := f.orch.Run(context.Background(), "item", BatchOptions{
		Mode:    models.SyncModeBackground,
		MaxRows: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.RowsFetched)
	assert.False(t, result.SourceExhausted)

	// Resume from the offset covers the rest.
	result, err = f.orch.Run(context.Background(), "item", BatchOptions{
		Mode:   models.SyncModeBackground,
		Offset: result.RowsFetched,
	})
	require.NoError(t, err)
	assert.True(t, result.SourceExhausted)
	assert.Equal(t, 4, f.ds.Inserts)
}

// keyHashOf computes the same business-key hash the pipeline would for a
// single-key record.
func keyHashOf(t *testing.T, entityName, code string) string {
	t.Helper()
	hash, err := identity.BusinessKeyHash(models.Record{"code": code}, []string{"code"}, entityName)
	require.NoError(t, err)
	return hash
}
