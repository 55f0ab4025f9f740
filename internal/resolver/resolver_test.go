package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/planhub/erpbridge/internal/delta"
	"github.com/planhub/erpbridge/internal/identity"
	"github.com/planhub/erpbridge/internal/store"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/testutil"
)

func childEntity() *config.EntityConfig {
	return &config.EntityConfig{
		Name:         "location",
		SourceSystem: "erp-test",
		APISlug:      "locations",
		BusinessKeys: []string{"code"},
		Strategy:     config.DeltaHash,
		Enabled:      true,
		ParentRefs: []config.ParentRef{
			{Name: "warehouse", ParentEntity: "warehouse", ParentField: "code", ChildField: "warehouse_code"},
		},
	}
}

func pipelineConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		PendingChildRetryBase: 30 * time.Second,
		PendingChildRetryCap:  30 * time.Minute,
	}
}

func classifiedInsert(t *testing.T, entity *config.EntityConfig, rec models.Record) delta.Classified {
	t.Helper()
	rr := &models.RecordResult{Raw: rec, Record: rec}
	identity.NewEngine(entity, zaptest.NewLogger(t)).Identify(rr)
	require.True(t, rr.Ok())
	return delta.Classified{Result: rr, Op: delta.OpInsert}
}

func seedParent(ds *testutil.FakeStore, code string) {
	hash, _ := identity.BusinessKeyHash(models.Record{"code": code}, []string{"code"}, "warehouse")
	ds.Seed("warehouse", models.StoredIdentity{KeyHash: hash, DataHash: "x"}, models.Record{"code": code})
}

func TestBackoff(t *testing.T) {
	r := New(store.NewMemoryStore(), testutil.NewFakeStore(), pipelineConfig(), zaptest.NewLogger(t))

	assert.Equal(t, 30*time.Second, r.Backoff(0))
	assert.Equal(t, 60*time.Second, r.Backoff(1))
	assert.Equal(t, 120*time.Second, r.Backoff(2))
	assert.Equal(t, 30*time.Minute, r.Backoff(10), "saturates at the cap")
}

func TestCheckBatchMissingParentParksChild(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ds := testutil.NewFakeStore()
	r := New(st, ds, pipelineConfig(), zaptest.NewLogger(t))
	entity := childEntity()

	child := classifiedInsert(t, entity, models.Record{"code": "L1", "warehouse_code": "WH001"})
	ready, parked, err := r.CheckBatch(ctx, entity, "batch-1", []delta.Classified{child}, nil)

	require.NoError(t, err)
	assert.Empty(t, ready, "child must not be written before its parent")
	assert.Equal(t, 1, parked)

	queued, err := st.ListPendingChildren(ctx, "location", nil, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, models.ChildQueued, queued[0].State)
	assert.Equal(t, 0, queued[0].RetryCount)
	assert.Equal(t, "warehouse", queued[0].ParentEntity)
	assert.Len(t, queued[0].MissingParents, 1)
}

func TestCheckBatchParentPresentPassesThrough(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ds := testutil.NewFakeStore()
	seedParent(ds, "WH001")
	r := New(st, ds, pipelineConfig(), zaptest.NewLogger(t))
	entity := childEntity()

	child := classifiedInsert(t, entity, models.Record{"code": "L1", "warehouse_code": "WH001"})
	ready, parked, err := r.CheckBatch(ctx, entity, "batch-1", []delta.Classified{child}, nil)

	require.NoError(t, err)
	assert.Len(t, ready, 1)
	assert.Zero(t, parked)
}

func TestCheckBatchNullParentFieldFailsRecord(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore(), testutil.NewFakeStore(), pipelineConfig(), zaptest.NewLogger(t))
	entity := childEntity()

	child := classifiedInsert(t, entity, models.Record{"code": "L1"})
	ready, parked, err := r.CheckBatch(ctx, entity, "batch-1", []delta.Classified{child}, nil)

	require.NoError(t, err)
	assert.Zero(t, parked)
	// The record fails at the resolve stage rather than parking: there is
	// no parent key to wait for.
	require.Len(t, ready, 1)
	assert.False(t, ready[0].Result.Ok())
	assert.Equal(t, models.StageResolve, ready[0].Result.FailedStage)
}

func TestRetryPassResolvesWhenParentArrives(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ds := testutil.NewFakeStore()
	r := New(st, ds, pipelineConfig(), zaptest.NewLogger(t))
	entity := childEntity()

	child := classifiedInsert(t, entity, models.Record{"code": "L1", "warehouse_code": "WH001"})
	_, parked, err := r.CheckBatch(ctx, entity, "batch-1", []delta.Classified{child}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, parked)

	// Parent still missing: the retry consumes budget and backs off.
	resolved, exhausted, err := r.RetryPass(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Zero(t, exhausted)

	queued, err := st.ListPendingChildren(ctx, "location", nil, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, models.ChildRetrying, queued[0].State)
	assert.Equal(t, 1, queued[0].RetryCount)

	// Parent arrives; the next due pass writes the child and clears the
	// queue entry.
	seedParent(ds, "WH001")
	resolved, _, err = r.RetryPass(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, ds.Inserts)

	queued, err = st.ListPendingChildren(ctx, "location", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestRetryPassExhaustsAfterBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ds := testutil.NewFakeStore()
	r := New(st, ds, pipelineConfig(), zaptest.NewLogger(t))
	entity := childEntity()

	child := classifiedInsert(t, entity, models.Record{"code": "L1", "warehouse_code": "GONE"})
	_, _, err := r.CheckBatch(ctx, entity, "batch-1", []delta.Classified{child}, nil)
	require.NoError(t, err)

	// Parent never arrives. Drive the clock far enough past each backoff.
	when := time.Now()
	totalExhausted := 0
	for i := 0; i < models.PendingChildMaxRetries; i++ {
		when = when.Add(time.Hour)
		_, exhausted, err := r.RetryPass(ctx, when, 10)
		require.NoError(t, err)
		totalExhausted += exhausted
	}
	assert.Equal(t, 1, totalExhausted)

	queued, err := st.ListPendingChildren(ctx, "location", []models.PendingChildState{models.ChildExhausted}, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	// Exhausted children never come back on the due list.
	resolved, exhausted, err := r.RetryPass(ctx, when.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Zero(t, exhausted)
	assert.Zero(t, ds.Inserts)
}

func TestSelfReferenceCountsInFlightParent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ds := testutil.NewFakeStore()
	r := New(st, ds, pipelineConfig(), zaptest.NewLogger(t))

	entity := childEntity()
	entity.ParentRefs = []config.ParentRef{
		{Name: "parent", ParentEntity: "location", ParentField: "code", ChildField: "parent_code"},
	}

	child := classifiedInsert(t, entity, models.Record{"code": "L2", "parent_code": "L1"})
	parentHash, err := identity.BusinessKeyHash(models.Record{"code": "L1"}, []string{"code"}, "location")
	require.NoError(t, err)

	ready, parked, err := r.CheckBatch(ctx, entity, "batch-1", []delta.Classified{child},
		map[string]bool{parentHash: true})
	require.NoError(t, err)
	assert.Len(t, ready, 1)
	assert.Zero(t, parked)
}

func TestSelfReferenceResolvesWithinOnePage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ds := testutil.NewFakeStore()
	r := New(st, ds, pipelineConfig(), zaptest.NewLogger(t))

	entity := childEntity()
	entity.ParentRefs = []config.ParentRef{
		{Name: "parent", ParentEntity: "location", ParentField: "code", ChildField: "parent_code"},
	}

	rootHash, err := identity.BusinessKeyHash(models.Record{"code": "L0"}, []string{"code"}, "location")
	require.NoError(t, err)
	ds.Seed("location", models.StoredIdentity{KeyHash: rootHash, DataHash: "x"}, models.Record{"code": "L0"})

	// L1 hangs off the stored root; L2 hangs off L1, arriving in the same
	// page. The chain must settle without a trip through the retry queue.
	page := []delta.Classified{
		classifiedInsert(t, entity, models.Record{"code": "L2", "parent_code": "L1"}),
		classifiedInsert(t, entity, models.Record{"code": "L1", "parent_code": "L0"}),
		classifiedInsert(t, entity, models.Record{"code": "L9", "parent_code": "NOWHERE"}),
	}

	ready, parked, err := r.CheckBatch(ctx, entity, "batch-1", page, nil)
	require.NoError(t, err)
	assert.Len(t, ready, 2)
	assert.Equal(t, 1, parked, "a genuinely orphaned row still parks")

	queued, err := st.ListPendingChildren(ctx, "location", nil, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "L9", queued[0].Payload["code"])
}
