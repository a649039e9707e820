package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variomedb/variome/internal/model"
	"github.com/variomedb/variome/internal/storage"
	"github.com/variomedb/variome/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func createTestPublication(t *testing.T, title string) *model.Publication {
	t.Helper()
	ext := uuid.NewString()
	pub, err := testDB.CreatePublication(context.Background(), &model.Publication{
		ExternalID: &ext,
		SourceHint: "pubmed",
		Title:      title,
	})
	require.NoError(t, err)
	return pub
}

func enqueueTest(t *testing.T, pubID uuid.UUID, sourceID string) uuid.UUID {
	t.Helper()
	id, _, err := testDB.Enqueue(context.Background(), storage.EnqueueParams{
		PublicationID:  pubID,
		SourceID:       sourceID,
		IngestionJobID: uuid.New(),
	})
	require.NoError(t, err)
	return id
}

func TestCreatePublicationDedupe(t *testing.T) {
	ctx := context.Background()

	ext := uuid.NewString()
	first, err := testDB.CreatePublication(ctx, &model.Publication{
		ExternalID: &ext,
		SourceHint: "pubmed",
		Title:      "BRCA1 missense variants in familial breast cancer",
	})
	require.NoError(t, err)

	second, err := testDB.CreatePublication(ctx, &model.Publication{
		ExternalID: &ext,
		SourceHint: "pubmed",
		Title:      "BRCA1 missense variants in familial breast cancer",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same external id resolves to one row")
}

func TestEnqueueIdempotent(t *testing.T) {
	pub := createTestPublication(t, "idempotent enqueue")

	first, created, err := testDB.Enqueue(context.Background(), storage.EnqueueParams{
		PublicationID:  pub.ID,
		SourceID:       "clinvar",
		IngestionJobID: uuid.New(),
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := testDB.Enqueue(context.Background(), storage.EnqueueParams{
		PublicationID:  pub.ID,
		SourceID:       "clinvar",
		IngestionJobID: uuid.New(),
	})
	require.NoError(t, err)
	assert.False(t, created, "pending item is reused, not duplicated")
	assert.Equal(t, first, second)

	ctx := context.Background()
	item, err := testDB.GetQueueItem(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, item.Status)
	assert.Equal(t, 1, item.ExtractionVersion)

	require.NotNil(t, claimSpecific(t, first))
	require.NoError(t, testDB.CompleteItem(ctx, first, storage.ExtractionOutcome{
		Status: model.ExtractionCompleted, ProcessorName: "test",
	}))
}

func TestEnqueueVersionMonotonicity(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "version monotonicity")

	first := enqueueTest(t, pub.ID, "clinvar")

	require.NotNil(t, claimSpecific(t, first))
	require.NoError(t, testDB.FailItem(ctx, storage.FailParams{
		ItemID: first, Error: "bad payload", Permanent: true,
	}))

	// Latest row is terminal, so a fresh enqueue bumps the version.
	second := enqueueTest(t, pub.ID, "clinvar")
	require.NotEqual(t, first, second)

	item, err := testDB.GetQueueItem(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 2, item.ExtractionVersion)
	assert.Equal(t, model.QueuePending, item.Status)

	// The failed version-1 row is untouched.
	old, err := testDB.GetQueueItem(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, old.Status)
	assert.Equal(t, 1, old.ExtractionVersion)

	require.NotNil(t, claimSpecific(t, second))
	require.NoError(t, testDB.CompleteItem(ctx, second, storage.ExtractionOutcome{
		Status: model.ExtractionCompleted, ProcessorName: "test",
	}))
}

func TestClaimNextConcurrent(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "concurrent claims")
	itemID := enqueueTest(t, pub.ID, "concurrent-src")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []uuid.UUID
	)
	for i := range workers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			item, err := testDB.ClaimNext(ctx, fmt.Sprintf("worker-%d", n))
			if err != nil || item == nil {
				return
			}
			if item.ID != itemID {
				// Another test's row; put it back so we don't eat it.
				_ = testDB.FailItem(ctx, storage.FailParams{
					ItemID: item.ID, Error: "claimed by concurrency test", MaxAttempts: 100,
				})
				return
			}
			mu.Lock()
			claimed = append(claimed, item.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, 1, "exactly one worker wins the claim")

	item, err := testDB.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueProcessing, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NoError(t, testDB.CompleteItem(ctx, itemID, storage.ExtractionOutcome{
		Status: model.ExtractionCompleted, ProcessorName: "test",
	}))
}

func TestClaimHonorsBackoffGate(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "backoff gate")
	itemID := enqueueTest(t, pub.ID, "backoff-src")

	require.NotNil(t, claimSpecific(t, itemID))

	// Transient failure puts the row back pending under a future
	// next_attempt_at; it must not be claimable yet.
	require.NoError(t, testDB.FailItem(ctx, storage.FailParams{
		ItemID: itemID, Error: "timeout", MaxAttempts: 5,
	}))

	item, err := testDB.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, item.Status)
	require.NotNil(t, item.NextAttemptAt)
	assert.True(t, item.NextAttemptAt.After(time.Now()))

	again, err := testDB.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	if again != nil {
		assert.NotEqual(t, itemID, again.ID, "backed-off row must be skipped")
		_ = testDB.FailItem(ctx, storage.FailParams{
			ItemID: again.ID, Error: "claimed by backoff test", MaxAttempts: 100,
		})
	}

	// Open the gate again and clean up.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE extraction_queue SET next_attempt_at = NULL WHERE id = $1`, itemID)
	require.NoError(t, err)
	require.NotNil(t, claimSpecific(t, itemID))
	require.NoError(t, testDB.CompleteItem(ctx, itemID, storage.ExtractionOutcome{
		Status: model.ExtractionCompleted, ProcessorName: "test",
	}))
}

func TestCompleteItemTerminalIdempotent(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "terminal idempotence")
	itemID := enqueueTest(t, pub.ID, "terminal-src")

	require.NotNil(t, claimSpecific(t, itemID))

	outcome := storage.ExtractionOutcome{
		Status:        model.ExtractionCompleted,
		ProcessorName: "variome-extractor",
		TextSource:    "abstract",
		Facts: []model.Fact{{
			Kind: model.FactVariantPathogenicity,
			VariantPathogenicity: &model.VariantPathogenicityFact{
				VariantID:            "VCV000012345",
				PhenotypeID:          "HP:0003002",
				ClinicalSignificance: model.SignificancePathogenic,
				EvidenceLevel:        model.LevelStrong,
				Confidence:           0.92,
			},
		}},
	}
	require.NoError(t, testDB.CompleteItem(ctx, itemID, outcome))

	// Double completion and a late failure are both no-ops.
	require.NoError(t, testDB.CompleteItem(ctx, itemID, outcome))
	require.NoError(t, testDB.FailItem(ctx, storage.FailParams{
		ItemID: itemID, Error: "late failure",
	}))

	item, err := testDB.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCompleted, item.Status)
	assert.Nil(t, item.LastError)

	ext, err := testDB.GetExtractionByQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionCompleted, ext.Status)
	require.Len(t, ext.Facts, 1)
	assert.Equal(t, model.FactVariantPathogenicity, ext.Facts[0].Kind)
	assert.Equal(t, "VCV000012345", ext.Facts[0].VariantPathogenicity.VariantID)
}

func TestFailItemExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "attempt exhaustion")
	itemID := enqueueTest(t, pub.ID, "exhaust-src")

	// Force the backoff gate open between attempts so re-claims succeed.
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := testDB.Pool().Exec(ctx,
			`UPDATE extraction_queue SET next_attempt_at = NULL WHERE id = $1`, itemID)
		require.NoError(t, err)

		claimed := claimSpecific(t, itemID)
		require.NotNil(t, claimed, "attempt %d should be claimable", attempt)
		require.NoError(t, testDB.FailItem(ctx, storage.FailParams{
			ItemID: itemID, Error: fmt.Sprintf("boom %d", attempt), MaxAttempts: 3,
		}))
	}

	item, err := testDB.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
	require.NotNil(t, item.LastError)
	assert.Equal(t, "boom 3", *item.LastError)
}

// claimSpecific drains claims until it pulls the wanted item, putting any
// other test's rows straight back.
func claimSpecific(t *testing.T, want uuid.UUID) *model.ExtractionQueueItem {
	t.Helper()
	ctx := context.Background()
	for range 50 {
		item, err := testDB.ClaimNext(ctx, "claim-specific")
		require.NoError(t, err)
		if item == nil {
			return nil
		}
		if item.ID == want {
			return item
		}
		require.NoError(t, testDB.FailItem(ctx, storage.FailParams{
			ItemID: item.ID, Error: "claimed by claimSpecific", MaxAttempts: 100,
		}))
	}
	return nil
}

func TestReclaimStuck(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "reclaim stuck")
	itemID := enqueueTest(t, pub.ID, "stuck-src")

	claimed := claimSpecific(t, itemID)
	require.NotNil(t, claimed)

	// Backdate the claim past the visibility timeout.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE extraction_queue SET started_at = now() - interval '10 minutes' WHERE id = $1`,
		itemID)
	require.NoError(t, err)

	n, err := testDB.ReclaimStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	item, err := testDB.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, item.Status)
	assert.Nil(t, item.ClaimedBy)

	require.NoError(t, testDB.CompleteItem(ctx, itemID, storage.ExtractionOutcome{
		Status: model.ExtractionCompleted, ProcessorName: "test",
	}))
}

// TestRetryThenSuccessProducesOneOutcome walks a row through two transient
// failures and a final success: attempts lands at 3, the row completes, and
// exactly one outcome exists for the queue item.
func TestRetryThenSuccessProducesOneOutcome(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "two timeouts then success")
	itemID := enqueueTest(t, pub.ID, "flaky-src")

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := testDB.Pool().Exec(ctx,
			`UPDATE extraction_queue SET next_attempt_at = NULL WHERE id = $1`, itemID)
		require.NoError(t, err)
		claimed := claimSpecific(t, itemID)
		require.NotNil(t, claimed)
		require.NoError(t, testDB.FailItem(ctx, storage.FailParams{
			ItemID: itemID, Error: "extractor timeout", MaxAttempts: 3,
		}))
	}

	_, err := testDB.Pool().Exec(ctx,
		`UPDATE extraction_queue SET next_attempt_at = NULL WHERE id = $1`, itemID)
	require.NoError(t, err)
	claimed := claimSpecific(t, itemID)
	require.NotNil(t, claimed)
	require.NoError(t, testDB.CompleteItem(ctx, itemID, storage.ExtractionOutcome{
		Status: model.ExtractionCompleted, ProcessorName: "variome-extractor",
	}))

	item, err := testDB.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCompleted, item.Status)
	assert.Equal(t, 3, item.Attempts)

	var outcomes int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM publication_extractions WHERE queue_item_id = $1`,
		itemID).Scan(&outcomes)
	require.NoError(t, err)
	assert.Equal(t, 1, outcomes)
}

func TestListDuePublications(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "dueness")
	itemID := enqueueTest(t, pub.ID, "due-src")

	due, err := testDB.ListDuePublications(ctx, "due-src", "v2", 1000)
	require.NoError(t, err)
	assert.True(t, containsPublication(due, pub.ID), "no completed outcome yet")

	claimed := claimSpecific(t, itemID)
	require.NotNil(t, claimed)
	pv := "v2"
	require.NoError(t, testDB.CompleteItem(ctx, itemID, storage.ExtractionOutcome{
		Status:           model.ExtractionCompleted,
		ProcessorName:    "variome-extractor",
		ProcessorVersion: &pv,
	}))

	due, err = testDB.ListDuePublications(ctx, "due-src", "v2", 1000)
	require.NoError(t, err)
	assert.False(t, containsPublication(due, pub.ID), "completed at v2 is no longer due")

	// A new processor version makes the pair due again.
	due, err = testDB.ListDuePublications(ctx, "due-src", "v3", 1000)
	require.NoError(t, err)
	assert.True(t, containsPublication(due, pub.ID))
}

func containsPublication(pubs []model.Publication, id uuid.UUID) bool {
	for _, p := range pubs {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestEvidenceUpsertLastWriterWins(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "evidence upsert")

	rec := &model.EvidenceRecord{
		VariantID:            "VCV000001111",
		PhenotypeID:          "HP:0000365",
		SourceID:             "clinvar",
		PublicationID:        pub.ID,
		ClinicalSignificance: model.SignificanceUncertain,
		EvidenceLevel:        model.LevelLimited,
		ConfidenceScore:      0.4,
		ExtractionVersion:    1,
	}
	require.NoError(t, testDB.UpsertEvidenceRecord(ctx, rec))
	firstID := rec.ID

	rec.ClinicalSignificance = model.SignificancePathogenic
	rec.EvidenceLevel = model.LevelStrong
	rec.ConfidenceScore = 0.9
	require.NoError(t, testDB.UpsertEvidenceRecord(ctx, rec))
	assert.Equal(t, firstID, rec.ID, "same key updates in place")

	current, err := testDB.GetCurrentEvidenceForPair(ctx, "VCV000001111", "HP:0000365")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, model.SignificancePathogenic, current[0].ClinicalSignificance)
}

func TestCurrentEvidencePicksHighestVersionPerSource(t *testing.T) {
	ctx := context.Background()
	pub := createTestPublication(t, "current evidence versions")

	for _, v := range []struct {
		version int
		sig     model.ClinicalSignificance
	}{
		{1, model.SignificanceBenign},
		{2, model.SignificanceLikelyPathogenic},
	} {
		require.NoError(t, testDB.UpsertEvidenceRecord(ctx, &model.EvidenceRecord{
			VariantID:            "VCV000002222",
			PhenotypeID:          "HP:0001250",
			SourceID:             "clinvar",
			PublicationID:        pub.ID,
			ClinicalSignificance: v.sig,
			EvidenceLevel:        model.LevelSupporting,
			ConfidenceScore:      0.7,
			ExtractionVersion:    v.version,
		}))
	}
	require.NoError(t, testDB.UpsertEvidenceRecord(ctx, &model.EvidenceRecord{
		VariantID:            "VCV000002222",
		PhenotypeID:          "HP:0001250",
		SourceID:             "gwas",
		PublicationID:        pub.ID,
		ClinicalSignificance: model.SignificanceBenign,
		EvidenceLevel:        model.LevelLimited,
		ConfidenceScore:      0.5,
		ExtractionVersion:    1,
	}))

	current, err := testDB.GetCurrentEvidenceForPair(ctx, "VCV000002222", "HP:0001250")
	require.NoError(t, err)
	require.Len(t, current, 2, "one record per source")

	bySource := map[string]model.EvidenceRecord{}
	for _, r := range current {
		bySource[r.SourceID] = r
	}
	assert.Equal(t, model.SignificanceLikelyPathogenic, bySource["clinvar"].ClinicalSignificance)
	assert.Equal(t, 2, bySource["clinvar"].ExtractionVersion)
	assert.Equal(t, model.SignificanceBenign, bySource["gwas"].ClinicalSignificance)
}

func TestReviewItemDuplicateOpen(t *testing.T) {
	ctx := context.Background()

	entityID := uuid.NewString()
	first, err := testDB.CreateReviewItem(ctx, storage.CreateReviewItemParams{
		EntityType: "evidence_conflict",
		EntityID:   entityID,
		Priority:   model.PriorityMedium,
		Issues:     1,
	})
	require.NoError(t, err)

	_, err = testDB.CreateReviewItem(ctx, storage.CreateReviewItemParams{
		EntityType: "evidence_conflict",
		EntityID:   entityID,
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateOpenItem)

	// Escalation raises the open row instead of creating a new one.
	escalated, err := testDB.EscalateOpenReviewItem(ctx, "evidence_conflict", entityID, 2,
		map[string]any{"recommended_resolution": "benign"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, escalated.ID)
	assert.Equal(t, model.PriorityHigh, escalated.Priority)
	assert.Equal(t, 2, escalated.Issues)
	assert.Equal(t, "benign", escalated.Metadata["recommended_resolution"])

	// Closing the item frees the slot for a fresh conflict.
	updated, err := testDB.BulkTransitionReviewItems(ctx, []uuid.UUID{first.ID}, model.ReviewApproved)
	require.NoError(t, err)
	require.Len(t, updated, 1)

	second, err := testDB.CreateReviewItem(ctx, storage.CreateReviewItemParams{
		EntityType: "evidence_conflict",
		EntityID:   entityID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBulkTransitionOnlyPending(t *testing.T) {
	ctx := context.Background()

	a, err := testDB.CreateReviewItem(ctx, storage.CreateReviewItemParams{
		EntityType: "evidence_conflict", EntityID: uuid.NewString(),
	})
	require.NoError(t, err)
	b, err := testDB.CreateReviewItem(ctx, storage.CreateReviewItemParams{
		EntityType: "evidence_conflict", EntityID: uuid.NewString(),
	})
	require.NoError(t, err)

	updated, err := testDB.BulkTransitionReviewItems(ctx,
		[]uuid.UUID{a.ID, b.ID, uuid.New()}, model.ReviewRejected)
	require.NoError(t, err)
	assert.Len(t, updated, 2, "unknown ids are skipped")

	// Closed items never transition again.
	updated, err = testDB.BulkTransitionReviewItems(ctx,
		[]uuid.UUID{a.ID, b.ID}, model.ReviewApproved)
	require.NoError(t, err)
	assert.Empty(t, updated)

	got, err := testDB.GetReviewItem(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewRejected, got.Status)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()

	entityID := uuid.NewString()
	id, err := testDB.RecordAudit(ctx, "comment", "evidence_conflict", entityID,
		"curator@variome", map[string]any{"comment": "needs a second look"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	_, err = testDB.RecordAudit(ctx, "review_approved", "evidence_conflict", entityID,
		"curator@variome", nil)
	require.NoError(t, err)

	events, err := testDB.ListAuditEvents(ctx, "evidence_conflict", entityID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "review_approved", events[0].Action)
	assert.Equal(t, "comment", events[1].Action)
}
