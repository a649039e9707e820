package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variomedb/variome/internal/model"
	"github.com/variomedb/variome/internal/server"
	"github.com/variomedb/variome/internal/service/pipeline"
	"github.com/variomedb/variome/internal/service/review"
	"github.com/variomedb/variome/internal/storage"
	"github.com/variomedb/variome/internal/testutil"
)

const testAPIKey = "test-api-key"

var (
	testSrv *httptest.Server
	testDB  *storage.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartPostgres()

	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		_ = tc.Container.Terminate(ctx)
		os.Exit(1)
	}

	reviews := review.New(testDB, nil, logger)
	coordinator := pipeline.New(testDB, reviews, logger, map[string]model.SourceConfig{
		"pubmed": {SourceID: "pubmed"},
	})

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Reviews:             reviews,
		Runner:              coordinator,
		Logger:              logger,
		Version:             "test",
		ExtractorVersion:    "v1",
		APIKey:              testAPIKey,
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})

	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	require.NoError(t, json.Unmarshal(envelope.Data, target), "body: %s", string(data))
}

func TestHealthEndpoint(t *testing.T) {
	// Health is open: no API key.
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var result struct {
		Data model.HealthResponse `json:"data"`
	}
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "healthy", result.Data.Status)
	assert.Equal(t, "connected", result.Data.Postgres)
}

func TestMissingAPIKey(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/curation/queue")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWrongAPIKey(t *testing.T) {
	req, _ := http.NewRequest("GET", testSrv.URL+"/v1/curation/queue", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitReviewAndDuplicate(t *testing.T) {
	body := model.SubmitReviewRequest{
		EntityType: "variant",
		EntityID:   "chr7:140453136:A>T",
		Priority:   model.PriorityHigh,
	}

	resp := doRequest(t, "POST", "/v1/curation/submit", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var item model.ReviewQueueItem
	decodeData(t, resp, &item)
	assert.Equal(t, "variant", item.EntityType)
	assert.Equal(t, model.PriorityHigh, item.Priority)
	assert.Equal(t, model.ReviewPending, item.Status)

	// Same entity again while the first item is still open.
	resp = doRequest(t, "POST", "/v1/curation/submit", body)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubmitReviewValidation(t *testing.T) {
	resp := doRequest(t, "POST", "/v1/curation/submit", model.SubmitReviewRequest{
		EntityType: "variant",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, "POST", "/v1/curation/submit", model.SubmitReviewRequest{
		EntityType: "variant",
		EntityID:   "chr1:100:A>G",
		Priority:   "urgent",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkTransition(t *testing.T) {
	ids := make([]uuid.UUID, 0, 2)
	for _, entity := range []string{"bulk-a", "bulk-b"} {
		resp := doRequest(t, "POST", "/v1/curation/submit", model.SubmitReviewRequest{
			EntityType: "evidence_conflict",
			EntityID:   entity,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var item model.ReviewQueueItem
		decodeData(t, resp, &item)
		ids = append(ids, item.ID)
	}

	resp := doRequest(t, "POST", "/v1/curation/bulk", model.BulkReviewRequest{
		IDs: ids, Action: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result model.BulkReviewResponse
	decodeData(t, resp, &result)
	assert.Equal(t, 2, result.Updated)

	// Approving again is a no-op: the items are closed.
	resp = doRequest(t, "POST", "/v1/curation/bulk", model.BulkReviewRequest{
		IDs: ids, Action: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &result)
	assert.Equal(t, 0, result.Updated)
}

func TestBulkTransitionInvalidAction(t *testing.T) {
	resp := doRequest(t, "POST", "/v1/curation/bulk", model.BulkReviewRequest{
		IDs: []uuid.UUID{uuid.New()}, Action: "obliterate",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListCurationQueue(t *testing.T) {
	resp := doRequest(t, "POST", "/v1/curation/submit", model.SubmitReviewRequest{
		EntityType: "list-test",
		EntityID:   "entity-1",
		Priority:   model.PriorityLow,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doRequest(t, "GET", "/v1/curation/queue?entity_type=list-test&status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []model.ReviewQueueItem `json:"items"`
		Total int                     `json:"total"`
	}
	decodeData(t, resp, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "entity-1", list.Items[0].EntityID)

	// Unknown status values are rejected, not silently ignored.
	resp = doRequest(t, "GET", "/v1/curation/queue?status=bogus", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnnotate(t *testing.T) {
	resp := doRequest(t, "POST", "/v1/curation/comments", model.AnnotateRequest{
		EntityType: "variant",
		EntityID:   "chr2:200:C>T",
		Comment:    "benign per family segregation data",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result struct {
		ID uuid.UUID `json:"id"`
	}
	decodeData(t, resp, &result)
	assert.NotEqual(t, uuid.Nil, result.ID)

	resp = doRequest(t, "POST", "/v1/curation/comments", model.AnnotateRequest{
		EntityType: "variant",
		EntityID:   "chr2:200:C>T",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreatePublication(t *testing.T) {
	pmid := "38000111"
	resp := doRequest(t, "POST", "/v1/publications", model.CreatePublicationRequest{
		ExternalID: &pmid,
		SourceHint: "pubmed",
		Title:      "BRAF V600E in papillary thyroid carcinoma",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var pub model.Publication
	decodeData(t, resp, &pub)
	assert.NotEqual(t, uuid.Nil, pub.ID)
	require.NotNil(t, pub.ExternalID)
	assert.Equal(t, pmid, *pub.ExternalID)

	// No usable identifier.
	resp = doRequest(t, "POST", "/v1/publications", model.CreatePublicationRequest{
		SourceHint: "pubmed",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPipelineRunEnqueuesDuePublications(t *testing.T) {
	pmid := "38000222"
	resp := doRequest(t, "POST", "/v1/publications", model.CreatePublicationRequest{
		ExternalID: &pmid,
		SourceHint: "pubmed",
		Title:      "TP53 germline variants and Li-Fraumeni syndrome",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var pub model.Publication
	decodeData(t, resp, &pub)

	resp = doRequest(t, "POST", "/v1/pipeline/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var run model.PipelineRunResponse
	decodeData(t, resp, &run)
	assert.Equal(t, "scheduled", run.Status)
	assert.NotEqual(t, uuid.Nil, run.RunID)

	// The pass runs detached; poll the dashboard until the row shows up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := doRequest(t, "GET", "/v1/extractions/queue?status=pending&source_id=pubmed", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var list struct {
			Items []model.ExtractionQueueItem `json:"items"`
		}
		decodeData(t, resp, &list)
		found := false
		for _, item := range list.Items {
			if item.PublicationID == pub.ID {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue item for the new publication never appeared")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestListExtractionsValidation(t *testing.T) {
	resp := doRequest(t, "GET", "/v1/extractions/queue?status=exploded", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownFieldRejected(t *testing.T) {
	resp := doRequest(t, "POST", "/v1/curation/submit", map[string]any{
		"entity_type": "variant",
		"entity_id":   "chr3:300:G>A",
		"severity":    "high",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
