package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/variomedb/variome/internal/model"
)

// HTTPExtractor calls an external extraction service over HTTP. The service
// receives the publication and source configuration and returns structured
// facts. 4xx responses are permanent (the input will never get better); 5xx
// and transport errors are transient and go through the retry policy.
type HTTPExtractor struct {
	baseURL    string
	name       string
	version    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPExtractor creates an extractor that POSTs to baseURL/v1/extract.
// Version identifies the processor revision and is recorded on every
// outcome, so reprocessing passes can tell their output apart.
func NewHTTPExtractor(baseURL, version, apiKey string) *HTTPExtractor {
	if baseURL == "" {
		baseURL = "http://localhost:8200"
	}
	return &HTTPExtractor{
		baseURL: baseURL,
		name:    "variome-extractor",
		version: version,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (e *HTTPExtractor) Name() string    { return e.name }
func (e *HTTPExtractor) Version() string { return e.version }

type extractRequest struct {
	PublicationID string         `json:"publication_id"`
	ExternalID    *string        `json:"external_id,omitempty"`
	Title         string         `json:"title"`
	DOI           *string        `json:"doi,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SourceID      string         `json:"source_id"`
	Options       map[string]any `json:"options,omitempty"`
}

type extractResponse struct {
	Facts             []model.Fact   `json:"facts"`
	TextSource        string         `json:"text_source"`
	DocumentReference *string        `json:"document_reference,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Skipped           bool           `json:"skipped"`
	Error             string         `json:"error,omitempty"`
	Permanent         bool           `json:"permanent,omitempty"`
}

// Extract sends the publication to the extraction service and maps the
// response onto the worker's error taxonomy. The service can flag a failure
// as permanent explicitly; otherwise the status code decides.
func (e *HTTPExtractor) Extract(ctx context.Context, pub model.Publication, src model.SourceConfig) (*Result, error) {
	reqBody, err := json.Marshal(extractRequest{
		PublicationID: pub.ID.String(),
		ExternalID:    pub.ExternalID,
		Title:         pub.Title,
		DOI:           pub.DOI,
		Metadata:      pub.Metadata,
		SourceID:      src.SourceID,
		Options:       src.Options,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/extract", bytes.NewReader(reqBody))
	if err != nil {
		return nil, Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, Permanent(err)
		}
		return nil, Transient(err)
	}

	var result extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, Transient(fmt.Errorf("decode response: %w", err))
	}

	if result.Error != "" {
		err := fmt.Errorf("service error: %s", result.Error)
		if result.Permanent {
			return nil, Permanent(err)
		}
		return nil, Transient(err)
	}
	if result.Skipped {
		return nil, ErrSkipped
	}

	for _, f := range result.Facts {
		if err := f.Validate(); err != nil {
			return nil, Permanent(fmt.Errorf("invalid fact: %w", err))
		}
	}

	return &Result{
		Facts:             result.Facts,
		TextSource:        result.TextSource,
		DocumentReference: result.DocumentReference,
		Metadata:          result.Metadata,
	}, nil
}
