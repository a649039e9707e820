package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExtractionStatus is the outcome status of one extraction pass.
type ExtractionStatus string

const (
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionFailed    ExtractionStatus = "failed"
	ExtractionSkipped   ExtractionStatus = "skipped"
)

// PublicationExtraction is the immutable record of one extraction outcome,
// keyed one-to-one to its queue item. Rows accumulate across extraction
// versions; only the highest completed version is "current".
type PublicationExtraction struct {
	ID                uuid.UUID        `json:"id"`
	PublicationID     uuid.UUID        `json:"publication_id"`
	SourceID          string           `json:"source_id"`
	IngestionJobID    uuid.UUID        `json:"ingestion_job_id"`
	QueueItemID       uuid.UUID        `json:"queue_item_id"`
	Status            ExtractionStatus `json:"status"`
	ExtractionVersion int              `json:"extraction_version"`
	ProcessorName     string           `json:"processor_name"`
	ProcessorVersion  *string          `json:"processor_version,omitempty"`
	TextSource        string           `json:"text_source"`
	DocumentReference *string          `json:"document_reference,omitempty"`
	Facts             []Fact           `json:"facts"`
	Metadata          map[string]any   `json:"metadata"`
	ExtractedAt       time.Time        `json:"extracted_at"`
}

// FactKind discriminates the tagged fact union.
type FactKind string

const (
	// FactVariantPathogenicity is a claim linking a variant to a phenotype
	// with a clinical significance label. The only kind that materializes
	// evidence records.
	FactVariantPathogenicity FactKind = "variant_pathogenicity"
	// FactGeneFunction is a functional annotation carried for downstream
	// consumers; it does not materialize evidence.
	FactGeneFunction FactKind = "gene_function"
	// FactGeneric is the fallback for payloads the pipeline does not model.
	FactGeneric FactKind = "generic"
)

// VariantPathogenicityFact is one source's claim about a variant–phenotype
// relationship.
type VariantPathogenicityFact struct {
	VariantID            string               `json:"variant_id"`
	PhenotypeID          string               `json:"phenotype_id"`
	GeneSymbol           string               `json:"gene_symbol,omitempty"`
	ClinicalSignificance ClinicalSignificance `json:"clinical_significance"`
	EvidenceLevel        EvidenceLevel        `json:"evidence_level"`
	Confidence           float64              `json:"confidence"`
}

// GeneFunctionFact is a functional annotation for a gene.
type GeneFunctionFact struct {
	GeneSymbol  string  `json:"gene_symbol"`
	Function    string  `json:"function"`
	Consequence string  `json:"consequence,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Fact is a tagged union over the known fact kinds plus a generic fallback.
// Exactly one payload field is set, matching Kind. Modeled as a sum type
// rather than an open map so evidence derivation stays exhaustive.
type Fact struct {
	Kind                 FactKind
	VariantPathogenicity *VariantPathogenicityFact
	GeneFunction         *GeneFunctionFact
	Generic              map[string]any
}

// factEnvelope is the wire shape: a kind discriminator beside a raw payload.
type factEnvelope struct {
	Kind    FactKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the fact as {"kind": …, "payload": …}.
func (f Fact) MarshalJSON() ([]byte, error) {
	var payload any
	switch f.Kind {
	case FactVariantPathogenicity:
		payload = f.VariantPathogenicity
	case FactGeneFunction:
		payload = f.GeneFunction
	case FactGeneric:
		payload = f.Generic
	default:
		return nil, fmt.Errorf("model: marshal fact: unknown kind %q", f.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("model: marshal fact payload: %w", err)
	}
	return json.Marshal(factEnvelope{Kind: f.Kind, Payload: raw})
}

// UnmarshalJSON decodes the tagged envelope. Unknown kinds degrade to
// FactGeneric so old readers survive new extractor output.
func (f *Fact) UnmarshalJSON(data []byte) error {
	var env factEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("model: unmarshal fact: %w", err)
	}
	switch env.Kind {
	case FactVariantPathogenicity:
		var vp VariantPathogenicityFact
		if err := json.Unmarshal(env.Payload, &vp); err != nil {
			return fmt.Errorf("model: unmarshal variant_pathogenicity fact: %w", err)
		}
		*f = Fact{Kind: env.Kind, VariantPathogenicity: &vp}
	case FactGeneFunction:
		var gf GeneFunctionFact
		if err := json.Unmarshal(env.Payload, &gf); err != nil {
			return fmt.Errorf("model: unmarshal gene_function fact: %w", err)
		}
		*f = Fact{Kind: env.Kind, GeneFunction: &gf}
	default:
		var generic map[string]any
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &generic); err != nil {
				return fmt.Errorf("model: unmarshal generic fact: %w", err)
			}
		}
		*f = Fact{Kind: FactGeneric, Generic: generic}
	}
	return nil
}

// Validate checks that the payload matches the declared kind and that
// pathogenicity facts carry well-formed labels and scores.
func (f Fact) Validate() error {
	switch f.Kind {
	case FactVariantPathogenicity:
		vp := f.VariantPathogenicity
		if vp == nil {
			return fmt.Errorf("model: variant_pathogenicity fact missing payload")
		}
		if vp.VariantID == "" || vp.PhenotypeID == "" {
			return fmt.Errorf("model: variant_pathogenicity fact requires variant_id and phenotype_id")
		}
		if !vp.EvidenceLevel.Valid() {
			return fmt.Errorf("model: invalid evidence_level %q", vp.EvidenceLevel)
		}
		if vp.Confidence < 0 || vp.Confidence > 1 {
			return fmt.Errorf("model: confidence %v outside [0,1]", vp.Confidence)
		}
	case FactGeneFunction:
		if f.GeneFunction == nil {
			return fmt.Errorf("model: gene_function fact missing payload")
		}
	case FactGeneric:
		// Opaque by definition.
	default:
		return fmt.Errorf("model: unknown fact kind %q", f.Kind)
	}
	return nil
}
