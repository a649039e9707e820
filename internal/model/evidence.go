package model

import (
	"time"

	"github.com/google/uuid"
)

// ClinicalSignificance is a source's classification of a variant–phenotype
// relationship. Stored as free text to admit source-specific vocabularies;
// the constants cover the ACMG-style core set.
type ClinicalSignificance string

const (
	SignificancePathogenic       ClinicalSignificance = "pathogenic"
	SignificanceLikelyPathogenic ClinicalSignificance = "likely_pathogenic"
	SignificanceUncertain        ClinicalSignificance = "uncertain_significance"
	SignificanceLikelyBenign     ClinicalSignificance = "likely_benign"
	SignificanceBenign           ClinicalSignificance = "benign"
)

// EvidenceLevel is the strength ranking of an evidence record.
type EvidenceLevel string

const (
	LevelLimited    EvidenceLevel = "limited"
	LevelSupporting EvidenceLevel = "supporting"
	LevelStrong     EvidenceLevel = "strong"
	LevelDefinitive EvidenceLevel = "definitive"
)

// Rank returns the fixed hierarchy position: limited(1) < supporting(2)
// < strong(3) < definitive(4). Unknown levels rank 0, below everything.
func (l EvidenceLevel) Rank() int {
	switch l {
	case LevelLimited:
		return 1
	case LevelSupporting:
		return 2
	case LevelStrong:
		return 3
	case LevelDefinitive:
		return 4
	default:
		return 0
	}
}

// Valid reports whether the level is one of the four known values.
func (l EvidenceLevel) Valid() bool {
	return l.Rank() > 0
}

// EvidenceRecord is one source's claim about a (variant, phenotype) pair,
// materialized from a pathogenicity fact. Records are never deleted: a newer
// extraction version supersedes older rows without rewriting them.
type EvidenceRecord struct {
	ID                   uuid.UUID            `json:"id"`
	VariantID            string               `json:"variant_id"`
	PhenotypeID          string               `json:"phenotype_id"`
	SourceID             string               `json:"source_id"`
	PublicationID        uuid.UUID            `json:"publication_id"`
	ClinicalSignificance ClinicalSignificance `json:"clinical_significance"`
	EvidenceLevel        EvidenceLevel        `json:"evidence_level"`
	ConfidenceScore      float64              `json:"confidence_score"`
	ExtractionVersion    int                  `json:"extraction_version"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}
