// Package conflicts detects disagreements between evidence sources.
package conflicts

import (
	"sort"

	"github.com/google/uuid"

	"github.com/variomedb/variome/internal/model"
)

// ConflictKind discriminates the two disagreement dimensions.
type ConflictKind string

const (
	// ConflictSignificance means sources disagree on the clinical
	// significance label for a (variant, phenotype) pair.
	ConflictSignificance ConflictKind = "significance"
	// ConflictEvidenceLevel means sources agree on nothing stronger than
	// the strength of their own evidence.
	ConflictEvidenceLevel ConflictKind = "evidence_level"
)

// ResolutionOption is one candidate resolution a curator can pick: a value,
// how many records back it, and which ones.
type ResolutionOption struct {
	Value             string      `json:"value"`
	SupportingRecords int         `json:"supporting_records"`
	RecordIDs         []uuid.UUID `json:"record_ids"`
}

// Conflict is one detected disagreement with its resolution options and a
// recommended pick. The recommendation is advisory: it is surfaced to
// curators for display, never auto-applied.
type Conflict struct {
	Kind        ConflictKind       `json:"kind"`
	Options     []ResolutionOption `json:"options"`
	Recommended string             `json:"recommended"`
}

// Detect examines the current evidence set for one (variant, phenotype) pair
// and reports significance and evidence-level disagreements. Pure function:
// no clock, no randomness, and a deterministic option order, so the same
// input always yields the same output.
//
// Fewer than two records, or full agreement on both dimensions, yields nil.
func Detect(records []model.EvidenceRecord) []Conflict {
	if len(records) < 2 {
		return nil
	}

	var found []Conflict
	if c := detectSignificance(records); c != nil {
		found = append(found, *c)
	}
	if c := detectEvidenceLevel(records); c != nil {
		found = append(found, *c)
	}
	return found
}

// detectSignificance groups records by clinical significance label. More
// than one distinct label is a conflict; the recommendation follows the
// record with the strongest evidence level, tie-broken by confidence and
// then by smallest source id.
func detectSignificance(records []model.EvidenceRecord) *Conflict {
	groups := map[string][]uuid.UUID{}
	for _, r := range records {
		key := string(r.ClinicalSignificance)
		groups[key] = append(groups[key], r.ID)
	}
	if len(groups) < 2 {
		return nil
	}

	options := make([]ResolutionOption, 0, len(groups))
	for value, ids := range groups {
		sortUUIDs(ids)
		options = append(options, ResolutionOption{
			Value:             value,
			SupportingRecords: len(ids),
			RecordIDs:         ids,
		})
	}
	// Best-supported options first; label order breaks count ties.
	sort.Slice(options, func(i, j int) bool {
		if options[i].SupportingRecords != options[j].SupportingRecords {
			return options[i].SupportingRecords > options[j].SupportingRecords
		}
		return options[i].Value < options[j].Value
	})

	best := records[0]
	for _, r := range records[1:] {
		if strongerRecord(r, best) {
			best = r
		}
	}

	return &Conflict{
		Kind:        ConflictSignificance,
		Options:     options,
		Recommended: string(best.ClinicalSignificance),
	}
}

// detectEvidenceLevel groups records by evidence level. Options are ordered
// by the fixed hierarchy, strongest first, and the strongest level present
// is recommended.
func detectEvidenceLevel(records []model.EvidenceRecord) *Conflict {
	groups := map[model.EvidenceLevel][]uuid.UUID{}
	for _, r := range records {
		groups[r.EvidenceLevel] = append(groups[r.EvidenceLevel], r.ID)
	}
	if len(groups) < 2 {
		return nil
	}

	options := make([]ResolutionOption, 0, len(groups))
	for level, ids := range groups {
		sortUUIDs(ids)
		options = append(options, ResolutionOption{
			Value:             string(level),
			SupportingRecords: len(ids),
			RecordIDs:         ids,
		})
	}
	sort.Slice(options, func(i, j int) bool {
		ri := model.EvidenceLevel(options[i].Value).Rank()
		rj := model.EvidenceLevel(options[j].Value).Rank()
		if ri != rj {
			return ri > rj
		}
		return options[i].Value < options[j].Value
	})

	return &Conflict{
		Kind:        ConflictEvidenceLevel,
		Options:     options,
		Recommended: options[0].Value,
	}
}

// strongerRecord reports whether a outranks b for recommendation purposes:
// higher evidence level, then higher confidence, then smaller source id.
func strongerRecord(a, b model.EvidenceRecord) bool {
	ra, rb := a.EvidenceLevel.Rank(), b.EvidenceLevel.Rank()
	if ra != rb {
		return ra > rb
	}
	if a.ConfidenceScore != b.ConfidenceScore {
		return a.ConfidenceScore > b.ConfidenceScore
	}
	return a.SourceID < b.SourceID
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}
