package service

import (
	"sort"

	"github.com/noah-isme/agricert-api/internal/models"
	appErrors "github.com/noah-isme/agricert-api/pkg/errors"
)

// EvidenceValidator gates request creation on checkpoint completeness.
type EvidenceValidator struct {
	catalog []models.CatalogEntry
}

// NewEvidenceValidator builds a validator over the fixed checkpoint catalog.
func NewEvidenceValidator() *EvidenceValidator {
	return &EvidenceValidator{catalog: models.CheckpointCatalog()}
}

// Prepare orders client checkpoints by index and overlays the catalog question and
// evidence requirement, so nothing the client sends for those fields is trusted.
// It reports the first position that is duplicated, out of range or missing.
func (v *EvidenceValidator) Prepare(input []models.Checkpoint) ([]models.Checkpoint, error) {
	n := len(v.catalog)
	out := make([]models.Checkpoint, len(input))
	copy(out, input)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	for i := range out {
		expected := i + 1
		if out[i].Index != expected || expected > n {
			return nil, appErrors.MissingEvidence(expected, "checkpoint missing or out of range")
		}
		entry := v.catalog[i]
		out[i].Question = entry.Question
		out[i].RequiresEvidence = entry.RequiresEvidence
		if out[i].Answer == "" {
			out[i].Answer = models.AnswerUnanswered
		}
	}
	if len(out) < n {
		return nil, appErrors.MissingEvidence(len(out)+1, "checkpoint missing or out of range")
	}
	return out, nil
}

// Validate scans checkpoints in ascending order and fails on the first one that is
// unanswered or answered yes without required evidence. Evidence is required when either the
// checkpoint or the catalog says so. Later violations are not reported.
func (v *EvidenceValidator) Validate(checkpoints []models.Checkpoint) error {
	n := len(v.catalog)
	for i := 0; i < n; i++ {
		index := i + 1
		if i >= len(checkpoints) || checkpoints[i].Index != index {
			return appErrors.MissingEvidence(index, "checkpoint missing or out of range")
		}
		cp := checkpoints[i]
		switch cp.Answer {
		case models.AnswerYes:
			if (cp.RequiresEvidence || v.catalog[i].RequiresEvidence) && !cp.HasEvidence() {
				return appErrors.MissingEvidence(index, "evidence required for a yes answer")
			}
		case models.AnswerNo:
		case models.AnswerUnanswered, "":
			return appErrors.MissingEvidence(index, "checkpoint unanswered")
		default:
			return appErrors.MissingEvidence(index, "answer must be yes or no")
		}
	}
	if len(checkpoints) > n {
		return appErrors.MissingEvidence(n+1, "checkpoint missing or out of range")
	}
	return nil
}
