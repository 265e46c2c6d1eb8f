package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/spendguard/internal/storage"
	"github.com/savegress/spendguard/pkg/models"
)

// DuplicateSearch finds prior fingerprints that likely describe the same
// real-world transaction as a newly submitted one.
type DuplicateSearch struct {
	fingerprints storage.FingerprintRepository
	scorer       *Scorer
}

// NewDuplicateSearch creates a duplicate search over the given repository.
func NewDuplicateSearch(fingerprints storage.FingerprintRepository, scorer *Scorer) *DuplicateSearch {
	return &DuplicateSearch{fingerprints: fingerprints, scorer: scorer}
}

// FindDuplicates scores the fingerprint against every candidate recorded
// within the configured window around its timestamp. The window is
// bidirectional: a duplicate may have been recorded shortly after the true
// original, not only before it. One alert is built per qualifying pair;
// repeated runs deliberately create new alerts (append-only audit trail).
// Returned alerts are not yet persisted.
func (d *DuplicateSearch) FindDuplicates(ctx context.Context, fp *models.ReceiptFingerprint, settings *models.DetectionSettings) ([]*models.FraudAlert, error) {
	window := time.Duration(settings.TimeWindowHours * float64(time.Hour))
	from := fp.Timestamp.Add(-window)
	to := fp.Timestamp.Add(window)

	candidates, err := d.fingerprints.ListInWindow(ctx, from, to, fp.SourceRecordID)
	if err != nil {
		return nil, fmt.Errorf("load duplicate candidates: %w", err)
	}

	var alerts []*models.FraudAlert
	for _, candidate := range candidates {
		score := d.scorer.Score(fp, candidate)
		if score.Confidence < settings.DuplicateThreshold {
			continue
		}

		diff := amountDifference(fp.Amount, candidate.Amount)
		hours := score.TimeDifferenceHours
		alerts = append(alerts, &models.FraudAlert{
			ID:              uuid.NewString(),
			SubjectRecordID: fp.SourceRecordID,
			RelatedRecordID: candidate.SourceRecordID,
			ConfidenceScore: score.Confidence,
			Kind:            models.AlertKindDuplicateReceipt,
			Details: models.AlertDetails{
				AmountDifference:    &diff,
				TimeDifferenceHours: &hours,
				DistanceKm:          score.DistanceKm,
				SimilarityFactors:   score.Factors,
				RiskLevel:           models.RiskLevelForConfidence(score.Confidence),
			},
			Status:    models.AlertStatusPending,
			CreatedAt: time.Now(),
		})
	}
	return alerts, nil
}
