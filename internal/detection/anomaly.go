package detection

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/savegress/spendguard/internal/storage"
	"github.com/savegress/spendguard/pkg/models"
)

// DefaultLookbackMonths is the spending-history window for anomaly sweeps.
const DefaultLookbackMonths = 3

// outlierSigma: an amount beyond mean + 2 standard deviations is an outlier.
const outlierSigma = 2.0

// PatternAnalyzer flags statistical outliers in a user's spending history,
// independent of duplicate matching.
type PatternAnalyzer struct {
	fingerprints storage.FingerprintRepository
}

// NewPatternAnalyzer creates an analyzer over the given repository.
func NewPatternAnalyzer(fingerprints storage.FingerprintRepository) *PatternAnalyzer {
	return &PatternAnalyzer{fingerprints: fingerprints}
}

// AnalyzeUser loads the user's expenses for the lookback window and flags
// every amount above mean + 2 stddev (population). Fewer than 2 records is
// a degenerate case: no analysis, empty result. Returned alerts are not
// yet persisted.
func (p *PatternAnalyzer) AnalyzeUser(ctx context.Context, userID string, lookbackMonths int) ([]*models.FraudAlert, error) {
	if lookbackMonths <= 0 {
		lookbackMonths = DefaultLookbackMonths
	}
	since := time.Now().AddDate(0, -lookbackMonths, 0)

	history, err := p.fingerprints.ListByUserSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load spending history for %s: %w", userID, err)
	}
	if len(history) < 2 {
		return nil, nil
	}

	amounts := make([]float64, len(history))
	for i, fp := range history {
		amounts[i] = fp.Amount.InexactFloat64()
	}
	m := mean(amounts)
	sd := stdDev(amounts, m)
	threshold := m + outlierSigma*sd

	var outliers []*models.ReceiptFingerprint
	for _, fp := range history {
		if fp.Amount.InexactFloat64() > threshold {
			outliers = append(outliers, fp)
		}
	}
	if len(outliers) == 0 {
		return nil, nil
	}

	confidence := math.Min(100, float64(len(outliers))/float64(len(history))*200)
	meanDec := decimal.NewFromFloat(m)

	alerts := make([]*models.FraudAlert, 0, len(outliers))
	for _, fp := range outliers {
		risk := models.RiskHigh
		if fp.Amount.InexactFloat64() > m*3 {
			risk = models.RiskCritical
		}
		diff := fp.Amount.Sub(meanDec).Round(2)
		alerts = append(alerts, &models.FraudAlert{
			ID:              uuid.NewString(),
			SubjectRecordID: fp.SourceRecordID,
			RelatedRecordID: fp.SourceRecordID,
			ConfidenceScore: confidence,
			Kind:            models.AlertKindAmountManipulation,
			Details: models.AlertDetails{
				AmountDifference: &diff,
				SimilarityFactors: []string{
					fmt.Sprintf("amount %s exceeds mean %.2f + %.0f stddev (%.2f)", fp.Amount, m, outlierSigma, sd),
				},
				RiskLevel: risk,
			},
			Status:    models.AlertStatusPending,
			CreatedAt: time.Now(),
		})
	}
	return alerts, nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation.
func stdDev(values []float64, mean float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
