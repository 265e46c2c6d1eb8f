// Package detection implements the duplicate-receipt and anomalous-spending
// detection engine: content fingerprinting, weighted similarity scoring,
// time-windowed duplicate search and statistical outlier analysis.
package detection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/savegress/spendguard/internal/storage"
	"github.com/savegress/spendguard/pkg/models"
)

// ErrInvalidRecord is returned when a record carries neither an amount nor a
// usable timestamp; no fingerprint is created for such records.
var ErrInvalidRecord = errors.New("invalid record: missing amount and timestamp")

// Extractor converts expense records into receipt fingerprints and persists
// them. One fingerprint exists per source record; re-extraction upserts.
type Extractor struct {
	fingerprints storage.FingerprintRepository
}

// NewExtractor creates an extractor backed by the given repository.
func NewExtractor(fingerprints storage.FingerprintRepository) *Extractor {
	return &Extractor{fingerprints: fingerprints}
}

// Extract builds the fingerprint for a record and upserts it keyed by the
// record's ID. The returned fingerprint is the persisted representation.
func (e *Extractor) Extract(ctx context.Context, record *models.ExpenseRecord) (*models.ReceiptFingerprint, error) {
	if record == nil || record.ID == "" {
		return nil, fmt.Errorf("%w (no record id)", ErrInvalidRecord)
	}

	ts, hasTimestamp := record.Timestamp()
	if !hasTimestamp && record.Amount.IsZero() {
		return nil, ErrInvalidRecord
	}
	if !hasTimestamp {
		// Amount-only records are fingerprinted at ingestion time so they
		// still participate in future duplicate windows.
		ts = time.Now()
	}

	text := extractText(record)
	fp := &models.ReceiptFingerprint{
		ID:             uuid.NewString(),
		SourceRecordID: record.ID,
		UserID:         record.UserID,
		ContentHash:    hashText(text),
		Amount:         record.Amount,
		Timestamp:      ts,
		Location:       record.Location,
		ExtractedText:  text,
		CreatedAt:      time.Now(),
	}
	if record.MerchantName != "" || record.TaxNumber != "" || record.MerchantPhone != "" {
		fp.Merchant = &models.Merchant{
			Name:      record.MerchantName,
			TaxNumber: record.TaxNumber,
			Phone:     record.MerchantPhone,
		}
	}

	if err := e.fingerprints.Upsert(ctx, fp); err != nil {
		return nil, fmt.Errorf("persist fingerprint for %s: %w", record.ID, err)
	}
	return fp, nil
}

// extractText concatenates the comparable fields of a record in a fixed
// order: description, receipt number, merchant name, notes, amount. The
// ordering is part of the similarity contract and must not change; the
// content hash and the token-overlap scoring both depend on it.
func extractText(record *models.ExpenseRecord) string {
	parts := []string{
		record.Description,
		record.ReceiptNumber,
		record.MerchantName,
		record.Notes,
		record.Amount.String(),
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// hashText returns the FNV-1a 64-bit hash of text, hex-encoded. FNV-1a is
// deterministic and order-sensitive: identical text always produces the
// same hash, and any reordering of the extracted fields changes it.
func hashText(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%016x", h.Sum64())
}

// amountDifference is a convenience for alert details.
func amountDifference(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs()
}
