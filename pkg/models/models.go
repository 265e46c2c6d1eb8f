package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExpenseRecord is the expense document submitted by the surrounding
// expense-management system. SpendGuard reads it but never owns it; the
// record's lifecycle belongs to the CRUD layer that created it.
type ExpenseRecord struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	ExpenseDate   *time.Time      `json:"expense_date,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	Description   string          `json:"description,omitempty"`
	ReceiptNumber string          `json:"receipt_number,omitempty"`
	MerchantName  string          `json:"merchant_name,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	TaxNumber     string          `json:"tax_number,omitempty"`
	MerchantPhone string          `json:"merchant_phone,omitempty"`
	Location      *Location       `json:"location,omitempty"`
}

// Timestamp returns the instant used for duplicate matching: the expense
// date when present, otherwise the record creation time.
func (r *ExpenseRecord) Timestamp() (time.Time, bool) {
	if r.ExpenseDate != nil {
		return *r.ExpenseDate, true
	}
	if r.CreatedAt != nil {
		return *r.CreatedAt, true
	}
	return time.Time{}, false
}

// Location is a geographic point attached to a receipt.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Merchant holds the merchant identity fields captured from a receipt.
type Merchant struct {
	Name      string `json:"name,omitempty"`
	TaxNumber string `json:"tax_number,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// ReceiptFingerprint is the normalized, hashed representation of an expense
// record. Exactly one fingerprint exists per source record (upsert by
// SourceRecordID); fingerprints are immutable once written and are never
// deleted, serving as the historical index for future duplicate checks.
type ReceiptFingerprint struct {
	ID             string          `json:"id"`
	SourceRecordID string          `json:"source_record_id"`
	UserID         string          `json:"user_id"`
	ContentHash    string          `json:"content_hash"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
	Location       *Location       `json:"location,omitempty"`
	Merchant       *Merchant       `json:"merchant,omitempty"`
	ExtractedText  string          `json:"extracted_text"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AlertKind classifies what a fraud alert is about.
type AlertKind string

const (
	AlertKindDuplicateReceipt   AlertKind = "duplicate_receipt"
	AlertKindAmountManipulation AlertKind = "amount_manipulation"
	AlertKindLocationMismatch   AlertKind = "location_mismatch"
	AlertKindTimeAnomaly        AlertKind = "time_anomaly"
	AlertKindPatternAnomaly     AlertKind = "pattern_anomaly"
)

// AlertStatus is the review state of an alert.
type AlertStatus string

const (
	AlertStatusPending   AlertStatus = "pending"
	AlertStatusReviewed  AlertStatus = "reviewed"
	AlertStatusConfirmed AlertStatus = "confirmed"
	AlertStatusDismissed AlertStatus = "dismissed"
)

// Terminal reports whether the status permits no further transitions.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusConfirmed || s == AlertStatusDismissed
}

// RiskLevel is the coarse severity bucket derived from confidence.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForConfidence maps a 0-100 confidence score to a risk level.
// The bands are fixed: <70 low, 70-84 medium, 85-94 high, >=95 critical.
func RiskLevelForConfidence(confidence float64) RiskLevel {
	switch {
	case confidence >= 95:
		return RiskCritical
	case confidence >= 85:
		return RiskHigh
	case confidence >= 70:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AlertDetails carries the explainability payload of an alert. The numeric
// fields are populated when the relevant comparison was possible; the factor
// strings are advisory annotations and never feed back into scoring.
type AlertDetails struct {
	AmountDifference    *decimal.Decimal `json:"amount_difference,omitempty"`
	TimeDifferenceHours *float64         `json:"time_difference_hours,omitempty"`
	DistanceKm          *float64         `json:"distance_km,omitempty"`
	SimilarityFactors   []string         `json:"similarity_factors,omitempty"`
	RiskLevel           RiskLevel        `json:"risk_level"`
}

// FraudAlert is a persisted detection finding. Alerts are append-only: they
// are created in pending state and only move forward through explicit,
// reviewer-attributed status updates. They are never silently deleted.
type FraudAlert struct {
	ID              string       `json:"id"`
	SubjectRecordID string       `json:"subject_record_id"`
	RelatedRecordID string       `json:"related_record_id"`
	ConfidenceScore float64      `json:"confidence_score"`
	Kind            AlertKind    `json:"kind"`
	Details         AlertDetails `json:"details"`
	Status          AlertStatus  `json:"status"`
	ReviewedBy      string       `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time   `json:"reviewed_at,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// DetectionSettings holds the tunable thresholds read by every detection
// call. A single row exists; it is created with defaults on first read and
// mutated only through an explicit update.
type DetectionSettings struct {
	Enabled            bool      `json:"enabled"`
	DuplicateThreshold float64   `json:"duplicate_threshold"`
	AmountTolerancePct float64   `json:"amount_tolerance_pct"`
	TimeWindowHours    float64   `json:"time_window_hours"`
	LocationRadiusKm   float64   `json:"location_radius_km"`
	AutoFlagSuspicious bool      `json:"auto_flag_suspicious"`
	RequireApproval    bool      `json:"require_approval"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// SettingsUpdate is a partial settings mutation; nil fields are left as-is.
type SettingsUpdate struct {
	Enabled            *bool    `json:"enabled,omitempty"`
	DuplicateThreshold *float64 `json:"duplicate_threshold,omitempty"`
	AmountTolerancePct *float64 `json:"amount_tolerance_pct,omitempty"`
	TimeWindowHours    *float64 `json:"time_window_hours,omitempty"`
	LocationRadiusKm   *float64 `json:"location_radius_km,omitempty"`
	AutoFlagSuspicious *bool    `json:"auto_flag_suspicious,omitempty"`
	RequireApproval    *bool    `json:"require_approval,omitempty"`
}

// AlertStats is a pure aggregation over persisted alerts.
type AlertStats struct {
	Total       int               `json:"total"`
	Pending     int               `json:"pending"`
	Reviewed    int               `json:"reviewed"`
	Confirmed   int               `json:"confirmed"`
	Dismissed   int               `json:"dismissed"`
	ByRiskLevel map[RiskLevel]int `json:"by_risk_level"`
	ByKind      map[AlertKind]int `json:"by_kind"`
}
