// Package storage defines the persistence boundary of the detection engine.
//
// The engine never talks to a concrete database; it is constructed with
// these repository interfaces, which keeps the scoring code testable against
// the in-memory implementation and lets deployments choose the embedded
// SQLite store without touching detection logic.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/savegress/spendguard/pkg/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap update loses the race.
	ErrConflict = errors.New("conflicting update")

	// ErrStorageUnavailable wraps infrastructure-level read/write failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	Status models.AlertStatus
	Kind   models.AlertKind
}

// Page is a limit/offset pagination request.
type Page struct {
	Limit  int
	Offset int
}

// FingerprintRepository stores receipt fingerprints. Upsert must be atomic
// by SourceRecordID: concurrent submissions of the same record may not
// produce two rows.
type FingerprintRepository interface {
	Upsert(ctx context.Context, fp *models.ReceiptFingerprint) error
	GetBySourceRecord(ctx context.Context, sourceRecordID string) (*models.ReceiptFingerprint, error)

	// ListInWindow returns fingerprints whose CreatedAt lies in [from, to],
	// excluding the given source record. Order is unspecified.
	ListInWindow(ctx context.Context, from, to time.Time, excludeSourceRecordID string) ([]*models.ReceiptFingerprint, error)

	// ListByUserSince returns a user's fingerprints with Timestamp >= since.
	ListByUserSince(ctx context.Context, userID string, since time.Time) ([]*models.ReceiptFingerprint, error)
}

// AlertRepository stores fraud alerts. Creation is append-only; the only
// mutation is the status transition, which is guarded by a compare-and-swap
// on the current status.
type AlertRepository interface {
	Create(ctx context.Context, alert *models.FraudAlert) error
	GetByID(ctx context.Context, id string) (*models.FraudAlert, error)

	// List returns matching alerts newest-first.
	List(ctx context.Context, filter AlertFilter, page Page) ([]*models.FraudAlert, error)

	// UpdateStatus transitions an alert from the expected current status.
	// Returns ErrConflict when the stored status no longer matches from,
	// ErrNotFound when the alert does not exist.
	UpdateStatus(ctx context.Context, id string, from, to models.AlertStatus, reviewer, notes string, reviewedAt time.Time) error

	Stats(ctx context.Context) (*models.AlertStats, error)
}

// SettingsRepository stores the detection settings singleton.
type SettingsRepository interface {
	Get(ctx context.Context) (*models.DetectionSettings, error)
	Save(ctx context.Context, s *models.DetectionSettings) error
}
