package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/savegress/spendguard/pkg/models"
)

// MemoryStore is a thread-safe in-memory implementation of all three
// repositories. It backs the test suites and zero-setup deployments; the
// SQLite store is the durable alternative.
type MemoryStore struct {
	mu sync.RWMutex

	fingerprints map[string]*models.ReceiptFingerprint // keyed by SourceRecordID
	alerts       map[string]*models.FraudAlert
	alertOrder   []string // creation order, for stable newest-first listings
	settings     *models.DetectionSettings
}

// NewMemoryStore creates an empty, ready-to-use store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fingerprints: make(map[string]*models.ReceiptFingerprint),
		alerts:       make(map[string]*models.FraudAlert),
	}
}

// Upsert inserts or replaces the fingerprint for a source record. The
// replacement keeps the original row ID and CreatedAt so re-submission is
// idempotent rather than re-indexing the receipt under a new identity.
func (s *MemoryStore) Upsert(ctx context.Context, fp *models.ReceiptFingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.fingerprints[fp.SourceRecordID]; ok {
		fp.ID = existing.ID
		fp.CreatedAt = existing.CreatedAt
	}
	cp := *fp
	s.fingerprints[fp.SourceRecordID] = &cp
	return nil
}

func (s *MemoryStore) GetBySourceRecord(ctx context.Context, sourceRecordID string) (*models.ReceiptFingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	fp, ok := s.fingerprints[sourceRecordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fp
	return &cp, nil
}

func (s *MemoryStore) ListInWindow(ctx context.Context, from, to time.Time, excludeSourceRecordID string) ([]*models.ReceiptFingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReceiptFingerprint
	for _, fp := range s.fingerprints {
		if fp.SourceRecordID == excludeSourceRecordID {
			continue
		}
		if fp.CreatedAt.Before(from) || fp.CreatedAt.After(to) {
			continue
		}
		cp := *fp
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListByUserSince(ctx context.Context, userID string, since time.Time) ([]*models.ReceiptFingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReceiptFingerprint
	for _, fp := range s.fingerprints {
		if fp.UserID != userID || fp.Timestamp.Before(since) {
			continue
		}
		cp := *fp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Create appends a new alert.
func (s *MemoryStore) Create(ctx context.Context, alert *models.FraudAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *alert
	s.alerts[alert.ID] = &cp
	s.alertOrder = append(s.alertOrder, alert.ID)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*models.FraudAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *alert
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, filter AlertFilter, page Page) ([]*models.FraudAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.FraudAlert
	// Walk creation order backwards so ties on CreatedAt stay newest-first.
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		alert := s.alerts[s.alertOrder[i]]
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && alert.Kind != filter.Kind {
			continue
		}
		cp := *alert
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if page.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[page.Offset:]
	if page.Limit > 0 && page.Limit < len(matched) {
		matched = matched[:page.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to models.AlertStatus, reviewer, notes string, reviewedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if alert.Status != from {
		return ErrConflict
	}
	alert.Status = to
	alert.ReviewedBy = reviewer
	alert.Notes = notes
	alert.ReviewedAt = &reviewedAt
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*models.AlertStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.AlertStats{
		ByRiskLevel: make(map[models.RiskLevel]int),
		ByKind:      make(map[models.AlertKind]int),
	}
	for _, alert := range s.alerts {
		stats.Total++
		stats.ByRiskLevel[alert.Details.RiskLevel]++
		stats.ByKind[alert.Kind]++

		switch alert.Status {
		case models.AlertStatusPending:
			stats.Pending++
		case models.AlertStatusReviewed:
			stats.Reviewed++
		case models.AlertStatusConfirmed:
			stats.Confirmed++
		case models.AlertStatusDismissed:
			stats.Dismissed++
		}
	}
	return stats, nil
}

// Get returns the settings singleton, ErrNotFound before first Save.
func (s *MemoryStore) Get(ctx context.Context) (*models.DetectionSettings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, ErrNotFound
	}
	cp := *s.settings
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, settings *models.DetectionSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.settings = &cp
	return nil
}
