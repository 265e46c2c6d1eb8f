// Package alerts manages the review lifecycle of fraud alerts: listing,
// reviewer-attributed status transitions and aggregate statistics.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/savegress/spendguard/internal/storage"
	"github.com/savegress/spendguard/pkg/models"
)

// DefaultPageSize bounds listings when the caller does not pick a limit.
const DefaultPageSize = 50

var (
	// ErrReviewerRequired is returned when a transition carries no reviewer
	// identity. Every move away from pending/reviewed is a human decision
	// and must be attributable.
	ErrReviewerRequired = errors.New("reviewer identity required")

	// ErrInvalidStatus is returned for transitions to a status outside the
	// review state machine.
	ErrInvalidStatus = errors.New("invalid alert status")

	// ErrAlreadyFinal is returned when the alert is already confirmed or
	// dismissed; terminal states accept no further transitions.
	ErrAlreadyFinal = errors.New("alert is in a terminal state")
)

// Manager exposes the alert lifecycle over the repository.
type Manager struct {
	repo storage.AlertRepository
}

// NewManager creates an alert lifecycle manager.
func NewManager(repo storage.AlertRepository) *Manager {
	return &Manager{repo: repo}
}

// Get returns a single alert.
func (m *Manager) Get(ctx context.Context, id string) (*models.FraudAlert, error) {
	return m.repo.GetByID(ctx, id)
}

// List returns alerts newest-first, optionally filtered by status and kind.
func (m *Manager) List(ctx context.Context, filter storage.AlertFilter, page storage.Page) ([]*models.FraudAlert, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return m.repo.List(ctx, filter, page)
}

// Review transitions an alert to the given status and stamps the reviewer
// and review time. Valid targets are reviewed, confirmed and dismissed;
// reviewed is a non-terminal checkpoint that may still move on, while
// confirmed and dismissed are terminal. The underlying update is a
// compare-and-swap on the current status, so two reviewers acting on the
// same alert cannot silently overwrite each other: the loser receives
// storage.ErrConflict.
func (m *Manager) Review(ctx context.Context, id string, status models.AlertStatus, reviewer, notes string) (*models.FraudAlert, error) {
	switch status {
	case models.AlertStatusReviewed, models.AlertStatusConfirmed, models.AlertStatusDismissed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if reviewer == "" {
		return nil, ErrReviewerRequired
	}

	current, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinal, current.Status)
	}

	reviewedAt := time.Now()
	if err := m.repo.UpdateStatus(ctx, id, current.Status, status, reviewer, notes, reviewedAt); err != nil {
		return nil, err
	}

	current.Status = status
	current.ReviewedBy = reviewer
	current.ReviewedAt = &reviewedAt
	current.Notes = notes
	return current, nil
}

// Stats aggregates alert counts by status, risk level and kind. Pure read,
// no side effects.
func (m *Manager) Stats(ctx context.Context) (*models.AlertStats, error) {
	return m.repo.Stats(ctx)
}
