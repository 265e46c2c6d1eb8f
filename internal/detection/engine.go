package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/savegress/spendguard/internal/storage"
	"github.com/savegress/spendguard/pkg/models"
	"github.com/savegress/spendguard/pkg/workerpool"
)

// ErrInvalidSettings is returned when a settings update violates the
// numeric bounds (threshold/tolerance 0-100, window and radius positive).
var ErrInvalidSettings = errors.New("invalid detection settings")

// DefaultSettings returns the built-in detection thresholds. They seed the
// settings row on first read and serve as the fallback when the settings
// store is unreachable: detection degrades gracefully instead of blocking
// expense submission.
func DefaultSettings() models.DetectionSettings {
	return models.DetectionSettings{
		Enabled:            true,
		DuplicateThreshold: 85,
		AmountTolerancePct: 5,
		TimeWindowHours:    24,
		LocationRadiusKm:   1,
		AutoFlagSuspicious: true,
		RequireApproval:    false,
	}
}

// Engine is the detection facade exposed to the surrounding expense system.
// It owns fingerprints and alerts; expense records remain owned by the
// caller and are only referenced.
type Engine struct {
	fingerprints storage.FingerprintRepository
	alerts       storage.AlertRepository
	settings     storage.SettingsRepository

	extractor *Extractor
	search    *DuplicateSearch
	analyzer  *PatternAnalyzer

	defaults models.DetectionSettings
	workers  int
}

// NewEngine wires the engine with injected repositories. workers bounds the
// parallelism of BulkCheck.
func NewEngine(fingerprints storage.FingerprintRepository, alerts storage.AlertRepository, settings storage.SettingsRepository, defaults models.DetectionSettings, workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	scorer := NewScorer()
	return &Engine{
		fingerprints: fingerprints,
		alerts:       alerts,
		settings:     settings,
		extractor:    NewExtractor(fingerprints),
		search:       NewDuplicateSearch(fingerprints, scorer),
		analyzer:     NewPatternAnalyzer(fingerprints),
		defaults:     defaults,
		workers:      workers,
	}
}

// CheckResult is the outcome of a single-record duplicate check.
type CheckResult struct {
	RecordID string              `json:"record_id"`
	Alerts   []*models.FraudAlert `json:"alerts"`

	// AutoFlagged reports that the record matched at least one duplicate
	// while auto-flagging is enabled.
	AutoFlagged bool `json:"auto_flagged"`

	// HoldForApproval surfaces the require-approval policy to the caller's
	// approval workflow: true when a critical pending alert was created and
	// settings demand approval. Enforcement is the caller's contract.
	HoldForApproval bool `json:"hold_for_approval"`
}

// RecordFailure captures a per-record error inside a bulk check.
type RecordFailure struct {
	RecordID string `json:"record_id"`
	Error    string `json:"error"`
}

// BulkResult aggregates a bulk check. Failures never abort the batch; each
// record succeeds or fails independently.
type BulkResult struct {
	Results  []*CheckResult  `json:"results"`
	Failures []RecordFailure `json:"failures,omitempty"`
}

// CheckRecord fingerprints the record (side effect: the fingerprint is
// persisted, upsert by record ID) and searches the configured time window
// for duplicates. Alerts above the threshold are persisted in pending state.
func (e *Engine) CheckRecord(ctx context.Context, record *models.ExpenseRecord) (*CheckResult, error) {
	settings := e.settingsOrDefault(ctx)

	fp, err := e.extractor.Extract(ctx, record)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{RecordID: record.ID}
	if !settings.Enabled {
		// The fingerprint is still recorded so the historical index keeps
		// growing while detection is switched off.
		return result, nil
	}

	alerts, err := e.search.FindDuplicates(ctx, fp, settings)
	if err != nil {
		return nil, err
	}
	for _, alert := range alerts {
		if err := e.alerts.Create(ctx, alert); err != nil {
			return nil, fmt.Errorf("persist alert: %w", err)
		}
	}

	result.Alerts = alerts
	result.AutoFlagged = settings.AutoFlagSuspicious && len(alerts) > 0
	if settings.RequireApproval {
		for _, alert := range alerts {
			if alert.Details.RiskLevel == models.RiskCritical {
				result.HoldForApproval = true
				break
			}
		}
	}
	return result, nil
}

// BulkCheck runs CheckRecord over the batch with bounded parallelism.
// Records are independent; one record's failure is captured in the result
// instead of aborting the batch. A cancelled context leaves already-created
// fingerprints and alerts intact, and a retry is idempotent on the
// fingerprint side thanks to the upsert contract.
func (e *Engine) BulkCheck(ctx context.Context, records []*models.ExpenseRecord) *BulkResult {
	pool := workerpool.New(workerpool.Config{Workers: e.workers, QueueSize: len(records)})
	defer pool.Shutdown()

	var mu sync.Mutex
	out := &BulkResult{}

	for _, record := range records {
		record := record
		err := pool.Submit(ctx, func(taskCtx context.Context) {
			res, err := e.CheckRecord(taskCtx, record)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failures = append(out.Failures, RecordFailure{RecordID: record.ID, Error: err.Error()})
				return
			}
			out.Results = append(out.Results, res)
		})
		if err != nil {
			mu.Lock()
			out.Failures = append(out.Failures, RecordFailure{RecordID: record.ID, Error: err.Error()})
			mu.Unlock()
		}
	}
	pool.Wait()
	return out
}

// AnalyzeUser runs the statistical spending sweep for one user and persists
// any findings. Scheduling periodic sweeps is the caller's responsibility.
func (e *Engine) AnalyzeUser(ctx context.Context, userID string) ([]*models.FraudAlert, error) {
	settings := e.settingsOrDefault(ctx)
	if !settings.Enabled {
		return nil, nil
	}

	alerts, err := e.analyzer.AnalyzeUser(ctx, userID, DefaultLookbackMonths)
	if err != nil {
		return nil, err
	}
	for _, alert := range alerts {
		if err := e.alerts.Create(ctx, alert); err != nil {
			return nil, fmt.Errorf("persist alert: %w", err)
		}
	}
	return alerts, nil
}

// Settings returns the stored settings, creating the row with defaults on
// first access.
func (e *Engine) Settings(ctx context.Context) (*models.DetectionSettings, error) {
	current, err := e.settings.Get(ctx)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	seeded := e.defaults
	seeded.UpdatedAt = time.Now()
	if err := e.settings.Save(ctx, &seeded); err != nil {
		return nil, err
	}
	return &seeded, nil
}

// UpdateSettings applies a partial update, validates the result and stores
// it. The settings row is never deleted.
func (e *Engine) UpdateSettings(ctx context.Context, update models.SettingsUpdate) (*models.DetectionSettings, error) {
	current, err := e.Settings(ctx)
	if err != nil {
		return nil, err
	}

	if update.Enabled != nil {
		current.Enabled = *update.Enabled
	}
	if update.DuplicateThreshold != nil {
		current.DuplicateThreshold = *update.DuplicateThreshold
	}
	if update.AmountTolerancePct != nil {
		current.AmountTolerancePct = *update.AmountTolerancePct
	}
	if update.TimeWindowHours != nil {
		current.TimeWindowHours = *update.TimeWindowHours
	}
	if update.LocationRadiusKm != nil {
		current.LocationRadiusKm = *update.LocationRadiusKm
	}
	if update.AutoFlagSuspicious != nil {
		current.AutoFlagSuspicious = *update.AutoFlagSuspicious
	}
	if update.RequireApproval != nil {
		current.RequireApproval = *update.RequireApproval
	}

	if err := validateSettings(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = time.Now()
	if err := e.settings.Save(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

func validateSettings(s *models.DetectionSettings) error {
	if s.DuplicateThreshold < 0 || s.DuplicateThreshold > 100 {
		return fmt.Errorf("%w: duplicate threshold must be 0-100", ErrInvalidSettings)
	}
	if s.AmountTolerancePct < 0 || s.AmountTolerancePct > 100 {
		return fmt.Errorf("%w: amount tolerance must be 0-100", ErrInvalidSettings)
	}
	if s.TimeWindowHours <= 0 {
		return fmt.Errorf("%w: time window must be positive", ErrInvalidSettings)
	}
	if s.LocationRadiusKm <= 0 {
		return fmt.Errorf("%w: location radius must be positive", ErrInvalidSettings)
	}
	return nil
}

// settingsOrDefault reads the stored settings but never fails: an
// unreachable settings store falls back to the built-in defaults so the
// detection path stays an advisory side-channel.
func (e *Engine) settingsOrDefault(ctx context.Context) *models.DetectionSettings {
	settings, err := e.Settings(ctx)
	if err != nil {
		fallback := e.defaults
		return &fallback
	}
	return settings
}
