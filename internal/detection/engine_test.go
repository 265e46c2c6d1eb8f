package detection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/savegress/spendguard/internal/storage"
	"github.com/savegress/spendguard/pkg/models"
)

func newTestEngine() (*Engine, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	engine := NewEngine(store, store, store, DefaultSettings(), 2)
	return engine, store
}

func duplicateRecord(id string, ts time.Time) *models.ExpenseRecord {
	return &models.ExpenseRecord{
		ID:            id,
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(89),
		ExpenseDate:   &ts,
		Description:   "Client dinner",
		ReceiptNumber: "R-77",
		MerchantName:  "Trattoria Roma",
		Location:      &models.Location{Lat: 41.9028, Lng: 12.4964},
	}
}

func TestCheckRecord_DetectsNearDuplicate(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	// Two identical receipts submitted 10 minutes apart with the default
	// threshold of 85: one critical alert with confidence >= 95.
	base := time.Now().Add(-time.Hour)
	first, err := engine.CheckRecord(ctx, duplicateRecord("rec-1", base))
	if err != nil {
		t.Fatalf("first CheckRecord failed: %v", err)
	}
	if len(first.Alerts) != 0 {
		t.Fatalf("first submission produced %d alerts, want 0", len(first.Alerts))
	}

	second, err := engine.CheckRecord(ctx, duplicateRecord("rec-2", base.Add(10*time.Minute)))
	if err != nil {
		t.Fatalf("second CheckRecord failed: %v", err)
	}
	if len(second.Alerts) != 1 {
		t.Fatalf("got %d alerts, want exactly 1", len(second.Alerts))
	}

	alert := second.Alerts[0]
	if alert.Kind != models.AlertKindDuplicateReceipt {
		t.Errorf("Kind = %s, want duplicate_receipt", alert.Kind)
	}
	if alert.ConfidenceScore < 95 {
		t.Errorf("ConfidenceScore = %v, want >= 95", alert.ConfidenceScore)
	}
	if alert.Details.RiskLevel != models.RiskCritical {
		t.Errorf("RiskLevel = %s, want critical", alert.Details.RiskLevel)
	}
	if alert.SubjectRecordID != "rec-2" || alert.RelatedRecordID != "rec-1" {
		t.Errorf("alert references %s/%s, want rec-2/rec-1", alert.SubjectRecordID, alert.RelatedRecordID)
	}
	if alert.Status != models.AlertStatusPending {
		t.Errorf("Status = %s, want pending", alert.Status)
	}
	if !second.AutoFlagged {
		t.Error("AutoFlagged = false, want true with default settings")
	}
}

func TestCheckRecord_CandidateOutsideWindow(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	// The matching fingerprint was recorded 1 hour outside the 24h window
	// around the subject's timestamp: no alert.
	subjectTime := time.Now().Add(-time.Hour)
	seedFingerprint(t, store, "user-1", 89, subjectTime.Add(-25*time.Hour))

	record := &models.ExpenseRecord{
		ID:          "rec-new",
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(89),
		ExpenseDate: &subjectTime,
		Description: "seed 89", // matches the seeded extracted text
	}

	result, err := engine.CheckRecord(ctx, record)
	if err != nil {
		t.Fatalf("CheckRecord failed: %v", err)
	}
	if len(result.Alerts) != 0 {
		t.Errorf("got %d alerts for out-of-window candidate, want 0", len(result.Alerts))
	}
}

func TestCheckRecord_BelowThreshold(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	if _, err := engine.CheckRecord(ctx, duplicateRecord("rec-1", base)); err != nil {
		t.Fatalf("first CheckRecord failed: %v", err)
	}

	// Same window, but different content, amount and a 20h gap.
	other := &models.ExpenseRecord{
		ID:          "rec-2",
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(410),
		ExpenseDate: timePtr(base.Add(20 * time.Hour)),
		Description: "Printer toner order",
	}
	result, err := engine.CheckRecord(ctx, other)
	if err != nil {
		t.Fatalf("second CheckRecord failed: %v", err)
	}
	if len(result.Alerts) != 0 {
		t.Errorf("got %d alerts below threshold, want 0", len(result.Alerts))
	}
}

func TestCheckRecord_RepeatedRunAppendsAlerts(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	if _, err := engine.CheckRecord(ctx, duplicateRecord("rec-1", base)); err != nil {
		t.Fatal(err)
	}
	dup := duplicateRecord("rec-2", base.Add(10*time.Minute))
	if _, err := engine.CheckRecord(ctx, dup); err != nil {
		t.Fatal(err)
	}
	// Re-running the same check appends a second alert for the same pair;
	// the trail is never deduplicated.
	if _, err := engine.CheckRecord(ctx, dup); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 {
		t.Errorf("got %d alerts after re-run, want 2 (append-only)", stats.Total)
	}
}

func TestCheckRecord_DisabledStillFingerprints(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	disabled := false
	if _, err := engine.UpdateSettings(ctx, models.SettingsUpdate{Enabled: &disabled}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	if _, err := engine.CheckRecord(ctx, duplicateRecord("rec-1", base)); err != nil {
		t.Fatal(err)
	}
	result, err := engine.CheckRecord(ctx, duplicateRecord("rec-2", base.Add(10*time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Alerts) != 0 {
		t.Errorf("disabled detection produced %d alerts, want 0", len(result.Alerts))
	}

	// The fingerprint is still recorded while detection is off.
	if _, err := store.GetBySourceRecord(ctx, "rec-2"); err != nil {
		t.Errorf("fingerprint not recorded while disabled: %v", err)
	}
}

func TestCheckRecord_HoldForApproval(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	require := true
	if _, err := engine.UpdateSettings(ctx, models.SettingsUpdate{RequireApproval: &require}); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	if _, err := engine.CheckRecord(ctx, duplicateRecord("rec-1", base)); err != nil {
		t.Fatal(err)
	}
	result, err := engine.CheckRecord(ctx, duplicateRecord("rec-2", base.Add(10*time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if !result.HoldForApproval {
		t.Error("HoldForApproval = false, want true for a critical alert with require_approval on")
	}
}

func TestBulkCheck_IsolatesFailures(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	records := []*models.ExpenseRecord{
		duplicateRecord("rec-1", base),
		{ID: "rec-bad"}, // no amount, no timestamp
		duplicateRecord("rec-2", base.Add(10*time.Minute)),
	}

	result := engine.BulkCheck(ctx, records)

	if len(result.Results) != 2 {
		t.Errorf("got %d successful results, want 2", len(result.Results))
	}
	if len(result.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(result.Failures))
	}
	if result.Failures[0].RecordID != "rec-bad" {
		t.Errorf("failed record = %s, want rec-bad", result.Failures[0].RecordID)
	}
}

func TestBulkCheck_CancelledContextKeepsPartialProgress(t *testing.T) {
	engine, store := newTestEngine()

	ctx, cancel := context.WithCancel(context.Background())
	base := time.Now().Add(-time.Hour)

	// Process one record normally, then cancel before the next batch.
	first := engine.BulkCheck(ctx, []*models.ExpenseRecord{duplicateRecord("rec-1", base)})
	if len(first.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", first.Failures)
	}
	cancel()

	second := engine.BulkCheck(ctx, []*models.ExpenseRecord{duplicateRecord("rec-2", base.Add(time.Minute))})
	if len(second.Results) != 0 {
		t.Errorf("cancelled bulk check produced %d results, want 0", len(second.Results))
	}

	// Fingerprints created before cancellation stay intact.
	if _, err := store.GetBySourceRecord(context.Background(), "rec-1"); err != nil {
		t.Errorf("pre-cancellation fingerprint lost: %v", err)
	}
}

func TestSettings_LazyDefaultCreation(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	if _, err := store.Get(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("settings unexpectedly present before first read: %v", err)
	}

	settings, err := engine.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if !settings.Enabled || settings.DuplicateThreshold != 85 || settings.TimeWindowHours != 24 {
		t.Errorf("unexpected defaults: %+v", settings)
	}

	// The row is now persisted.
	if _, err := store.Get(ctx); err != nil {
		t.Errorf("settings row not persisted after first read: %v", err)
	}
}

func TestUpdateSettings_PartialAndValidated(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	threshold := 90.0
	updated, err := engine.UpdateSettings(ctx, models.SettingsUpdate{DuplicateThreshold: &threshold})
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if updated.DuplicateThreshold != 90 {
		t.Errorf("DuplicateThreshold = %v, want 90", updated.DuplicateThreshold)
	}
	if updated.TimeWindowHours != 24 {
		t.Errorf("TimeWindowHours changed to %v on partial update", updated.TimeWindowHours)
	}

	bad := -1.0
	if _, err := engine.UpdateSettings(ctx, models.SettingsUpdate{TimeWindowHours: &bad}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("negative window accepted: %v", err)
	}
	over := 150.0
	if _, err := engine.UpdateSettings(ctx, models.SettingsUpdate{DuplicateThreshold: &over}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("threshold > 100 accepted: %v", err)
	}
}

func TestAnalyzeUser_PersistsAlerts(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 10; i++ {
		seedFingerprint(t, store, "user-1", 100, now.Add(-time.Duration(i+1)*24*time.Hour))
	}
	seedFingerprint(t, store, "user-1", 10000, now.Add(-12*time.Hour))

	alerts, err := engine.AnalyzeUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("AnalyzeUser failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}

	stored, err := store.List(ctx, storage.AlertFilter{Kind: models.AlertKindAmountManipulation}, storage.Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("got %d persisted anomaly alerts, want 1", len(stored))
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
