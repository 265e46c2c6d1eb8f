package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/savegress/spendguard/pkg/models"
)

func fingerprint(sourceID, userID string, amount int64, ts time.Time) *models.ReceiptFingerprint {
	return &models.ReceiptFingerprint{
		ID:             uuid.NewString(),
		SourceRecordID: sourceID,
		UserID:         userID,
		ContentHash:    fmt.Sprintf("hash-%s", sourceID),
		Amount:         decimal.NewFromInt(amount),
		Timestamp:      ts,
		ExtractedText:  "receipt " + sourceID,
		CreatedAt:      ts,
	}
}

func alert(id string, status models.AlertStatus, createdAt time.Time) *models.FraudAlert {
	return &models.FraudAlert{
		ID:              id,
		SubjectRecordID: "rec-subject",
		RelatedRecordID: "rec-related",
		ConfidenceScore: 90,
		Kind:            models.AlertKindDuplicateReceipt,
		Details:         models.AlertDetails{RiskLevel: models.RiskHigh},
		Status:          status,
		CreatedAt:       createdAt,
	}
}

func TestMemoryStore_UpsertKeepsIdentity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ts := time.Now().Add(-time.Hour)
	first := fingerprint("rec-1", "user-1", 50, ts)
	if err := store.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	resubmit := fingerprint("rec-1", "user-1", 75, time.Now())
	if err := store.Upsert(ctx, resubmit); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	stored, err := store.GetBySourceRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetBySourceRecord failed: %v", err)
	}
	if stored.ID != first.ID {
		t.Errorf("row ID changed on upsert: %s -> %s", first.ID, stored.ID)
	}
	if !stored.CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt changed on upsert: %v", stored.CreatedAt)
	}
	if !stored.Amount.Equal(decimal.NewFromInt(75)) {
		t.Errorf("Amount not updated: %s", stored.Amount)
	}

	if _, err := store.GetBySourceRecord(ctx, "rec-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListInWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	inWindow := fingerprint("rec-in", "user-1", 10, now.Add(-2*time.Hour))
	boundary := fingerprint("rec-edge", "user-1", 10, now.Add(-24*time.Hour))
	outside := fingerprint("rec-out", "user-1", 10, now.Add(-25*time.Hour))
	excluded := fingerprint("rec-self", "user-1", 10, now.Add(-time.Hour))
	for _, fp := range []*models.ReceiptFingerprint{inWindow, boundary, outside, excluded} {
		if err := store.Upsert(ctx, fp); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListInWindow(ctx, now.Add(-24*time.Hour), now, "rec-self")
	if err != nil {
		t.Fatalf("ListInWindow failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d fingerprints, want 2 (boundary inclusive, self excluded)", len(got))
	}
	for _, fp := range got {
		if fp.SourceRecordID == "rec-out" || fp.SourceRecordID == "rec-self" {
			t.Errorf("unexpected fingerprint %s in window", fp.SourceRecordID)
		}
	}
}

func TestMemoryStore_ListByUserSince(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	for _, fp := range []*models.ReceiptFingerprint{
		fingerprint("rec-1", "user-1", 10, now.Add(-48*time.Hour)),
		fingerprint("rec-2", "user-1", 20, now.Add(-2*time.Hour)),
		fingerprint("rec-old", "user-1", 30, now.AddDate(0, -6, 0)),
		fingerprint("rec-other", "user-2", 40, now.Add(-time.Hour)),
	} {
		if err := store.Upsert(ctx, fp); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListByUserSince(ctx, "user-1", now.AddDate(0, -3, 0))
	if err != nil {
		t.Fatalf("ListByUserSince failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d fingerprints, want 2", len(got))
	}
	// Ascending by timestamp.
	if got[0].SourceRecordID != "rec-1" || got[1].SourceRecordID != "rec-2" {
		t.Errorf("order = %s, %s", got[0].SourceRecordID, got[1].SourceRecordID)
	}
}

func TestMemoryStore_ReturnedCopiesAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, fingerprint("rec-1", "user-1", 10, time.Now())); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetBySourceRecord(ctx, "rec-1")
	if err != nil {
		t.Fatal(err)
	}
	got.UserID = "tampered"

	fresh, err := store.GetBySourceRecord(ctx, "rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.UserID != "user-1" {
		t.Error("mutation of a returned fingerprint leaked into the store")
	}
}

func TestMemoryStore_UpdateStatusCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := alert("a-1", models.AlertStatusPending, time.Now())
	if err := store.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := store.UpdateStatus(ctx, "a-1", models.AlertStatusPending, models.AlertStatusConfirmed, "rev@corp", "ok", now); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := store.GetByID(ctx, "a-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.AlertStatusConfirmed || got.ReviewedBy != "rev@corp" || got.ReviewedAt == nil {
		t.Errorf("alert after update: %+v", got)
	}

	// Stale expected status loses.
	if err := store.UpdateStatus(ctx, "a-1", models.AlertStatusPending, models.AlertStatusDismissed, "late@corp", "", now); !errors.Is(err, ErrConflict) {
		t.Errorf("stale update: err = %v, want ErrConflict", err)
	}
	if err := store.UpdateStatus(ctx, "a-missing", models.AlertStatusPending, models.AlertStatusConfirmed, "rev@corp", "", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing alert: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListOrderAndPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 4; i++ {
		a := alert(fmt.Sprintf("a-%d", i), models.AlertStatusPending, base.Add(time.Duration(i)*time.Second))
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.List(ctx, AlertFilter{}, Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a-3" || got[1].ID != "a-2" {
		t.Errorf("first page = %v", ids(got))
	}

	rest, err := store.List(ctx, AlertFilter{}, Page{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].ID != "a-1" || rest[1].ID != "a-0" {
		t.Errorf("second page = %v", ids(rest))
	}

	past, err := store.List(ctx, AlertFilter{}, Page{Limit: 2, Offset: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(past) != 0 {
		t.Errorf("offset past end returned %d alerts", len(past))
	}
}

func TestMemoryStore_SettingsSingleton(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before Save: err = %v, want ErrNotFound", err)
	}

	settings := &models.DetectionSettings{
		Enabled:            true,
		DuplicateThreshold: 85,
		TimeWindowHours:    24,
		UpdatedAt:          time.Now(),
	}
	if err := store.Save(ctx, settings); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DuplicateThreshold != 85 {
		t.Errorf("DuplicateThreshold = %v, want 85", got.DuplicateThreshold)
	}

	// Saving again replaces, never duplicates.
	settings.DuplicateThreshold = 90
	if err := store.Save(ctx, settings); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.DuplicateThreshold != 90 {
		t.Errorf("DuplicateThreshold after second save = %v, want 90", got.DuplicateThreshold)
	}
}

func TestMemoryStore_RespectsContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Upsert(ctx, fingerprint("rec-1", "user-1", 10, time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("Upsert with cancelled ctx: err = %v", err)
	}
	if _, err := store.List(ctx, AlertFilter{}, Page{}); !errors.Is(err, context.Canceled) {
		t.Errorf("List with cancelled ctx: err = %v", err)
	}
}

func ids(alerts []*models.FraudAlert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}
