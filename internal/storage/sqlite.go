package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/savegress/spendguard/pkg/models"
)

// SQLiteStore is the embedded durable implementation of all three
// repositories. The fingerprint upsert relies on the UNIQUE constraint on
// source_record_id, and status transitions are guarded by a WHERE clause on
// the expected current status, so both are atomic at the database layer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database under dataPath.
func NewSQLiteStore(dataPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "spendguard.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fingerprints (
		id TEXT PRIMARY KEY,
		source_record_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		amount TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		location TEXT,
		merchant TEXT,
		extracted_text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fingerprints_created ON fingerprints(created_at);
	CREATE INDEX IF NOT EXISTS idx_fingerprints_user_ts ON fingerprints(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		subject_record_id TEXT NOT NULL,
		related_record_id TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		kind TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		details TEXT NOT NULL,
		status TEXT NOT NULL,
		reviewed_by TEXT,
		reviewed_at INTEGER,
		notes TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_kind ON alerts(kind);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);

	CREATE TABLE IF NOT EXISTS detection_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL,
		duplicate_threshold REAL NOT NULL,
		amount_tolerance_pct REAL NOT NULL,
		time_window_hours REAL NOT NULL,
		location_radius_km REAL NOT NULL,
		auto_flag_suspicious INTEGER NOT NULL,
		require_approval INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// FingerprintRepository
// =============================================================================

func (s *SQLiteStore) Upsert(ctx context.Context, fp *models.ReceiptFingerprint) error {
	location, err := marshalOptional(fp.Location)
	if err != nil {
		return err
	}
	merchant, err := marshalOptional(fp.Merchant)
	if err != nil {
		return err
	}

	// ON CONFLICT keeps the original id and created_at so re-submission of
	// the same source record is idempotent.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fingerprints
			(id, source_record_id, user_id, content_hash, amount, timestamp, location, merchant, extracted_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_record_id) DO UPDATE SET
			user_id = excluded.user_id,
			content_hash = excluded.content_hash,
			amount = excluded.amount,
			timestamp = excluded.timestamp,
			location = excluded.location,
			merchant = excluded.merchant,
			extracted_text = excluded.extracted_text`,
		fp.ID, fp.SourceRecordID, fp.UserID, fp.ContentHash, fp.Amount.String(),
		fp.Timestamp.UnixNano(), location, merchant, fp.ExtractedText, fp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetBySourceRecord(ctx context.Context, sourceRecordID string) (*models.ReceiptFingerprint, error) {
	row := s.db.QueryRowContext(ctx, fingerprintSelect+` WHERE source_record_id = ?`, sourceRecordID)
	return scanFingerprint(row)
}

func (s *SQLiteStore) ListInWindow(ctx context.Context, from, to time.Time, excludeSourceRecordID string) ([]*models.ReceiptFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, fingerprintSelect+`
		WHERE created_at BETWEEN ? AND ? AND source_record_id != ?`,
		from.UnixNano(), to.UnixNano(), excludeSourceRecordID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return collectFingerprints(rows)
}

func (s *SQLiteStore) ListByUserSince(ctx context.Context, userID string, since time.Time) ([]*models.ReceiptFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, fingerprintSelect+`
		WHERE user_id = ? AND timestamp >= ? ORDER BY timestamp`,
		userID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return collectFingerprints(rows)
}

const fingerprintSelect = `
	SELECT id, source_record_id, user_id, content_hash, amount, timestamp, location, merchant, extracted_text, created_at
	FROM fingerprints`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (*models.ReceiptFingerprint, error) {
	var fp models.ReceiptFingerprint
	var amount string
	var ts, createdAt int64
	var location, merchant sql.NullString

	err := row.Scan(&fp.ID, &fp.SourceRecordID, &fp.UserID, &fp.ContentHash,
		&amount, &ts, &location, &merchant, &fp.ExtractedText, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	fp.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q: %v", ErrStorageUnavailable, amount, err)
	}
	fp.Timestamp = time.Unix(0, ts)
	fp.CreatedAt = time.Unix(0, createdAt)
	if err := unmarshalOptional(location, &fp.Location); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(merchant, &fp.Merchant); err != nil {
		return nil, err
	}
	return &fp, nil
}

func collectFingerprints(rows *sql.Rows) ([]*models.ReceiptFingerprint, error) {
	var out []*models.ReceiptFingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// =============================================================================
// AlertRepository
// =============================================================================

func (s *SQLiteStore) Create(ctx context.Context, alert *models.FraudAlert) error {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts
			(id, subject_record_id, related_record_id, confidence_score, kind, risk_level, details, status, reviewed_by, reviewed_at, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.SubjectRecordID, alert.RelatedRecordID, alert.ConfidenceScore,
		string(alert.Kind), string(alert.Details.RiskLevel), string(details),
		string(alert.Status), nullString(alert.ReviewedBy), nullTime(alert.ReviewedAt),
		nullString(alert.Notes), alert.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*models.FraudAlert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE id = ?`, id)
	return scanAlert(row)
}

func (s *SQLiteStore) List(ctx context.Context, filter AlertFilter, page Page) ([]*models.FraudAlert, error) {
	query := alertSelect + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if page.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, page.Limit, page.Offset)
	} else if page.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*models.FraudAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to models.AlertStatus, reviewer, notes string, reviewedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = ?, reviewed_by = ?, reviewed_at = ?, notes = ?
		WHERE id = ? AND status = ?`,
		string(to), reviewer, reviewedAt.UnixNano(), notes, id, string(from))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		// Distinguish a lost CAS race from a missing alert.
		if _, err := s.GetByID(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*models.AlertStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, risk_level, kind, COUNT(*)
		FROM alerts
		GROUP BY status, risk_level, kind`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	stats := &models.AlertStats{
		ByRiskLevel: make(map[models.RiskLevel]int),
		ByKind:      make(map[models.AlertKind]int),
	}
	for rows.Next() {
		var status, risk, kind string
		var count int
		if err := rows.Scan(&status, &risk, &kind, &count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		stats.Total += count
		stats.ByRiskLevel[models.RiskLevel(risk)] += count
		stats.ByKind[models.AlertKind(kind)] += count

		switch models.AlertStatus(status) {
		case models.AlertStatusPending:
			stats.Pending += count
		case models.AlertStatusReviewed:
			stats.Reviewed += count
		case models.AlertStatusConfirmed:
			stats.Confirmed += count
		case models.AlertStatusDismissed:
			stats.Dismissed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return stats, nil
}

const alertSelect = `
	SELECT id, subject_record_id, related_record_id, confidence_score, kind, details, status, reviewed_by, reviewed_at, notes, created_at
	FROM alerts`

func scanAlert(row rowScanner) (*models.FraudAlert, error) {
	var alert models.FraudAlert
	var kind, status, details string
	var reviewedBy, notes sql.NullString
	var reviewedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&alert.ID, &alert.SubjectRecordID, &alert.RelatedRecordID,
		&alert.ConfidenceScore, &kind, &details, &status, &reviewedBy, &reviewedAt,
		&notes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	alert.Kind = models.AlertKind(kind)
	alert.Status = models.AlertStatus(status)
	if err := json.Unmarshal([]byte(details), &alert.Details); err != nil {
		return nil, fmt.Errorf("%w: bad details: %v", ErrStorageUnavailable, err)
	}
	alert.ReviewedBy = reviewedBy.String
	alert.Notes = notes.String
	if reviewedAt.Valid {
		t := time.Unix(0, reviewedAt.Int64)
		alert.ReviewedAt = &t
	}
	alert.CreatedAt = time.Unix(0, createdAt)
	return &alert, nil
}

// =============================================================================
// SettingsRepository
// =============================================================================

func (s *SQLiteStore) Get(ctx context.Context) (*models.DetectionSettings, error) {
	var out models.DetectionSettings
	var enabled, autoFlag, requireApproval int
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, duplicate_threshold, amount_tolerance_pct, time_window_hours,
		       location_radius_km, auto_flag_suspicious, require_approval, updated_at
		FROM detection_settings WHERE id = 1`).Scan(
		&enabled, &out.DuplicateThreshold, &out.AmountTolerancePct, &out.TimeWindowHours,
		&out.LocationRadiusKm, &autoFlag, &requireApproval, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	out.Enabled = enabled != 0
	out.AutoFlagSuspicious = autoFlag != 0
	out.RequireApproval = requireApproval != 0
	out.UpdatedAt = time.Unix(0, updatedAt)
	return &out, nil
}

func (s *SQLiteStore) Save(ctx context.Context, settings *models.DetectionSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detection_settings
			(id, enabled, duplicate_threshold, amount_tolerance_pct, time_window_hours,
			 location_radius_km, auto_flag_suspicious, require_approval, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			duplicate_threshold = excluded.duplicate_threshold,
			amount_tolerance_pct = excluded.amount_tolerance_pct,
			time_window_hours = excluded.time_window_hours,
			location_radius_km = excluded.location_radius_km,
			auto_flag_suspicious = excluded.auto_flag_suspicious,
			require_approval = excluded.require_approval,
			updated_at = excluded.updated_at`,
		boolInt(settings.Enabled), settings.DuplicateThreshold, settings.AmountTolerancePct,
		settings.TimeWindowHours, settings.LocationRadiusKm,
		boolInt(settings.AutoFlagSuspicious), boolInt(settings.RequireApproval),
		settings.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func marshalOptional(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *models.Location:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *models.Merchant:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalOptional[T any](src sql.NullString, dst **T) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(src.String), &v); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	*dst = &v
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
