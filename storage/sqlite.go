// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage persists switch records in SQLite.
//
// Every write of accounting fields goes through CompareAndUpdate, which is
// conditioned on the record version read by the caller. Two transitions on
// the same switch therefore never interleave: the loser sees
// ErrVersionConflict and must re-read.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/soothill/switchmeter/pkg/logger"
	"github.com/soothill/switchmeter/switches"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

const (
	dirPermissions  = 0750
	filePermissions = 0600
	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute
	timeLayout      = time.RFC3339Nano
)

const selectColumns = `id, switch_id, name, is_on, last_on_time, minutes_on, power_rating,
	electricity_rate, power_consumed, bill_amount, version, created_at, updated_at`

// Config holds SQLite connection settings.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	WALMode     bool
}

// SQLiteStore is the durable switch record store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path and
// applies the schema.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, apperrors.NewStorageError("open", "", fmt.Errorf("database path cannot be empty"))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, apperrors.NewStorageError("open", "", fmt.Errorf("creating database directory: %w", err))
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.NewStorageError("open", "", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("ping", "", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("migrate", "", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	logger.Info().Str("path", cfg.Path).Bool("wal", cfg.WALMode).Msg("Opened switch database")

	return &SQLiteStore{db: db, path: cfg.Path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	logger.Info().Str("path", s.path).Msg("Closing switch database")
	if err := s.db.Close(); err != nil {
		return apperrors.NewStorageError("close", "", err)
	}
	return nil
}

// HealthCheck verifies the database answers a trivial query.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return apperrors.NewStorageError("health", "", err)
	}
	return nil
}

// Get loads a record by store id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*switches.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM switches WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, wrapLookupError("get", strconv.FormatInt(id, 10), err)
	}
	return rec, nil
}

// GetBySwitchID loads a record by its normalized external identity.
func (s *SQLiteStore) GetBySwitchID(ctx context.Context, switchID string) (*switches.Record, error) {
	if switchID == "" {
		return nil, apperrors.NewStorageError("get", "", apperrors.ErrSwitchNotFound)
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM switches WHERE switch_id = ?", switchID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, wrapLookupError("get", switchID, err)
	}
	return rec, nil
}

// Resolve maps a client-supplied identity to a record. A decimal identity
// is tried as a store id first; anything else, or a numeric id with no
// record, is normalized and looked up as a switchId.
func (s *SQLiteStore) Resolve(ctx context.Context, identity string) (*switches.Record, error) {
	identity = strings.TrimSpace(identity)
	if id, err := strconv.ParseInt(identity, 10, 64); err == nil {
		rec, err := s.Get(ctx, id)
		if err == nil || !errors.Is(err, apperrors.ErrSwitchNotFound) {
			return rec, err
		}
	}
	return s.GetBySwitchID(ctx, switches.NormalizeSwitchID(identity))
}

// List returns every record ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]*switches.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM switches ORDER BY id")
	if err != nil {
		return nil, apperrors.NewStorageError("list", "", err)
	}
	defer rows.Close()

	var out []*switches.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("list", "", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("list", "", err)
	}
	return out, nil
}

// Count returns the number of stored switches.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM switches").Scan(&n); err != nil {
		return 0, apperrors.NewStorageError("count", "", err)
	}
	return n, nil
}

// Create inserts rec and returns it with its assigned id. A duplicate
// switchId yields ErrSwitchExists.
func (s *SQLiteStore) Create(ctx context.Context, rec *switches.Record) (*switches.Record, error) {
	out := rec.Clone()
	res, err := s.db.ExecContext(ctx, `INSERT INTO switches
		(switch_id, name, is_on, last_on_time, minutes_on, power_rating, electricity_rate,
		 power_consumed, bill_amount, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		nullString(out.SwitchID), out.Name, out.IsOn, formatTime(out.LastOnTime), out.MinutesOn,
		out.PowerRating, out.ElectricityRate, out.PowerConsumed, out.BillAmount,
		out.CreatedAt.UTC().Format(timeLayout), out.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.NewStorageError("create", out.SwitchID, apperrors.ErrSwitchExists)
		}
		return nil, apperrors.NewStorageError("create", out.SwitchID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.NewStorageError("create", out.SwitchID, err)
	}
	out.ID = id
	out.Version = 0
	return out, nil
}

// CompareAndUpdate writes the state and accumulator fields of rec only if
// the stored version still equals rec.Version. On success the returned copy
// carries the new version. A stale version yields ErrVersionConflict and a
// missing row ErrSwitchNotFound; in both cases nothing is written.
func (s *SQLiteStore) CompareAndUpdate(ctx context.Context, rec *switches.Record) (*switches.Record, error) {
	deviceID := switches.DeviceIdentity(rec)
	res, err := s.db.ExecContext(ctx, `UPDATE switches SET
		is_on = ?, last_on_time = ?, minutes_on = ?, power_consumed = ?, bill_amount = ?,
		updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rec.IsOn, formatTime(rec.LastOnTime), rec.MinutesOn, rec.PowerConsumed, rec.BillAmount,
		rec.UpdatedAt.UTC().Format(timeLayout), rec.ID, rec.Version)
	if err != nil {
		return nil, apperrors.NewStorageError("compare-and-update", deviceID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.NewStorageError("compare-and-update", deviceID, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM switches WHERE id = ?", rec.ID).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, apperrors.NewStorageError("compare-and-update", deviceID, apperrors.ErrSwitchNotFound)
		case err != nil:
			return nil, apperrors.NewStorageError("compare-and-update", deviceID, err)
		default:
			return nil, apperrors.NewStorageError("compare-and-update", deviceID, apperrors.ErrVersionConflict)
		}
	}

	out := rec.Clone()
	out.Version = rec.Version + 1
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*switches.Record, error) {
	var (
		rec                  switches.Record
		switchID, lastOnTime sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&rec.ID, &switchID, &rec.Name, &rec.IsOn, &lastOnTime, &rec.MinutesOn,
		&rec.PowerRating, &rec.ElectricityRate, &rec.PowerConsumed, &rec.BillAmount,
		&rec.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.SwitchID = switchID.String
	if lastOnTime.Valid {
		t, err := time.Parse(timeLayout, lastOnTime.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_on_time: %w", err)
		}
		rec.LastOnTime = &t
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

func wrapLookupError(op, key string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewStorageError(op, key, apperrors.ErrSwitchNotFound)
	}
	return apperrors.NewStorageError(op, key, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}
