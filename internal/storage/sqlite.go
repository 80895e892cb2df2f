// Package storage implements the insurance record store on SQLite.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"polisbot/internal/registry"
	"polisbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed record store.
func Open(cfg Config, log logx.Logger) (registry.Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, rec registry.Record) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records(plate_id, vehicle_name, expires_at, registered_by, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(plate_id) DO NOTHING`,
		rec.PlateID, rec.VehicleName, rec.ExpiresAt.UnixMilli(), rec.RegisteredBy, rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		s.log.Warn("record insert rejected", logx.String("op", "duplicate"), logx.String("plate", rec.PlateID))
		return fmt.Errorf("%w: %s", registry.ErrDuplicatePlate, rec.PlateID)
	}
	s.log.Info("record stored", logx.String("op", "insert"), logx.String("plate", rec.PlateID))
	return nil
}

func (s *sqliteStore) FindByPlate(ctx context.Context, plate string) (registry.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT plate_id, vehicle_name, expires_at, registered_by, updated_at
		 FROM records WHERE plate_id = ?`, plate)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Record{}, fmt.Errorf("%w: %s", registry.ErrNotFound, plate)
	}
	return rec, err
}

func (s *sqliteStore) Search(ctx context.Context, query string, limit int) ([]registry.Record, error) {
	if limit <= 0 {
		limit = 25
	}
	q := strings.ToLower(strings.TrimSpace(query))
	rows, err := s.db.QueryContext(ctx,
		`SELECT plate_id, vehicle_name, expires_at, registered_by, updated_at
		 FROM records
		 WHERE instr(lower(vehicle_name), ?) > 0 OR instr(lower(plate_id), ?) > 0
		 ORDER BY plate_id
		 LIMIT ?`, q, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *sqliteStore) UpdateExpiry(ctx context.Context, plate string, expiresAt, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET expires_at = ?, updated_at = ? WHERE plate_id = ?`,
		expiresAt.UnixMilli(), updatedAt.UnixMilli(), plate)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, plate)
	}
	s.log.Info("record stored", logx.String("op", "update"), logx.String("plate", plate), logx.Time("expires_at", expiresAt))
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, plate string) (registry.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM records WHERE plate_id = ?
		 RETURNING plate_id, vehicle_name, expires_at, registered_by, updated_at`, plate)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Record{}, fmt.Errorf("%w: %s", registry.ErrNotFound, plate)
	}
	if err == nil {
		s.log.Info("record removed", logx.String("op", "delete"), logx.String("plate", plate))
	}
	return rec, err
}

func (s *sqliteStore) ListAll(ctx context.Context, sortByExpiry bool) ([]registry.Record, error) {
	q := `SELECT plate_id, vehicle_name, expires_at, registered_by, updated_at FROM records`
	if sortByExpiry {
		q += ` ORDER BY expires_at ASC`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (registry.Record, error) {
	var rec registry.Record
	var expiresMs, updatedMs int64
	if err := row.Scan(&rec.PlateID, &rec.VehicleName, &expiresMs, &rec.RegisteredBy, &updatedMs); err != nil {
		return registry.Record{}, err
	}
	rec.ExpiresAt = time.UnixMilli(expiresMs)
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]registry.Record, error) {
	var out []registry.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
