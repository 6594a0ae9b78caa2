package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when an update matches no row.
var ErrNotFound = errors.New("record not found")

// Store persists schedules, per-user mode, feed logs and detection results
// in SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
	clock  clockwork.Clock
	logger zerolog.Logger
}

// Open connects to the database and creates missing tables.
func Open(driver, dsn string, clock clockwork.Clock, logger zerolog.Logger) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create db directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		driver: driver,
		clock:  clock,
		logger: logger.With().Str("component", "store").Str("driver", driver).Logger(),
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id BIGINT PRIMARY KEY,
			mode TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id ` + id + `,
			user_id BIGINT NOT NULL,
			hour INTEGER NOT NULL,
			minute INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_user_time ON schedules(user_id, hour, minute)`,
		`CREATE TABLE IF NOT EXISTS feed_logs (
			id ` + id + `,
			mode TEXT NOT NULL,
			device_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			daily_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feed_logs_created_at ON feed_logs(created_at)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id ` + id + `,
			user_id BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			verdict TEXT NOT NULL,
			snapshot_key TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListUserIDs returns every user owning at least one enabled schedule.
func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM schedules WHERE enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetMode returns the user's feeding mode, manual when never set.
func (s *Store) GetMode(ctx context.Context, userID int64) (string, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT mode FROM user_settings WHERE user_id = ?`), userID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return constants.ModeManual, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query mode: %w", err)
	}
	return mode, nil
}

// SetMode stores the user's feeding mode.
func (s *Store) SetMode(ctx context.Context, userID int64, mode string) error {
	if !constants.IsValidMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO user_settings (user_id, mode, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at
	`), userID, mode, s.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

// AddSchedule stores a schedule entry and returns its id.
func (s *Store) AddSchedule(ctx context.Context, entry models.ScheduleEntry) (int64, error) {
	if entry.Hour < 0 || entry.Hour > 23 || entry.Minute < 0 || entry.Minute > 59 {
		return 0, fmt.Errorf("invalid schedule time %s", entry.TimeOfDay())
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO schedules (user_id, hour, minute, enabled) VALUES (?, ?, ?, ?) RETURNING id
	`), entry.UserID, entry.Hour, entry.Minute, boolToInt(entry.Enabled)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to add schedule: %w", err)
	}
	return id, nil
}

// SetScheduleEnabled toggles one of userID's schedule entries.
func (s *Store) SetScheduleEnabled(ctx context.Context, userID, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE schedules SET enabled = ? WHERE id = ? AND user_id = ?`), boolToInt(enabled), id, userID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListSchedules returns all schedule entries of a user ordered by time of day.
func (s *Store) ListSchedules(ctx context.Context, userID int64) ([]models.ScheduleEntry, error) {
	return s.querySchedules(ctx, `
		SELECT id, user_id, hour, minute, enabled FROM schedules
		WHERE user_id = ? ORDER BY hour, minute, id
	`, userID)
}

// MatchingSchedules returns the user's enabled entries at exactly hour:minute.
func (s *Store) MatchingSchedules(ctx context.Context, userID int64, hour, minute int) ([]models.ScheduleEntry, error) {
	return s.querySchedules(ctx, `
		SELECT id, user_id, hour, minute, enabled FROM schedules
		WHERE user_id = ? AND hour = ? AND minute = ? AND enabled = 1 ORDER BY id
	`, userID, hour, minute)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]models.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduleEntry
	for rows.Next() {
		var e models.ScheduleEntry
		var enabled int
		if err := rows.Scan(&e.ID, &e.UserID, &e.Hour, &e.Minute, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		e.Enabled = enabled != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordFeedEvent appends a feed acknowledgement to the feed log.
func (s *Store) RecordFeedEvent(ctx context.Context, event models.FeedEvent) error {
	at := event.ReceivedAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO feed_logs (mode, device_id, success, daily_count, created_at) VALUES (?, ?, ?, ?, ?)
	`), event.Mode, event.DeviceID, boolToInt(event.Success), event.DailyCount, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to record feed event: %w", err)
	}
	return nil
}

// RecentFeedEvents returns up to limit feed events, newest first.
func (s *Store) RecentFeedEvents(ctx context.Context, limit int) ([]models.FeedEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT mode, device_id, success, daily_count, created_at FROM feed_logs
		ORDER BY created_at DESC, id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed log: %w", err)
	}
	defer rows.Close()

	var out []models.FeedEvent
	for rows.Next() {
		var e models.FeedEvent
		var success int
		var createdAt int64
		if err := rows.Scan(&e.Mode, &e.DeviceID, &success, &e.DailyCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feed event: %w", err)
		}
		e.Success = success != 0
		e.ReceivedAt = time.Unix(createdAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountFeedsSince counts successful feeds logged at or after since.
func (s *Store) CountFeedsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM feed_logs WHERE success = 1 AND created_at >= ?
	`), since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count feeds: %w", err)
	}
	return n, nil
}

// RecordDetection stores a verdict and returns its id.
func (s *Store) RecordDetection(ctx context.Context, userID int64, verdict models.DetectionVerdict, snapshotKey string) (int64, error) {
	payload, err := json.Marshal(verdict)
	if err != nil {
		return 0, fmt.Errorf("failed to encode verdict: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO detections (user_id, outcome, verdict, snapshot_key, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id
	`), userID, string(verdict.Outcome), string(payload), snapshotKey, s.clock.Now().Unix()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record detection: %w", err)
	}
	return id, nil
}

// RecentDetections returns up to limit detection records, newest first.
func (s *Store) RecentDetections(ctx context.Context, limit int) ([]models.DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, user_id, verdict, snapshot_key, created_at FROM detections
		ORDER BY created_at DESC, id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []models.DetectionRecord
	for rows.Next() {
		var r models.DetectionRecord
		var payload string
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.UserID, &payload, &r.SnapshotKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Verdict); err != nil {
			s.logger.Warn().Err(err).Int64("id", r.ID).Msg("skipping undecodable detection")
			continue
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
