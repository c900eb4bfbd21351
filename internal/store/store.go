package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runwatch/runwatch/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// Store owns the authoritative run records. All mutation goes through the
// ingest engine; nothing else writes here.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertRun(ctx context.Context, run model.Run) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}
	if !model.ValidCategory(run.Category) {
		return fmt.Errorf("%s: %q", model.ErrCategoryInvalid, run.Category)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, machine, command, cwd, session, started_at, last_seen_at, ended_at, exit_code, hang_flagged, presumed_lost_at, category, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	machine=excluded.machine,
	command=excluded.command,
	cwd=excluded.cwd,
	session=excluded.session,
	started_at=excluded.started_at,
	last_seen_at=excluded.last_seen_at,
	ended_at=excluded.ended_at,
	exit_code=excluded.exit_code,
	hang_flagged=excluded.hang_flagged,
	presumed_lost_at=excluded.presumed_lost_at,
	category=excluded.category,
	updated_at=excluded.updated_at
`, run.RunID, run.Machine, run.Command, run.Cwd, run.Session, ts(run.StartedAt), ts(run.LastSeenAt),
		nullableTS(run.EndedAt), nullableInt(run.ExitCode), boolToInt(run.HangFlagged),
		nullableTS(run.PresumedLostAt), string(run.Category), ts(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, machine, command, cwd, session, started_at, last_seen_at, ended_at, exit_code, hang_flagged, presumed_lost_at, category, updated_at
FROM runs
WHERE run_id = ?
`, runID)
	run, err := scanRun(row)
	if err != nil {
		return model.Run{}, err
	}
	run.Triggers, err = s.ListTriggerHits(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// ListRuns returns all runs, newest start first, optionally filtered by
// category, with trigger hits attached.
func (s *Store) ListRuns(ctx context.Context, category *model.Category) ([]model.Run, error) {
	query := `
SELECT run_id, machine, command, cwd, session, started_at, last_seen_at, ended_at, exit_code, hang_flagged, presumed_lost_at, category, updated_at
FROM runs`
	args := make([]any, 0, 1)
	if category != nil {
		query += ` WHERE category = ?`
		args = append(args, string(*category))
	}
	query += ` ORDER BY started_at DESC, run_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]model.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter runs: %w", err)
	}
	for i := range out {
		out[i].Triggers, err = s.ListTriggerHits(ctx, out[i].RunID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FlushCategory removes every run in one category and reports how many went.
func (s *Store) FlushCategory(ctx context.Context, category model.Category) (int64, error) {
	if !model.ValidCategory(category) {
		return 0, fmt.Errorf("%s: %q", model.ErrCategoryInvalid, category)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE category = ?`, string(category))
	if err != nil {
		return 0, fmt.Errorf("flush category: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flush category rows affected: %w", err)
	}
	return affected, nil
}

// FlushFinished removes every completed and crashed run.
func (s *Store) FlushFinished(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE category IN (?, ?)`,
		string(model.CategoryCompleted), string(model.CategoryCrashed))
	if err != nil {
		return 0, fmt.Errorf("flush finished: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flush finished rows affected: %w", err)
	}
	return affected, nil
}

// InsertEvent records one applied event. The unique constraint over
// (run_id, kind, dedupe_key) is what makes re-delivery a no-op.
func (s *Store) InsertEvent(ctx context.Context, ev model.Event, dedupeKey string, ingestedAt time.Time) error {
	payload, err := model.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_events(event_id, run_id, kind, event_time, ingested_at, dedupe_key, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, ev.EventID, ev.RunID, string(ev.Kind), ts(ev.Time()), ts(ingestedAt), dedupeKey, string(payload))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventExists reports whether an event with this dedupe identity was already
// applied, distinguishing an idempotent replay from a genuinely new event.
func (s *Store) EventExists(ctx context.Context, runID string, kind model.EventKind, dedupeKey string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM run_events WHERE run_id = ? AND kind = ? AND dedupe_key = ?`,
		runID, string(kind), dedupeKey)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check event exists: %w", err)
	}
	return true, nil
}

func (s *Store) CountEvents(ctx context.Context, runID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// InsertTriggerHit records the first firing of a named trigger for a run.
func (s *Store) InsertTriggerHit(ctx context.Context, runID string, hit model.TriggerHit) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_triggers(run_id, name, class, excerpt, fired_at)
VALUES (?, ?, ?, ?, ?)
`, runID, hit.Name, string(hit.Class), hit.Excerpt, ts(hit.At))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert trigger hit: %w", err)
	}
	return nil
}

func (s *Store) ListTriggerHits(ctx context.Context, runID string) ([]model.TriggerHit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, class, excerpt, fired_at
FROM run_triggers
WHERE run_id = ?
ORDER BY fired_at ASC, name ASC
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list trigger hits: %w", err)
	}
	defer rows.Close()

	var out []model.TriggerHit
	for rows.Next() {
		var (
			hit     model.TriggerHit
			class   string
			firedAt string
		)
		if err := rows.Scan(&hit.Name, &class, &hit.Excerpt, &firedAt); err != nil {
			return nil, fmt.Errorf("scan trigger hit: %w", err)
		}
		hit.Class = model.TriggerClass(class)
		hit.At, err = parseTS(firedAt)
		if err != nil {
			return nil, fmt.Errorf("parse trigger fired_at: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter trigger hits: %w", err)
	}
	return out, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (model.Run, error) {
	var (
		run            model.Run
		startedAt      string
		lastSeenAt     string
		endedAt        sql.NullString
		exitCode       sql.NullInt64
		hangFlagged    int
		presumedLostAt sql.NullString
		category       string
		updatedAt      string
	)
	if err := scanner.Scan(
		&run.RunID,
		&run.Machine,
		&run.Command,
		&run.Cwd,
		&run.Session,
		&startedAt,
		&lastSeenAt,
		&endedAt,
		&exitCode,
		&hangFlagged,
		&presumedLostAt,
		&category,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.HangFlagged = hangFlagged == 1
	run.Category = model.Category(category)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	var err error
	run.StartedAt, err = parseTS(startedAt)
	if err != nil {
		return model.Run{}, fmt.Errorf("parse run started_at: %w", err)
	}
	run.LastSeenAt, err = parseTS(lastSeenAt)
	if err != nil {
		return model.Run{}, fmt.Errorf("parse run last_seen_at: %w", err)
	}
	if endedAt.Valid {
		v, parseErr := parseTS(endedAt.String)
		if parseErr != nil {
			return model.Run{}, fmt.Errorf("parse run ended_at: %w", parseErr)
		}
		run.EndedAt = &v
	}
	if presumedLostAt.Valid {
		v, parseErr := parseTS(presumedLostAt.String)
		if parseErr != nil {
			return model.Run{}, fmt.Errorf("parse run presumed_lost_at: %w", parseErr)
		}
		run.PresumedLostAt = &v
	}
	run.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Run{}, fmt.Errorf("parse run updated_at: %w", err)
	}
	return run, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
