// Package journal is the append-only audit trail of reward attempts. It runs
// on SQLite by default and on PostgreSQL when given a postgres:// DSN.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/nostreward/internal/dbx"
	"github.com/dmitrijs2005/nostreward/internal/journal/migrations"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

// Actions.
const (
	ActionRedeem    = "redeem"
	ActionZap       = "zap"
	ActionRepost    = "repost"
	ActionAllowList = "allowlist"
)

// Outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeFailed         = "failed"
	OutcomeUnconfirmed    = "unconfirmed"
	OutcomeAlreadyPresent = "already_present"
)

type Record struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"hash"`
	EventID     string    `json:"eventId"`
	Author      string    `json:"author"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Store struct {
	db      *sql.DB
	dialect dbx.Dialect
	clock   timex.Clock
}

// IsPostgresDSN reports whether dsn selects the PostgreSQL backend.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to dsn, runs the embedded migrations and returns the store.
// Anything that is not a postgres URL is a SQLite file path.
func Open(ctx context.Context, dsn string, clock timex.Clock) (*Store, error) {
	var (
		db      *sql.DB
		dialect dbx.Dialect
		err     error
	)
	if IsPostgresDSN(dsn) {
		db, err = sql.Open("pgx", dsn)
		dialect = dbx.Postgres
	} else {
		db, err = sql.Open("sqlite", "file:"+dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		dialect = dbx.SQLite
	}
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if dialect == dbx.SQLite {
		db.SetMaxOpenConns(1)
	}

	s := New(db, dialect, clock)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

func New(db *sql.DB, dialect dbx.Dialect, clock timex.Clock) *Store {
	if clock == nil {
		clock = timex.System
	}
	return &Store{db: db, dialect: dialect, clock: clock}
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	gooseDialect := "sqlite3"
	if s.dialect == dbx.Postgres {
		gooseDialect = "pgx"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return gooseUpContext(ctx, s.db, ".")
}

func (s *Store) Close() error { return s.db.Close() }

// Record appends r, filling ID and CreatedAt when empty.
func (s *Store) Record(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO reward_events (id, fingerprint, event_id, author, action, outcome, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Fingerprint, r.EventID, r.Author, r.Action, r.Outcome, r.Detail, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, fingerprint, event_id, author, action, outcome, detail, created_at FROM reward_events`

// Recent returns the newest n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}
	return s.query(ctx, selectColumns+` ORDER BY created_at DESC, id LIMIT ?`, n)
}

// ForFingerprint returns every record for codes whose fingerprint starts with
// prefix, oldest first.
func (s *Store) ForFingerprint(ctx context.Context, prefix string) ([]Record, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if strings.ContainsAny(prefix, `%_\`) {
		return nil, fmt.Errorf("invalid fingerprint prefix %q", prefix)
	}
	return s.query(ctx, selectColumns+` WHERE fingerprint LIKE ? ORDER BY created_at, id`, prefix+"%")
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.EventID, &r.Author, &r.Action, &r.Outcome, &r.Detail, &ms); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		r.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal rows: %w", err)
	}
	return out, nil
}

// Prune deletes records older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM reward_events WHERE created_at < ?`), before.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return n, nil
}
