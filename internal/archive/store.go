package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vango-go/vai-voice/pkg/voice/session"
	"github.com/vango-go/vai-voice/pkg/voice/transcript"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

var ErrNotFound = errors.New("archive: conversation not found")

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Summary is one row of the conversation listing.
type Summary struct {
	ID             string    `json:"id" yaml:"id"`
	ConversationID string    `json:"conversation_id" yaml:"conversation_id"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	EndedAt        time.Time `json:"ended_at" yaml:"ended_at"`
	EndReason      string    `json:"end_reason" yaml:"end_reason"`
	EntryCount     int       `json:"entry_count" yaml:"entry_count"`
}

// Conversation is an archived transcript.
type Conversation struct {
	Summary `yaml:",inline"`
	Entries []transcript.Entry `json:"entries" yaml:"entries"`
}

type Options struct {
	Logger *slog.Logger
	NewID  func() string
}

// Store persists finished conversations. It implements session.Archiver.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
	newID   func() string
}

// Open connects to the archive database. driver is DriverSQLite (dsn is a
// file path or ":memory:") or DriverPostgres (dsn is a postgres URL).
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("archive dsn is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// One writer at a time avoids SQLITE_BUSY from the archive goroutines.
			db.SetMaxOpenConns(1)
		}
		driver = DriverSQLite
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return &Store{db: db, dialect: driver, logger: opts.Logger, newID: opts.NewID}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	dialect := goose.DialectSQLite3
	if s.dialect == DriverPostgres {
		dialect = goose.DialectPostgres
	}
	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("applied archive migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ArchiveConversation(ctx context.Context, rec session.ConversationRecord) error {
	if strings.TrimSpace(rec.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	id := s.newID()
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO conversations
		(id, conversation_id, started_at_ms, ended_at_ms, end_reason, entry_count)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, rec.ConversationID, toMillis(rec.StartedAt), toMillis(rec.EndedAt), rec.EndReason, len(rec.Entries))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	insertEntry := s.rebind(`INSERT INTO conversation_entries
		(record_id, position, entry_id, kind, text, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for i, e := range rec.Entries {
		if _, err := tx.ExecContext(ctx, insertEntry, id, i, e.ID, string(e.Kind), e.Text, toMillis(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	s.logger.Debug("conversation archived", "conversation_id", rec.ConversationID, "entries", len(rec.Entries), "reason", rec.EndReason)
	return nil
}

// List returns the most recently ended conversations first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, conversation_id, started_at_ms, ended_at_ms, end_reason, entry_count
		FROM conversations ORDER BY ended_at_ms DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Get returns the latest archived copy of a conversation. key may be either
// the server conversation id or the archive record id.
func (s *Store) Get(ctx context.Context, key string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, conversation_id, started_at_ms, ended_at_ms, end_reason, entry_count
		FROM conversations WHERE conversation_id = ? OR id = ?
		ORDER BY ended_at_ms DESC, id DESC LIMIT 1`), key, key)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT entry_id, kind, text, created_at_ms
		FROM conversation_entries WHERE record_id = ? ORDER BY position`), sum.ID)
	if err != nil {
		return Conversation{}, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	conv := Conversation{Summary: sum}
	for rows.Next() {
		var (
			e         transcript.Entry
			kind      string
			createdMS int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Text, &createdMS); err != nil {
			return Conversation{}, fmt.Errorf("scan failed: %w", err)
		}
		e.Kind = transcript.Kind(kind)
		e.CreatedAt = fromMillis(createdMS)
		conv.Entries = append(conv.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Conversation{}, fmt.Errorf("rows iteration error: %w", err)
	}
	return conv, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner) (Summary, error) {
	var (
		sum                Summary
		startedMS, endedMS int64
	)
	if err := sc.Scan(&sum.ID, &sum.ConversationID, &startedMS, &endedMS, &sum.EndReason, &sum.EntryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, err
		}
		return Summary{}, fmt.Errorf("scan failed: %w", err)
	}
	sum.StartedAt = fromMillis(startedMS)
	sum.EndedAt = fromMillis(endedMS)
	return sum, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
