package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/vango-go/vai-bridge/pkg/core"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var ErrConversationExists = &core.Error{Type: core.ErrConcurrency, Code: "conversation_exists", Message: "conversation already exists"}

// Store is the durable side of the Log.
type Store interface {
	InsertEvent(ctx context.Context, rec Record) error
	EventsAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]Record, error)
	LastSeq(ctx context.Context, conversationID string) (int64, error)

	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	EnsureConversation(ctx context.Context, c Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// SQLStore implements Store on database/sql for SQLite (modernc) and
// Postgres (pgx).
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects, verifies the connection and applies migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if _, err := gooseDialect(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY between concurrent sessions
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *SQLStore) InsertEvent(ctx context.Context, rec Record) error {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversation_events (conversation_id, seq, created_at, source, type, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`), rec.ConversationID, rec.Seq, rec.At.UnixMilli(), string(rec.Source), rec.Type, payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsAfter returns records with seq > afterSeq in order. limit <= 0 means
// no limit.
func (s *SQLStore) EventsAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]Record, error) {
	q := `
		SELECT conversation_id, seq, created_at, source, type, payload
		FROM conversation_events
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var at int64
		var source, payload string
		if err := rows.Scan(&rec.ConversationID, &rec.Seq, &at, &source, &rec.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.At = time.UnixMilli(at).UTC()
		rec.Source = Source(source)
		if payload != "null" {
			rec.Payload = json.RawMessage(payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT MAX(seq) FROM conversation_events WHERE conversation_id = ?
	`), conversationID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return last.Int64, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	created, inserted, err := s.insertConversation(ctx, c)
	if err != nil {
		return Conversation{}, err
	}
	if !inserted {
		return Conversation{}, ErrConversationExists.WithMessage("conversation %q already exists", c.ID)
	}
	return created, nil
}

// EnsureConversation returns the stored conversation, creating it from c when
// it does not exist yet. Concurrent callers for the same id all get the row
// that won the insert.
func (s *SQLStore) EnsureConversation(ctx context.Context, c Conversation) (Conversation, error) {
	created, inserted, err := s.insertConversation(ctx, c)
	if err != nil {
		return Conversation{}, err
	}
	if inserted {
		return created, nil
	}
	return s.GetConversation(ctx, c.ID)
}

// insertConversation reports false without error when the id is taken.
func (s *SQLStore) insertConversation(ctx context.Context, c Conversation) (Conversation, bool, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("encode metadata: %w", err)
	}
	if c.Metadata == nil {
		meta = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations (id, name, voice, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), c.ID, c.Name, c.Voice, string(meta), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if n == 0 {
		return Conversation{}, false, nil
	}
	c.CreatedAt = time.UnixMilli(c.CreatedAt.UnixMilli()).UTC()
	c.UpdatedAt = time.UnixMilli(c.UpdatedAt.UnixMilli()).UTC()
	return c, true, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, voice, metadata, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, core.ErrConversationNotFound.WithMessage("conversation %q not found", id)
	}
	return c, err
}

// ListConversations returns conversations, most recently updated first.
func (s *SQLStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	q := `
		SELECT id, name, voice, metadata, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id ASC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrConversationNotFound.WithMessage("conversation %q not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var meta string
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.Name, &c.Voice, &meta, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if meta != "" && meta != "{}" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return Conversation{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return c, nil
}
