package outbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("command not found")

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	payload       TEXT NOT NULL,
	depends_on    TEXT NOT NULL DEFAULT '[]',
	meta          TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER,
	last_error    TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	sent_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS local_orders (
	client_uid  TEXT PRIMARY KEY,
	server_id   INTEGER,
	type        TEXT NOT NULL,
	table_id    INTEGER,
	terminal_id INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'draft',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS local_items (
	client_uid       TEXT PRIMARY KEY,
	order_client_uid TEXT NOT NULL,
	server_id        INTEGER,
	name             TEXT NOT NULL,
	quantity         TEXT NOT NULL,
	unit_price       TEXT NOT NULL,
	total            TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	notes            TEXT,
	cancel_reason    TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS local_payments (
	client_uid       TEXT PRIMARY KEY,
	order_client_uid TEXT NOT NULL,
	server_id        INTEGER,
	method           TEXT NOT NULL,
	amount           TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
`

type Store struct{ db *sql.DB }

// Open opens (creating if needed) the terminal's command store. The busy
// timeout matters: the UI enqueues while the sync loop updates statuses.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// Enqueue durably appends a new pending command and returns its id. If the
// write fails the user-visible action must be reported as failed; a command
// is never silently dropped.
func (s *Store) Enqueue(typ Type, payload any, dependsOn []string, meta map[string]string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if dependsOn == nil {
		dependsOn = []string{}
	}
	deps, err := json.Marshal(dependsOn)
	if err != nil {
		return "", err
	}
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	id := NewID()
	now := nowISO()
	_, err = s.db.Exec(`
		INSERT INTO outbox (id, type, payload, depends_on, meta, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)
	`, id, string(typ), string(body), string(deps), string(metaJSON), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

func scanCommand(row interface{ Scan(dest ...any) error }) (*Command, error) {
	var c Command
	var typ, status, payload, deps, meta, createdAt, updatedAt string
	var nextRetryMs sql.NullInt64
	var sentAt sql.NullString
	err := row.Scan(&c.ID, &typ, &payload, &deps, &meta, &status, &c.Attempts,
		&nextRetryMs, &c.LastError, &createdAt, &updatedAt, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Type, c.Status = Type(typ), Status(status)
	c.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(deps), &c.DependsOn); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if nextRetryMs.Valid {
		t := time.UnixMilli(nextRetryMs.Int64).UTC()
		c.NextRetryAt = &t
	}
	if sentAt.Valid {
		t, _ := time.Parse(time.RFC3339, sentAt.String)
		c.SentAt = &t
	}
	return &c, nil
}

const commandCols = `id, type, payload, depends_on, meta, status, attempts,
	next_retry_at, last_error, created_at, updated_at, sent_at`

func (s *Store) Get(id string) (*Command, error) {
	return scanCommand(s.db.QueryRow(`SELECT `+commandCols+` FROM outbox WHERE id = ?`, id))
}

// ListPending returns the unsent commands in dispatch order: retry deadline
// first, then id. Ids are time-sortable, so equal deadlines fall back to
// creation order.
func (s *Store) ListPending() ([]Command, error) {
	rows, err := s.db.Query(`
		SELECT ` + commandCols + ` FROM outbox
		WHERE status = 'pending'
		ORDER BY COALESCE(next_retry_at, 0), id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MarkSending is the dispatch guard: a compare-and-set from pending to
// sending. Overlapping ticks see false and leave the command alone.
func (s *Store) MarkSending(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE outbox SET status='sending', updated_at=?
		WHERE id = ? AND status = 'pending'
	`, nowISO(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) MarkSent(id string) error {
	now := nowISO()
	_, err := s.db.Exec(`
		UPDATE outbox SET status='sent', last_error=NULL, sent_at=?, updated_at=?
		WHERE id = ?
	`, now, now, id)
	return err
}

func (s *Store) MarkRejected(id, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE outbox SET status='rejected', last_error=?, updated_at=?
		WHERE id = ?
	`, errMsg, nowISO(), id)
	return err
}

// MarkRetry returns a failed command to pending with its next attempt
// scheduled by exponential backoff.
func (s *Store) MarkRetry(id, errMsg string, now time.Time) error {
	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM outbox WHERE id = ?`, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	attempts++
	next := now.Add(Backoff(attempts)).UnixMilli()
	_, err := s.db.Exec(`
		UPDATE outbox SET status='pending', attempts=?, next_retry_at=?, last_error=?, updated_at=?
		WHERE id = ?
	`, attempts, next, errMsg, nowISO(), id)
	return err
}

// Backoff is 1s, 2s, 4s, ... capped at 60s, plus 0-300ms of jitter.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Minute
	if attempts <= 7 { // 2^6 s = 64s already exceeds the cap
		d = time.Second << uint(attempts-1)
		if d > time.Minute {
			d = time.Minute
		}
	}
	return d + time.Duration(rand.Intn(300))*time.Millisecond
}

// DependencySatisfied resolves one dependency token against local state
// only; it never touches the network.
func (s *Store) DependencySatisfied(dep string) (bool, error) {
	if key, ok := strings.CutPrefix(dep, "meta:"); ok {
		if strings.TrimSpace(key) == "" {
			return false, nil
		}
		_, found, err := s.MetaGet(key)
		return found, err
	}
	if rest, ok := strings.CutPrefix(dep, "order:"); ok {
		uid, field, ok := strings.Cut(rest, ":")
		if !ok || uid == "" || field != "server_id" {
			return false, nil
		}
		o, err := s.GetLocalOrder(uid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return o.ServerID != nil, nil
	}
	return false, nil
}

// Eligible reports whether every declared dependency currently resolves.
func (s *Store) Eligible(c *Command) (bool, error) {
	for _, dep := range c.DependsOn {
		ok, err := s.DependencySatisfied(dep)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *Store) MetaGet(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) MetaSet(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	return err
}
