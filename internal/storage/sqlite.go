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

	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./ebba.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) SetSeen(ctx context.Context, e SeenEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(nick, channel, text, at) VALUES(?,?,?,?)
		 ON CONFLICT(nick) DO UPDATE SET channel=excluded.channel, text=excluded.text, at=excluded.at`,
		strings.ToLower(e.Nick), e.Channel, e.Text, e.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetSeen(ctx context.Context, nick string) (SeenEntry, bool, error) {
	var e SeenEntry
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT nick, channel, text, at FROM seen WHERE nick = ?`, strings.ToLower(nick),
	).Scan(&e.Nick, &e.Channel, &e.Text, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return SeenEntry{}, false, nil
	}
	if err != nil {
		return SeenEntry{}, false, err
	}
	e.At = time.UnixMilli(ms)
	return e, true, nil
}

func (s *sqliteStore) AddTell(ctx context.Context, n TellNote) (int64, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tells(from_nick, to_nick, text, created_at) VALUES(?,?,?,?)`,
		n.From, strings.ToLower(n.To), n.Text, n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) PendingTells(ctx context.Context, to string) ([]TellNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_nick, to_nick, text, created_at FROM tells WHERE to_nick = ? ORDER BY id`,
		strings.ToLower(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []TellNote
	for rows.Next() {
		var n TellNote
		var ms int64
		if err := rows.Scan(&n.ID, &n.From, &n.To, &n.Text, &ms); err != nil {
			return nil, err
		}
		n.CreatedAt = time.UnixMilli(ms)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *sqliteStore) DeleteTell(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tells WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) AddReminder(ctx context.Context, r Reminder) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(target, nick, text, due_at, created_at) VALUES(?,?,?,?,?)`,
		r.Target, r.Nick, r.Text, r.DueAt.UnixMilli(), r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, nick, text, due_at, created_at FROM reminders WHERE due_at <= ? ORDER BY due_at`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var due, created int64
		if err := rows.Scan(&r.ID, &r.Target, &r.Nick, &r.Text, &due, &created); err != nil {
			return nil, err
		}
		r.DueAt = time.UnixMilli(due)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return err
}
