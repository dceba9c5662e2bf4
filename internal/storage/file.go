package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of all buckets)
//   - <prefix>.journal.jsonl (append-only op journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	data         fileData
	writes       int
}

type fileData struct {
	NextID    int64                `json:"next_id"`
	Seen      map[string]SeenEntry `json:"seen"`
	Tells     []TellNote           `json:"tells"`
	Reminders []Reminder           `json:"reminders"`
}

type journalOp struct {
	Op       string     `json:"op"` // seen | tell | del_tell | remind | del_remind
	Seen     *SeenEntry `json:"seen,omitempty"`
	Tell     *TellNote  `json:"tell,omitempty"`
	Reminder *Reminder  `json:"reminder,omitempty"`
	ID       int64      `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := fileData{NextID: 1, Seen: map[string]SeenEntry{}}
	_ = loadSnapshot(snapPath, &data)
	_ = replayJournal(journalPath, &data)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		data:         data,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	s.journalFile = nil
	return err
}

func (s *fileStore) append(op journalOp) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%500 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("snapshot compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) SetSeen(ctx context.Context, e SeenEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Nick = strings.ToLower(e.Nick)

	s.mu.Lock()
	defer s.mu.Unlock()
	applySeen(&s.data, e)
	return s.append(journalOp{Op: "seen", Seen: &e})
}

func (s *fileStore) GetSeen(ctx context.Context, nick string) (SeenEntry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data.Seen[strings.ToLower(nick)]
	return e, ok, nil
}

func (s *fileStore) AddTell(ctx context.Context, n TellNote) (int64, error) {
	_ = ctx
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.To = strings.ToLower(n.To)

	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = s.data.NextID
	s.data.NextID++
	s.data.Tells = append(s.data.Tells, n)
	return n.ID, s.append(journalOp{Op: "tell", Tell: &n})
}

func (s *fileStore) PendingTells(ctx context.Context, to string) ([]TellNote, error) {
	_ = ctx
	to = strings.ToLower(to)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TellNote
	for _, n := range s.data.Tells {
		if n.To == to {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fileStore) DeleteTell(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	applyDelTell(&s.data, id)
	return s.append(journalOp{Op: "del_tell", ID: id})
}

func (s *fileStore) AddReminder(ctx context.Context, r Reminder) (int64, error) {
	_ = ctx
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.data.NextID
	s.data.NextID++
	s.data.Reminders = append(s.data.Reminders, r)
	return r.ID, s.append(journalOp{Op: "remind", Reminder: &r})
}

func (s *fileStore) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reminder
	for _, r := range s.data.Reminders {
		if !r.DueAt.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fileStore) DeleteReminder(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	applyDelReminder(&s.data, id)
	return s.append(journalOp{Op: "del_remind", ID: id})
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func applySeen(d *fileData, e SeenEntry) {
	if d.Seen == nil {
		d.Seen = map[string]SeenEntry{}
	}
	d.Seen[e.Nick] = e
}

func applyDelTell(d *fileData, id int64) {
	out := d.Tells[:0]
	for _, n := range d.Tells {
		if n.ID != id {
			out = append(out, n)
		}
	}
	d.Tells = out
}

func applyDelReminder(d *fileData, id int64) {
	out := d.Reminders[:0]
	for _, r := range d.Reminders {
		if r.ID != id {
			out = append(out, r)
		}
	}
	d.Reminders = out
}

func loadSnapshot(path string, out *fileData) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayJournal(path string, out *fileData) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		switch op.Op {
		case "seen":
			if op.Seen != nil {
				applySeen(out, *op.Seen)
			}
		case "tell":
			if op.Tell != nil {
				out.Tells = append(out.Tells, *op.Tell)
				if op.Tell.ID >= out.NextID {
					out.NextID = op.Tell.ID + 1
				}
			}
		case "del_tell":
			applyDelTell(out, op.ID)
		case "remind":
			if op.Reminder != nil {
				out.Reminders = append(out.Reminders, *op.Reminder)
				if op.Reminder.ID >= out.NextID {
					out.NextID = op.Reminder.ID + 1
				}
			}
		case "del_remind":
			applyDelReminder(out, op.ID)
		}
	}
	return sc.Err()
}
