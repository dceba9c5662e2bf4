package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ebba.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStoreSeen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	e := SeenEntry{Nick: "Alice", Channel: "#chan", Text: "hello", At: time.Now()}
	if err := st.SetSeen(ctx, e); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Lookup is case-insensitive.
	got, ok, err := st.GetSeen(ctx, "ALICE")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Channel != "#chan" || got.Text != "hello" {
		t.Fatalf("got %+v", got)
	}

	_, ok, err = st.GetSeen(ctx, "nobody")
	if err != nil || ok {
		t.Fatalf("missing nick: ok=%v err=%v", ok, err)
	}
}

func TestFileStoreTells(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	id1, err := st.AddTell(ctx, TellNote{From: "alice", To: "Bob", Text: "first"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id2, err := st.AddTell(ctx, TellNote{From: "carol", To: "bob", Text: "second"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("ids collide: %d", id1)
	}

	notes, err := st.PendingTells(ctx, "BOB")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(notes) != 2 || notes[0].Text != "first" || notes[1].Text != "second" {
		t.Fatalf("notes = %+v", notes)
	}

	if err := st.DeleteTell(ctx, id1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	notes, _ = st.PendingTells(ctx, "bob")
	if len(notes) != 1 || notes[0].ID != id2 {
		t.Fatalf("after delete: %+v", notes)
	}
}

func TestFileStoreReopenReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ebba.db")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.AddTell(ctx, TellNote{From: "a", To: "b", Text: "survives"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.SetSeen(ctx, SeenEntry{Nick: "a", Channel: "#c", Text: "hi"}); err != nil {
		t.Fatalf("seen: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	notes, err := st2.PendingTells(ctx, "b")
	if err != nil || len(notes) != 1 || notes[0].Text != "survives" {
		t.Fatalf("notes after reopen = %+v err=%v", notes, err)
	}
	if _, ok, _ := st2.GetSeen(ctx, "a"); !ok {
		t.Fatal("seen entry lost across reopen")
	}
}

func TestFileStoreReminders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Now()
	early, err := st.AddReminder(ctx, Reminder{Target: "#c", Nick: "a", Text: "soon", DueAt: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := st.AddReminder(ctx, Reminder{Target: "#c", Nick: "a", Text: "later", DueAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("add: %v", err)
	}

	due, err := st.DueReminders(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != early {
		t.Fatalf("due = %+v", due)
	}
}
