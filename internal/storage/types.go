package storage

import "time"

// Config selects and configures the persistence backend.
type Config struct {
	// Driver: "sqlite" (default), "file", or "none".
	Driver string
	// Path to the database file (sqlite) or the file-store prefix.
	Path string
	// BusyTimeout for sqlite lock contention.
	BusyTimeout time.Duration
}

// SeenEntry records the last time a nickname was observed speaking.
type SeenEntry struct {
	Nick    string    `json:"nick"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// TellNote is a message held for an offline user.
type TellNote struct {
	ID        int64     `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Reminder is a scheduled one-shot message.
type Reminder struct {
	ID        int64     `json:"id"`
	Target    string    `json:"target"`
	Nick      string    `json:"nick"`
	Text      string    `json:"text"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
}
