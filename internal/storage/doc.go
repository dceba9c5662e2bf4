// Package storage provides the persistence backends for plugin data:
// last-seen records, held messages and reminders. The sqlite driver is the
// default; the file driver is a dependency-free fallback using a snapshot
// plus append-only journal.
package storage
