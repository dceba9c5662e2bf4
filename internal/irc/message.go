package irc

import (
	"strings"
)

// Replies and errors the client reacts to by number.
const (
	RplWelcome       = "001"
	ErrNicknameInUse = "433"
)

// Message is one parsed protocol line: [":" prefix SP] command *(SP param)
// [SP ":" trailing].
type Message struct {
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// ParseMessage parses a raw line into its components. It is lenient: any
// line splits into *some* message; callers treat an empty Command as a
// protocol violation and discard the line.
func ParseMessage(line string) Message {
	var msg Message
	rest := strings.Trim(line, "\r\n")

	if strings.HasPrefix(rest, ":") {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			msg.Prefix = rest[1:i]
			rest = rest[i+1:]
		} else {
			msg.Prefix = rest[1:]
			rest = ""
		}
	}

	if i := strings.Index(rest, " :"); i >= 0 {
		msg.Trailing = rest[i+2:]
		rest = rest[:i]
	} else if strings.HasPrefix(rest, ":") {
		msg.Trailing = rest[1:]
		rest = ""
	}

	fields := strings.Fields(rest)
	if len(fields) > 0 {
		msg.Command = fields[0]
		msg.Params = fields[1:]
	}
	return msg
}

// Param returns the i-th parameter or "".
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Nick extracts the nickname part of the message prefix ("nick!user@host").
func (m Message) Nick() string {
	return NickFromPrefix(m.Prefix)
}

// NickFromPrefix returns the nick portion of a prefix. The user part is
// optional, so both "nick!user@host" and "nick@host" are cut at the first
// separator.
func NickFromPrefix(prefix string) string {
	if i := strings.IndexAny(prefix, "!@"); i >= 0 {
		return prefix[:i]
	}
	return prefix
}

// IdentHostFromPrefix returns the "user@host" portion of a full prefix,
// or "" when the prefix carries no user/host part.
func IdentHostFromPrefix(prefix string) string {
	i := strings.IndexByte(prefix, '!')
	if i < 0 || i+1 >= len(prefix) {
		return ""
	}
	rest := prefix[i+1:]
	if !strings.ContainsRune(rest, '@') {
		return ""
	}
	return rest
}
