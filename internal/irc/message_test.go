package irc

import (
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "privmsg with prefix and trailing",
			line: ":alice!ident@host PRIVMSG #chan :hello world",
			want: Message{Prefix: "alice!ident@host", Command: "PRIVMSG", Params: []string{"#chan"}, Trailing: "hello world"},
		},
		{
			name: "ping without prefix",
			line: "PING :irc.example.org",
			want: Message{Command: "PING", Trailing: "irc.example.org"},
		},
		{
			name: "numeric with multiple params",
			line: ":server 433 * ebba :Nickname is already in use",
			want: Message{Prefix: "server", Command: "433", Params: []string{"*", "ebba"}, Trailing: "Nickname is already in use"},
		},
		{
			name: "no trailing",
			line: ":alice!i@h JOIN #chan",
			want: Message{Prefix: "alice!i@h", Command: "JOIN", Params: []string{"#chan"}},
		},
		{
			name: "trailing with colons inside",
			line: ":a PRIVMSG #c :time is 12:30:00",
			want: Message{Prefix: "a", Command: "PRIVMSG", Params: []string{"#c"}, Trailing: "time is 12:30:00"},
		},
		{
			name: "command only",
			line: "QUIT",
			want: Message{Command: "QUIT"},
		},
		{
			name: "prefix only is malformed",
			line: ":lonelyprefix",
			want: Message{Prefix: "lonelyprefix"},
		},
		{
			name: "empty trailing",
			line: ":a PRIVMSG #c :",
			want: Message{Prefix: "a", Command: "PRIVMSG", Params: []string{"#c"}},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ParseMessage(tc.line)
			if got.Prefix != tc.want.Prefix || got.Command != tc.want.Command || got.Trailing != tc.want.Trailing {
				t.Fatalf("ParseMessage(%q) = %+v, want %+v", tc.line, got, tc.want)
			}
			if len(got.Params) != 0 || len(tc.want.Params) != 0 {
				if !reflect.DeepEqual(got.Params, tc.want.Params) {
					t.Fatalf("params = %v, want %v", got.Params, tc.want.Params)
				}
			}
		})
	}
}

func TestNickFromPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix string
		want   string
	}{
		{"alice!ident@host", "alice"},
		{"alice@host", "alice"},
		{"alice", "alice"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NickFromPrefix(tc.prefix); got != tc.want {
			t.Errorf("NickFromPrefix(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}
