// Package plugin implements the hot-reloadable plugin runtime: a registry
// of named plugin factories, load/unload/reload lifecycle with durable
// enabled state, and bounded message fan-out to loaded handlers.
package plugin

import (
	"context"

	"github.com/klppl/ebba-irc-bot/internal/irc"
	"github.com/klppl/ebba-irc-bot/internal/storage"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

// Host is the surface a plugin uses to talk back to the bot. Outbound
// traffic goes through the bot's queue and rate limiting.
type Host interface {
	// Privmsg enqueues a message; fails fast when the queue is saturated.
	Privmsg(target, text string) error
	Notice(target, text string) error
	Join(channel string) error
	Part(channel string) error

	// Nick is the bot's current authoritative nickname.
	Nick() string
	// Prefix is the command sigil (".", by default).
	Prefix() string
	Channels() []string

	Logger(name string) logx.Logger
	Store() storage.Store
	// DataDir is where plugins may keep their own small state files.
	DataDir() string
}

// Factory builds a fresh plugin instance. Each load gets a new instance so
// a reload never reuses state from the previous incarnation.
type Factory func() Plugin

// Plugin is the minimal lifecycle contract. Load receives a context that is
// cancelled at unload; background work must be spawned through it (see
// Tasks in Runtime) so unload can await completion.
type Plugin interface {
	Name() string
	Load(ctx context.Context, rt *Runtime) error
	Unload(ctx context.Context) error
}

// MessageHandler is implemented by plugins that want every inbound message.
type MessageHandler interface {
	OnMessage(ctx context.Context, msg irc.Message)
}

// Filter lets a plugin veto dispatch of a message before fan-out. Any
// loaded filter returning false drops the message for all handlers.
type Filter interface {
	Allow(msg irc.Message) bool
}

// CommandProvider is implemented by plugins that register commands.
// Names and aliases share one flat namespace; a clash with an already
// registered command fails the load.
type CommandProvider interface {
	Commands() []Command
}

// Command is one named command a plugin offers.
type Command struct {
	Name      string
	Aliases   []string
	Help      string
	OwnerOnly bool
	Run       func(ctx context.Context, ev CommandEvent) error
}

// CommandEvent is the invocation context handed to a command.
type CommandEvent struct {
	Msg     irc.Message
	Target  string // where replies go (channel, or the sender for queries)
	Nick    string // sender nickname
	Args    []string
	ArgLine string
	IsOwner bool
	Reply   func(text string) error
}

// Runtime is the per-incarnation environment the manager hands to Load.
// Its Context is cancelled at unload; Go tracks background tasks so the
// manager can await them during unload.
type Runtime struct {
	Host Host
	Log  logx.Logger

	ctx context.Context
	spawn
}

type spawn interface {
	Go(name string, fn func(ctx context.Context) error)
	Go0(name string, fn func(ctx context.Context))
}

// Context is cancelled when the plugin is unloaded.
func (r *Runtime) Context() context.Context { return r.ctx }
