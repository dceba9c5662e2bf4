// Package ignore drops messages from listed nicks before they reach any
// plugin handler. The list is owner-managed and persisted.
package ignore

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klppl/ebba-irc-bot/internal/irc"
	"github.com/klppl/ebba-irc-bot/internal/plugin"
)

type Plugin struct {
	rt    *plugin.Runtime
	state *plugin.StateFile

	mu      sync.RWMutex
	ignored map[string]bool
}

func New() plugin.Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "ignore" }

func (p *Plugin) Load(ctx context.Context, rt *plugin.Runtime) error {
	state, err := plugin.LoadStateFile(filepath.Join(rt.Host.DataDir(), "ignore.json"))
	if err != nil {
		return err
	}
	p.rt = rt
	p.state = state
	p.ignored = map[string]bool{}
	for nick, on := range state.All() {
		if on {
			p.ignored[nick] = true
		}
	}
	return nil
}

func (p *Plugin) Unload(ctx context.Context) error { return nil }

// Allow vetoes fan-out for messages from ignored nicks. The bot's builtin
// commands are not affected, so an owner can always unignore.
func (p *Plugin) Allow(msg irc.Message) bool {
	nick := strings.ToLower(msg.Nick())
	if nick == "" {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.ignored[nick]
}

func (p *Plugin) set(ctx context.Context, nick string, on bool) error {
	key := strings.ToLower(nick)
	// Durable write first, memory after.
	if err := p.state.Set(ctx, key, on); err != nil {
		return err
	}
	p.mu.Lock()
	if on {
		p.ignored[key] = true
	} else {
		delete(p.ignored, key)
	}
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Name:      "ignore",
			Help:      "drop messages from a nick",
			OwnerOnly: true,
			Run: func(ctx context.Context, ev plugin.CommandEvent) error {
				if len(ev.Args) != 1 {
					return ev.Reply("usage: ignore <nick>")
				}
				nick := ev.Args[0]
				if strings.EqualFold(nick, p.rt.Host.Nick()) {
					return ev.Reply("not ignoring myself")
				}
				if err := p.set(ctx, nick, true); err != nil {
					return err
				}
				return ev.Reply("ignoring " + nick)
			},
		},
		{
			Name:      "unignore",
			Help:      "stop ignoring a nick",
			OwnerOnly: true,
			Run: func(ctx context.Context, ev plugin.CommandEvent) error {
				if len(ev.Args) != 1 {
					return ev.Reply("usage: unignore <nick>")
				}
				if err := p.set(ctx, ev.Args[0], false); err != nil {
					return err
				}
				return ev.Reply("no longer ignoring " + ev.Args[0])
			},
		},
		{
			Name: "ignored",
			Help: "list ignored nicks",
			Run: func(ctx context.Context, ev plugin.CommandEvent) error {
				p.mu.RLock()
				nicks := make([]string, 0, len(p.ignored))
				for n := range p.ignored {
					nicks = append(nicks, n)
				}
				p.mu.RUnlock()
				if len(nicks) == 0 {
					return ev.Reply("ignoring nobody")
				}
				sort.Strings(nicks)
				return ev.Reply("ignoring: " + strings.Join(nicks, ", "))
			},
		},
	}
}
