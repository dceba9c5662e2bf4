// Package tell holds messages for offline users and delivers them the
// next time the recipient speaks or joins.
package tell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klppl/ebba-irc-bot/internal/irc"
	"github.com/klppl/ebba-irc-bot/internal/plugin"
	"github.com/klppl/ebba-irc-bot/internal/storage"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

type Plugin struct {
	rt    *plugin.Runtime
	store storage.Store
}

func New() plugin.Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "tell" }

func (p *Plugin) Load(ctx context.Context, rt *plugin.Runtime) error {
	if rt.Host.Store() == nil {
		return errors.New("tell requires storage")
	}
	p.rt = rt
	p.store = rt.Host.Store()
	return nil
}

func (p *Plugin) Unload(ctx context.Context) error { return nil }

// OnMessage delivers pending notes when the recipient shows activity.
func (p *Plugin) OnMessage(ctx context.Context, msg irc.Message) {
	switch msg.Command {
	case "PRIVMSG", "JOIN":
	default:
		return
	}
	nick := msg.Nick()
	if nick == "" || strings.EqualFold(nick, p.rt.Host.Nick()) {
		return
	}

	notes, err := p.store.PendingTells(ctx, nick)
	if err != nil {
		p.rt.Log.Warn("tell lookup failed", logx.String("nick", nick), logx.Err(err))
		return
	}
	for _, n := range notes {
		age := time.Since(n.CreatedAt).Round(time.Minute)
		text := fmt.Sprintf("%s: %s left you a message %s ago: %s", nick, n.From, age, n.Text)
		if err := p.rt.Host.Privmsg(nick, text); err != nil {
			// Queue saturated: keep the note, retry on next activity.
			p.rt.Log.Warn("tell delivery deferred", logx.String("nick", nick), logx.Err(err))
			return
		}
		if err := p.store.DeleteTell(ctx, n.ID); err != nil {
			p.rt.Log.Warn("tell cleanup failed", logx.Int64("id", n.ID), logx.Err(err))
		}
	}
}

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Name: "tell",
			Help: "leave a message for an offline user",
			Run: func(ctx context.Context, ev plugin.CommandEvent) error {
				if len(ev.Args) < 2 {
					return ev.Reply("usage: tell <nick> <message>")
				}
				to := ev.Args[0]
				if strings.EqualFold(to, ev.Nick) {
					return ev.Reply("you can tell yourself that right now")
				}
				if strings.EqualFold(to, p.rt.Host.Nick()) {
					return ev.Reply("I'm listening")
				}
				text := strings.TrimSpace(strings.TrimPrefix(ev.ArgLine, to))
				_, err := p.store.AddTell(ctx, storage.TellNote{
					From: ev.Nick,
					To:   to,
					Text: text,
				})
				if err != nil {
					return err
				}
				return ev.Reply(fmt.Sprintf("ok, I'll pass that to %s", to))
			},
		},
	}
}
