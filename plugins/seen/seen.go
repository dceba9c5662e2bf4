// Package seen tracks when a nickname last spoke and answers ".seen
// <nick>" from the persistent store.
package seen

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

func (p *Plugin) Name() string { return "seen" }

func (p *Plugin) Load(ctx context.Context, rt *plugin.Runtime) error {
	if rt.Host.Store() == nil {
		return errors.New("seen requires storage")
	}
	p.rt = rt
	p.store = rt.Host.Store()
	return nil
}

func (p *Plugin) Unload(ctx context.Context) error { return nil }

func (p *Plugin) OnMessage(ctx context.Context, msg irc.Message) {
	if msg.Command != "PRIVMSG" {
		return
	}
	nick := msg.Nick()
	channel := msg.Param(0)
	// Queries don't count as public activity.
	if nick == "" || !strings.HasPrefix(channel, "#") {
		return
	}
	err := p.store.SetSeen(ctx, storage.SeenEntry{
		Nick:    nick,
		Channel: channel,
		Text:    msg.Trailing,
		At:      time.Now(),
	})
	if err != nil {
		p.rt.Log.Warn("seen update failed", logx.String("nick", nick), logx.Err(err))
	}
}

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Name: "seen",
			Help: "when did a nick last speak",
			Run: func(ctx context.Context, ev plugin.CommandEvent) error {
				if len(ev.Args) != 1 {
					return ev.Reply("usage: seen <nick>")
				}
				who := ev.Args[0]
				if strings.EqualFold(who, ev.Nick) {
					return ev.Reply(ev.Nick + ": right there, saying that")
				}
				if strings.EqualFold(who, p.rt.Host.Nick()) {
					return ev.Reply("that's me")
				}
				e, ok, err := p.store.GetSeen(ctx, who)
				if err != nil {
					return err
				}
				if !ok {
					return ev.Reply("never seen " + who)
				}
				ago := time.Since(e.At).Round(time.Second)
				return ev.Reply(fmt.Sprintf("%s was last seen %s ago in %s saying: %s", e.Nick, ago, e.Channel, e.Text))
			},
		},
	}
}
