package echo

import (
	"context"
	"strings"

	"github.com/klppl/ebba-irc-bot/internal/plugin"
)

type Plugin struct {
	rt *plugin.Runtime
}

func New() plugin.Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "echo" }

func (p *Plugin) Load(ctx context.Context, rt *plugin.Runtime) error {
	p.rt = rt
	return nil
}

func (p *Plugin) Unload(ctx context.Context) error { return nil }

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Name:    "echo",
			Aliases: []string{"say-again"},
			Help:    "echo back text",
			Run: func(ctx context.Context, ev plugin.CommandEvent) error {
				txt := strings.TrimSpace(ev.ArgLine)
				if txt == "" {
					txt = "(empty)"
				}
				return ev.Reply(txt)
			},
		},
	}
}
