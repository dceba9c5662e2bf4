// Package remind schedules one-shot reminders. Reminders are persisted,
// so they survive restarts; a periodic job delivers whatever has come due.
package remind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klppl/ebba-irc-bot/internal/plugin"
	"github.com/klppl/ebba-irc-bot/internal/scheduler"
	"github.com/klppl/ebba-irc-bot/internal/storage"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

const pollSpec = "@every 15s"

type Plugin struct {
	rt    *plugin.Runtime
	store storage.Store
	sched *scheduler.Service
}

func New() plugin.Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "remind" }

func (p *Plugin) Load(ctx context.Context, rt *plugin.Runtime) error {
	if rt.Host.Store() == nil {
		return errors.New("remind requires storage")
	}
	p.rt = rt
	p.store = rt.Host.Store()

	p.sched = scheduler.New(rt.Log)
	if err := p.sched.Add("deliver", pollSpec, p.deliverDue); err != nil {
		return err
	}
	rt.Go("scheduler", p.sched.Run)
	return nil
}

func (p *Plugin) Unload(ctx context.Context) error { return nil }

func (p *Plugin) deliverDue(ctx context.Context) {
	due, err := p.store.DueReminders(ctx, time.Now())
	if err != nil {
		p.rt.Log.Warn("reminder poll failed", logx.Err(err))
		return
	}
	for _, r := range due {
		text := fmt.Sprintf("%s: reminder: %s", r.Nick, r.Text)
		if err := p.rt.Host.Privmsg(r.Target, text); err != nil {
			// Queue saturated: the reminder stays stored for the next poll.
			p.rt.Log.Warn("reminder deferred", logx.Int64("id", r.ID), logx.Err(err))
			return
		}
		if err := p.store.DeleteReminder(ctx, r.ID); err != nil {
			p.rt.Log.Warn("reminder cleanup failed", logx.Int64("id", r.ID), logx.Err(err))
		}
	}
}

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Name:    "remind",
			Aliases: []string{"remindme"},
			Help:    "remind in a given duration, e.g. remind 30m tea",
			Run: func(ctx context.Context, ev plugin.CommandEvent) error {
				if len(ev.Args) < 2 {
					return ev.Reply("usage: remind <duration> <text>  (e.g. remind 30m tea)")
				}
				d, err := time.ParseDuration(ev.Args[0])
				if err != nil || d <= 0 {
					return ev.Reply("invalid duration " + ev.Args[0] + ", try 90s, 30m or 2h")
				}
				text := strings.TrimSpace(strings.TrimPrefix(ev.ArgLine, ev.Args[0]))
				due := time.Now().Add(d)
				_, err = p.store.AddReminder(ctx, storage.Reminder{
					Target: ev.Target,
					Nick:   ev.Nick,
					Text:   text,
					DueAt:  due,
				})
				if err != nil {
					return err
				}
				return ev.Reply(fmt.Sprintf("ok, reminding you in %s", d))
			},
		},
	}
}
