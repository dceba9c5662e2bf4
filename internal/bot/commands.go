package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/klppl/ebba-irc-bot/internal/irc"
	"github.com/klppl/ebba-irc-bot/internal/plugin"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

// handlePrivmsg strips the command prefix, routes builtins first and falls
// back to plugin commands. Non-command messages pass through untouched
// (they still reach plugin handlers via Dispatch).
func (b *Bot) handlePrivmsg(ctx context.Context, msg irc.Message) {
	target := msg.Param(0)
	text := msg.Trailing
	nick := msg.Nick()
	if nick == "" || target == "" {
		return
	}

	prefix := b.Prefix()
	if !strings.HasPrefix(text, prefix) || len(text) <= len(prefix) {
		return
	}
	rest := strings.TrimSpace(text[len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	argLine := strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))

	private := NormalizeNick(target) == NormalizeNick(b.Nick())
	replyTarget := target
	if private {
		replyTarget = nick
	}

	ev := plugin.CommandEvent{
		Msg:     msg,
		Target:  replyTarget,
		Nick:    nick,
		Args:    fields[1:],
		ArgLine: argLine,
		IsOwner: b.auth.HasAccess(nick),
		Reply:   func(t string) error { return b.Privmsg(replyTarget, t) },
	}

	if b.runBuiltin(ctx, name, private, ev) {
		return
	}

	handled, err := b.plugins.RunCommand(ctx, name, ev)
	if !handled {
		return
	}
	switch {
	case errors.Is(err, plugin.ErrOwnerOnly):
		_ = ev.Reply("that command is restricted to owners")
	case err != nil:
		b.log.Warn("command failed", logx.String("command", name), logx.String("nick", nick), logx.Err(err))
		_ = ev.Reply("command failed")
	}
}

func (b *Bot) runBuiltin(ctx context.Context, name string, private bool, ev plugin.CommandEvent) bool {
	switch name {
	case "auth":
		b.cmdAuth(private, ev)
	case "whoami":
		if ev.IsOwner {
			_ = ev.Reply(ev.Nick + ": authenticated owner")
		} else {
			_ = ev.Reply(ev.Nick + ": not authenticated")
		}
	case "plugins":
		b.cmdPlugins(ev)
	case "load":
		b.cmdLifecycle(ev, "load", b.plugins.Load)
	case "unload":
		b.cmdLifecycle(ev, "unload", b.plugins.Unload)
	case "reload":
		b.cmdLifecycle(ev, "reload", b.plugins.Reload)
	case "say":
		b.cmdSay(ev)
	case "join":
		b.cmdJoin(ctx, ev)
	case "part":
		b.cmdPart(ctx, ev)
	case "status", "health":
		b.cmdStatus(ev)
	case "help":
		b.cmdHelp(ev)
	default:
		return false
	}
	return true
}

func (b *Bot) cmdAuth(private bool, ev plugin.CommandEvent) {
	if !private {
		_ = ev.Reply("auth only works in a private message")
		return
	}
	if len(ev.Args) != 1 {
		_ = ev.Reply("usage: " + b.Prefix() + "auth <password>")
		return
	}
	err := b.auth.Authenticate(ev.Nick, ev.Args[0])
	switch {
	case err == nil:
		b.log.Info("owner authenticated", logx.String("nick", ev.Nick))
		_ = ev.Reply("authenticated; owner commands unlocked for this session")
	case errors.Is(err, ErrAuthCooldown):
		_ = ev.Reply(err.Error())
	default:
		b.log.Warn("authentication failed", logx.String("nick", ev.Nick))
		_ = ev.Reply("authentication failed")
	}
}

func (b *Bot) cmdPlugins(ev plugin.CommandEvent) {
	loaded := b.plugins.Loaded()
	known := b.plugins.Known()
	var available []string
	loadedSet := map[string]bool{}
	for _, n := range loaded {
		loadedSet[n] = true
	}
	for _, n := range known {
		if !loadedSet[n] {
			available = append(available, n)
		}
	}
	line := "loaded: " + joinOrNone(loaded)
	if len(available) > 0 {
		line += " | available: " + strings.Join(available, ", ")
	}
	_ = ev.Reply(line)
}

func (b *Bot) cmdLifecycle(ev plugin.CommandEvent, verb string, op func(context.Context, string) error) {
	if !ev.IsOwner {
		_ = ev.Reply("that command is restricted to owners")
		return
	}
	if len(ev.Args) != 1 {
		_ = ev.Reply("usage: " + b.Prefix() + verb + " <plugin>")
		return
	}
	name := ev.Args[0]
	// An unload waits for the plugin's in-flight tasks; keep that off the
	// connection's read loop so parsing and PONG replies stay live.
	b.tasks.Go0("plugin."+verb, func(ctx context.Context) {
		if err := op(ctx, name); err != nil {
			b.log.Warn("plugin "+verb+" failed", logx.String("plugin", name), logx.Err(err))
			_ = ev.Reply(verb + " " + name + ": " + err.Error())
			return
		}
		_ = ev.Reply(verb + " " + name + ": ok")
	})
}

func (b *Bot) cmdSay(ev plugin.CommandEvent) {
	if !ev.IsOwner {
		_ = ev.Reply("that command is restricted to owners")
		return
	}
	if len(ev.Args) < 2 {
		_ = ev.Reply("usage: " + b.Prefix() + "say <target> <text>")
		return
	}
	target := ev.Args[0]
	text := strings.TrimSpace(strings.TrimPrefix(ev.ArgLine, target))
	if err := b.Privmsg(target, text); err != nil {
		_ = ev.Reply("send failed: " + err.Error())
	}
}

func (b *Bot) cmdJoin(ctx context.Context, ev plugin.CommandEvent) {
	if !ev.IsOwner {
		_ = ev.Reply("that command is restricted to owners")
		return
	}
	if len(ev.Args) != 1 {
		_ = ev.Reply("usage: " + b.Prefix() + "join <channel>")
		return
	}
	ch := ev.Args[0]
	if err := b.Join(ch); err != nil {
		_ = ev.Reply("join failed: " + err.Error())
		return
	}
	if err := b.rememberChannel(ctx, ch); err != nil {
		b.log.Warn("channel not persisted", logx.String("channel", ch), logx.Err(err))
		_ = ev.Reply("joined " + ch + " (not persisted: " + err.Error() + ")")
		return
	}
	_ = ev.Reply("joined " + ch + " and remembered it")
}

func (b *Bot) cmdPart(ctx context.Context, ev plugin.CommandEvent) {
	if !ev.IsOwner {
		_ = ev.Reply("that command is restricted to owners")
		return
	}
	if len(ev.Args) != 1 {
		_ = ev.Reply("usage: " + b.Prefix() + "part <channel>")
		return
	}
	ch := ev.Args[0]
	if err := b.Part(ch); err != nil {
		_ = ev.Reply("part failed: " + err.Error())
		return
	}
	if err := b.forgetChannel(ctx, ch); err != nil {
		b.log.Warn("channel not removed from config", logx.String("channel", ch), logx.Err(err))
	}
	_ = ev.Reply("parted " + ch)
}

func (b *Bot) cmdStatus(ev plugin.CommandEvent) {
	state := "disconnected"
	connected := "n/a"
	nick := b.Nick()
	if conn := b.currentConn(); conn != nil {
		state = conn.State().String()
		if at := conn.ReadyAt(); !at.IsZero() {
			connected = time.Since(at).Round(time.Second).String()
		}
	}
	uptime := time.Since(b.startedAt).Round(time.Second)
	_ = ev.Reply(fmt.Sprintf("nick=%s state=%s uptime=%s connected=%s queue=%d/%d plugins=%d/%d channels=%d",
		nick, state, uptime, connected,
		b.queue.Len(), b.queue.Cap(),
		len(b.plugins.Loaded()), len(b.plugins.Known()),
		len(b.Channels())))
}

func (b *Bot) cmdHelp(ev plugin.CommandEvent) {
	builtins := []string{"auth", "whoami", "plugins", "load", "unload", "reload", "say", "join", "part", "status", "help"}
	names := append([]string(nil), builtins...)
	for _, c := range b.plugins.CommandList() {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	p := b.Prefix()
	for i := range names {
		names[i] = p + names[i]
	}
	_ = ev.Reply("commands: " + strings.Join(names, " "))
}

// rememberChannel persists a joined channel into the config file so it is
// rejoined after a restart.
func (b *Bot) rememberChannel(ctx context.Context, ch string) error {
	return b.cfgMgr.Mutate(ctx, func(doc map[string]any) (bool, error) {
		chans := toStringList(doc["channels"])
		for _, c := range chans {
			if NormalizeNick(c) == NormalizeNick(ch) {
				return false, nil
			}
		}
		doc["channels"] = append(chans, ch)
		return true, nil
	})
}

func (b *Bot) forgetChannel(ctx context.Context, ch string) error {
	return b.cfgMgr.Mutate(ctx, func(doc map[string]any) (bool, error) {
		chans := toStringList(doc["channels"])
		kept := chans[:0]
		changed := false
		for _, c := range chans {
			if NormalizeNick(c) == NormalizeNick(ch) {
				changed = true
				continue
			}
			kept = append(kept, c)
		}
		if !changed {
			return false, nil
		}
		doc["channels"] = kept
		return true, nil
	})
}

func toStringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, it := range list {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func joinOrNone(list []string) string {
	if len(list) == 0 {
		return "(none)"
	}
	return strings.Join(list, ", ")
}
