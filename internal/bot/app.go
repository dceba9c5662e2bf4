// Package bot ties the pieces together: configuration, the connection
// lifecycle with reconnect backoff, owner authentication, builtin commands
// and the plugin runtime.
package bot

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/klppl/ebba-irc-bot/internal/config"
	"github.com/klppl/ebba-irc-bot/internal/irc"
	"github.com/klppl/ebba-irc-bot/internal/plugin"
	"github.com/klppl/ebba-irc-bot/internal/runtime/supervisor"
	"github.com/klppl/ebba-irc-bot/internal/storage"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

const maxMessageBytes = 400

// Bot is the long-lived application object. The outbound queue, limiters,
// auth table and plugin manager live here and survive reconnects; only the
// Conn is rebuilt per connection attempt.
type Bot struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	queue     *irc.Queue
	perTarget *irc.WindowLimiter
	global    *rate.Limiter

	store   storage.Store
	auth    *Authenticator
	plugins *plugin.Manager
	// tasks tracks work handed off the connection's read loop, e.g. slow
	// plugin lifecycle commands.
	tasks *supervisor.Supervisor

	prefix    atomic.Value // string
	startedAt time.Time

	connMu sync.Mutex
	conn   *irc.Conn

	chanMu sync.Mutex
	joined map[string]string // normalized -> display name
}

func New(ctx context.Context, cfgMgr *config.Manager, logs *logx.Service, log logx.Logger) (*Bot, error) {
	cfg := cfgMgr.Get()
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}

	auth, err := NewAuthenticator(cfg.Owners)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, err
	}

	state, err := plugin.LoadStateFile(cfg.StateFile)
	if err != nil {
		return nil, err
	}

	window := config.MustDuration(cfg.Rate.PerTargetWindow, 2*time.Second)
	b := &Bot{
		cfgMgr:    cfgMgr,
		logs:      logs,
		log:       log,
		queue:     irc.NewQueue(cfg.Queue.Size),
		perTarget: irc.NewWindowLimiter(cfg.Rate.PerTargetCount, window),
		global:    rate.NewLimiter(rate.Limit(cfg.Rate.GlobalPerSec), cfg.Rate.GlobalBurst),
		store:     store,
		auth:      auth,
		startedAt: time.Now(),
		joined:    map[string]string{},
	}
	b.prefix.Store(cfg.Prefix)
	b.tasks = supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("component", "tasks"))))

	b.plugins = plugin.NewManager(ctx, log.With(logx.String("component", "plugins")), b, state, plugin.ManagerConfig{
		MaxConcurrent:  int64(cfg.Dispatch.MaxConcurrent),
		HandlerTimeout: config.MustDuration(cfg.Dispatch.HandlerTimeout, 0),
	})
	return b, nil
}

// Plugins exposes the manager so main can register factories.
func (b *Bot) Plugins() *plugin.Manager { return b.plugins }

// Run services the bot until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.logs != nil {
		b.logs.SetNotifier(b)
	}

	b.plugins.LoadEnabled(ctx)

	sup := supervisor.New(ctx, supervisor.WithLogger(b.log))
	sup.Go("irc", b.connectLoop)
	sup.Go("config.watch", b.cfgMgr.Watch)
	sup.Go0("config.apply", b.applyConfigLoop)

	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitErr := sup.Wait(shutCtx)
	_ = b.tasks.Wait(shutCtx)

	b.plugins.Shutdown(shutCtx)
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// applyConfigLoop picks up hot-reloaded config. Logging and the command
// prefix apply immediately; server and identity changes take effect on the
// next reconnect.
func (b *Bot) applyConfigLoop(ctx context.Context) {
	sub := b.cfgMgr.Subscribe(4)
	defer b.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			b.prefix.Store(cfg.Prefix)
			if b.logs != nil {
				b.logs.Apply(logxConfig(cfg.Logging))
			}
			b.log.Info("configuration applied",
				logx.String("prefix", cfg.Prefix),
				logx.String("note", "server changes take effect on next reconnect"))
		}
	}
}

func logxConfig(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		IRC: logx.IRCConfig{
			Enabled:    l.IRC.Enabled,
			Target:     l.IRC.Target,
			MinLevel:   l.IRC.MinLevel,
			RatePerSec: l.IRC.RatePerSec,
		},
	}
}

// connectLoop runs connection attempts forever, doubling the delay between
// attempts up to the max and resetting it once a connection stays
// registered past the stability window.
func (b *Bot) connectLoop(ctx context.Context) error {
	var delay time.Duration
	for {
		cfg := b.cfgMgr.Get()
		initial := config.MustDuration(cfg.Reconnect.Initial, 5*time.Second)
		max := config.MustDuration(cfg.Reconnect.Max, 60*time.Second)
		stability := config.MustDuration(cfg.Reconnect.Stability, 30*time.Second)

		conn := irc.NewConn(irc.ConnConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			UseTLS:       cfg.Server.UseTLS,
			Nickname:     cfg.Identity.Nickname,
			Username:     cfg.Identity.Username,
			Realname:     cfg.Identity.Realname,
			PingInterval: config.MustDuration(cfg.Keepalive.Interval, 60*time.Second),
			PingTimeout:  config.MustDuration(cfg.Keepalive.Timeout, 4*time.Minute),
		}, b.log.With(logx.String("component", "irc")), b.queue, b.perTarget, b.global, b.onMessage)

		b.setConn(conn)
		err := conn.Run(ctx)
		b.setConn(nil)

		// Grants are session-scoped; the channel list is re-learned from
		// the server on the next connection.
		b.auth.DropAll()
		b.resetJoined()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.log.Warn("connection lost", logx.Err(err))
		} else {
			b.log.Warn("connection closed by server")
		}

		ready := conn.ReadyAt()
		stable := !ready.IsZero() && time.Since(ready) >= stability
		if stable || delay <= 0 {
			delay = initial
		} else {
			delay *= 2
			if delay > max {
				delay = max
			}
		}

		b.log.Info("reconnecting", logx.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (b *Bot) setConn(c *irc.Conn) {
	b.connMu.Lock()
	b.conn = c
	b.connMu.Unlock()
}

func (b *Bot) currentConn() *irc.Conn {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn
}

// onMessage runs synchronously in the connection's read loop. Anything
// slow goes through the plugin manager's tracked tasks.
func (b *Bot) onMessage(ctx context.Context, msg irc.Message) {
	switch msg.Command {
	case irc.RplWelcome:
		go b.joinConfigured(ctx)

	case "NICK":
		old := msg.Nick()
		newNick := msg.Param(0)
		if newNick == "" {
			newNick = msg.Trailing
		}
		if conn := b.currentConn(); conn != nil && NormalizeNick(old) == NormalizeNick(conn.Nick()) {
			conn.SetNick(newNick)
		}
		b.auth.Drop(old)

	case "QUIT":
		b.auth.Drop(msg.Nick())

	case "JOIN":
		if NormalizeNick(msg.Nick()) == NormalizeNick(b.Nick()) {
			ch := msg.Param(0)
			if ch == "" {
				ch = msg.Trailing
			}
			b.trackJoin(ch)
		}

	case "PART":
		if NormalizeNick(msg.Nick()) == NormalizeNick(b.Nick()) {
			b.trackPart(msg.Param(0))
		}

	case "KICK":
		if NormalizeNick(msg.Param(1)) == NormalizeNick(b.Nick()) {
			b.trackPart(msg.Param(0))
		}

	case "PRIVMSG":
		b.handlePrivmsg(ctx, msg)
	}

	b.plugins.Dispatch(ctx, msg)
}

// joinConfigured joins the configured channels with a small delay between
// joins so a long list doesn't hit server-side flood protection.
func (b *Bot) joinConfigured(ctx context.Context) {
	cfg := b.cfgMgr.Get()
	delay := config.MustDuration(cfg.JoinDelay, 400*time.Millisecond)
	for i, ch := range cfg.Channels {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if err := b.Join(ch); err != nil {
			b.log.Warn("join failed", logx.String("channel", ch), logx.Err(err))
		}
	}
}

func (b *Bot) trackJoin(ch string) {
	if ch == "" {
		return
	}
	b.chanMu.Lock()
	b.joined[NormalizeNick(ch)] = ch
	b.chanMu.Unlock()
}

func (b *Bot) trackPart(ch string) {
	if ch == "" {
		return
	}
	b.chanMu.Lock()
	delete(b.joined, NormalizeNick(ch))
	b.chanMu.Unlock()
}

func (b *Bot) resetJoined() {
	b.chanMu.Lock()
	b.joined = map[string]string{}
	b.chanMu.Unlock()
}

// ---- plugin.Host ----

func (b *Bot) Privmsg(target, text string) error {
	for _, line := range splitMessage(text, maxMessageBytes) {
		out := irc.Outbound{Target: target, Line: "PRIVMSG " + target + " :" + line}
		if err := b.queue.Enqueue(out); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) Notice(target, text string) error {
	for _, line := range splitMessage(text, maxMessageBytes) {
		out := irc.Outbound{Target: target, Line: "NOTICE " + target + " :" + line}
		if err := b.queue.Enqueue(out); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) Join(channel string) error {
	return b.queue.Enqueue(irc.Outbound{Line: "JOIN " + channel})
}

func (b *Bot) Part(channel string) error {
	return b.queue.Enqueue(irc.Outbound{Line: "PART " + channel})
}

// Nick is the authoritative nickname: the live connection's if one is up,
// the configured one otherwise.
func (b *Bot) Nick() string {
	if conn := b.currentConn(); conn != nil {
		return conn.Nick()
	}
	return b.cfgMgr.Get().Identity.Nickname
}

func (b *Bot) Prefix() string {
	if p, ok := b.prefix.Load().(string); ok {
		return p
	}
	return "."
}

func (b *Bot) Channels() []string {
	b.chanMu.Lock()
	defer b.chanMu.Unlock()
	out := make([]string, 0, len(b.joined))
	for _, ch := range b.joined {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (b *Bot) Logger(name string) logx.Logger {
	return b.log.With(logx.String("component", name))
}

func (b *Bot) Store() storage.Store { return b.store }

// DataDir is the directory holding the plugin state file; plugins keep
// their own small files next to it.
func (b *Bot) DataDir() string {
	return filepath.Dir(b.cfgMgr.Get().StateFile)
}

// Notify implements logx.Notifier: the IRC log sink delivers through the
// normal queue so even log mirroring respects rate limits.
func (b *Bot) Notify(target, text string) {
	_ = b.Privmsg(target, text)
}

// splitMessage splits text on newlines and chunks anything longer than
// maxLen bytes so a single call can never produce an oversized line.
func splitMessage(text string, maxLen int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		for len(line) > maxLen {
			cut := maxLen
			// Avoid splitting a UTF-8 sequence.
			for cut > 0 && line[cut]&0xC0 == 0x80 {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
			out = append(out, line[:cut])
			line = line[cut:]
		}
		out = append(out, line)
	}
	return out
}
