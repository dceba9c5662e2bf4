package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ConnConfig configures a single connection attempt.
type ConnConfig struct {
	Host   string
	Port   int
	UseTLS bool

	Nickname string
	Username string
	Realname string

	// DialTimeout bounds transport establishment.
	DialTimeout time.Duration
	// RegisterTimeout bounds the handshake (NICK/USER until 001).
	RegisterTimeout time.Duration
	// PingInterval is how long the link may stay quiet before we PING.
	PingInterval time.Duration
	// PingTimeout without any inbound traffic declares the link dead.
	PingTimeout time.Duration
}

func (c *ConnConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 60 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 4 * time.Minute
	}
}

// MessageFunc receives every parsed inbound line except PING (answered
// in-line) and 433 during the handshake (handled by the rename logic).
// Called synchronously from the read loop; implementations must not block.
type MessageFunc func(ctx context.Context, msg Message)

// Conn owns one socket and drives handshake, keepalive and the outbound
// drain. It is single-use: Run returns when the connection dies, and the
// reconnect supervisor builds a fresh Conn around the same Queue.
type Conn struct {
	cfg ConnConfig
	log logx.Logger

	queue     *Queue
	perTarget *WindowLimiter
	global    *rate.Limiter
	onMessage MessageFunc

	state atomic.Int32

	nickMu sync.Mutex
	nick   string

	writeMu sync.Mutex
	sock    net.Conn

	lastActivity atomic.Int64 // unix nano
	readyAt      atomic.Int64 // unix nano; 0 = handshake never completed

	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewConn wires a connection around the long-lived queue and limiters.
func NewConn(cfg ConnConfig, log logx.Logger, queue *Queue, perTarget *WindowLimiter, global *rate.Limiter, onMessage MessageFunc) *Conn {
	cfg.applyDefaults()
	return &Conn{
		cfg:       cfg,
		log:       log,
		queue:     queue,
		perTarget: perTarget,
		global:    global,
		onMessage: onMessage,
		nick:      cfg.Nickname,
		readyCh:   make(chan struct{}),
	}
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Nick returns the authoritative current nickname. It may differ from the
// configured one after a collision rename or a server-side NICK change.
func (c *Conn) Nick() string {
	c.nickMu.Lock()
	defer c.nickMu.Unlock()
	return c.nick
}

// SetNick updates the authoritative nickname (server-confirmed NICK change).
func (c *Conn) SetNick(nick string) {
	if strings.TrimSpace(nick) == "" {
		return
	}
	c.nickMu.Lock()
	c.nick = nick
	c.nickMu.Unlock()
}

// ReadyAt reports when registration completed; zero if it never did.
func (c *Conn) ReadyAt() time.Time {
	n := c.readyAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Conn) idle() time.Duration {
	n := c.lastActivity.Load()
	if n == 0 {
		return 0
	}
	return time.Since(time.Unix(0, n))
}

// Run connects, registers, and services the connection until it dies or
// ctx is cancelled. Always leaves the state machine in Disconnected.
func (c *Conn) Run(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	c.setState(StateConnecting)
	c.log.Info("connecting", logx.String("addr", addr), logx.Bool("tls", c.cfg.UseTLS))

	sock, err := c.dial(ctx, addr)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.writeMu.Lock()
	c.sock = sock
	c.writeMu.Unlock()
	c.touch()

	c.setState(StateHandshaking)
	if err := c.register(); err != nil {
		_ = sock.Close()
		c.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && runCtx.Err() == nil {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}
	spawn("read", c.readLoop)
	spawn("write", c.writeLoop)
	spawn("keepalive", c.keepaliveLoop)
	spawn("register", c.registerWatch)

	var runErr error
	select {
	case <-ctx.Done():
		// Graceful teardown: flush what we can, then say goodbye.
		c.setState(StateClosing)
		c.flush(2 * time.Second)
		_ = c.writeLine("QUIT :shutting down")
	case runErr = <-errCh:
		c.setState(StateClosing)
	}

	cancel()
	_ = sock.Close()
	wg.Wait()
	c.setState(StateDisconnected)
	return runErr
}

func (c *Conn) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if !c.cfg.UseTLS {
		return d.DialContext(ctx, "tcp", addr)
	}
	// ServerName pins certificate verification to the hostname we dialed,
	// not whatever identity the peer presents.
	td := &tls.Dialer{
		NetDialer: d,
		Config: &tls.Config{
			ServerName: c.cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
	}
	return td.DialContext(ctx, "tcp", addr)
}

func (c *Conn) register() error {
	nick := c.Nick()
	if err := c.writeLine("NICK " + nick); err != nil {
		return err
	}
	return c.writeLine(fmt.Sprintf("USER %s 0 * :%s", c.cfg.Username, c.cfg.Realname))
}

func (c *Conn) registerWatch(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return nil
	case <-time.After(c.cfg.RegisterTimeout):
		return fmt.Errorf("handshake timeout after %s", c.cfg.RegisterTimeout)
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	c.writeMu.Lock()
	sock := c.sock
	c.writeMu.Unlock()

	r := bufio.NewReaderSize(sock, 4096)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			c.touch()
			trimmed := strings.Trim(line, "\r\n")
			if trimmed != "" {
				c.handleLine(ctx, trimmed)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (c *Conn) handleLine(ctx context.Context, line string) {
	c.log.Trace("< " + line)

	msg := ParseMessage(line)
	if msg.Command == "" {
		// Malformed line: log and discard, the connection stays up.
		c.log.Debug("discarding malformed line", logx.String("line", line))
		return
	}

	switch msg.Command {
	case "PING":
		// Liveness pings are answered immediately, bypassing the queue
		// and rate limiting.
		payload := msg.Trailing
		if payload == "" {
			payload = "server"
		}
		_ = c.writeLine("PONG :" + payload)
		return

	case RplWelcome:
		c.markReady()

	case ErrNicknameInUse:
		// Only during registration does 433 mean we have no nickname yet.
		// Afterwards the server kept the current nick and the numeric just
		// reports a rejected NICK attempt; handlers may still see it.
		if c.State() == StateHandshaking {
			nick := c.renameNick()
			c.log.Warn("nickname in use; retrying", logx.String("nick", nick))
			_ = c.writeLine("NICK " + nick)
			return
		}
	}

	if c.onMessage != nil {
		c.onMessage(ctx, msg)
	}
}

func (c *Conn) markReady() {
	c.readyOnce.Do(func() {
		c.setState(StateReady)
		c.readyAt.Store(time.Now().UnixNano())
		c.log.Info("registered", logx.String("nick", c.Nick()))
		close(c.readyCh)
	})
}

// renameNick appends a disambiguating suffix and returns the new
// authoritative nickname.
func (c *Conn) renameNick() string {
	c.nickMu.Lock()
	c.nick += "_"
	nick := c.nick
	c.nickMu.Unlock()
	return nick
}

// writeLoop drains the queue once registration completes. Per-destination
// FIFO is preserved: a rate-deferred message parks its destination, and
// later messages to that destination park behind it, while messages to
// other destinations keep flowing.
func (c *Conn) writeLoop(ctx context.Context) error {
	parked := map[string][]Outbound{}
	due := map[string]time.Time{}

	// Anything still parked when the loop exits was enqueued but never
	// sent; it goes back into the queue for the next connection.
	defer func() {
		var back []Outbound
		for _, list := range parked {
			back = append(back, list...)
		}
		if dropped := c.queue.Requeue(back); dropped > 0 {
			c.log.Warn("undelivered messages dropped", logx.Int("count", dropped))
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-c.readyCh:
	}

	for {
		var timerC <-chan time.Time
		if next, ok := earliest(due); ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timerC = time.After(d)
		}

		select {
		case <-ctx.Done():
			return nil

		case m := <-c.queue.C():
			key := strings.ToLower(m.Target)
			if m.Target != "" && len(parked[key]) > 0 {
				parked[key] = append(parked[key], m)
				continue
			}
			if wait := c.perTarget.Reserve(m.Target); wait > 0 {
				parked[key] = append(parked[key], m)
				due[key] = time.Now().Add(wait)
				continue
			}
			if err := c.send(ctx, m); err != nil {
				parked[key] = append([]Outbound{m}, parked[key]...)
				return err
			}

		case <-timerC:
			now := time.Now()
			for key, at := range due {
				if at.After(now) {
					continue
				}
				list := parked[key]
				for len(list) > 0 {
					m := list[0]
					if wait := c.perTarget.Reserve(m.Target); wait > 0 {
						due[key] = time.Now().Add(wait)
						break
					}
					if err := c.send(ctx, m); err != nil {
						parked[key] = list
						return err
					}
					list = list[1:]
				}
				if len(list) == 0 {
					delete(parked, key)
					delete(due, key)
				} else {
					parked[key] = list
				}
			}
		}
	}
}

func earliest(due map[string]time.Time) (time.Time, bool) {
	var min time.Time
	for _, at := range due {
		if min.IsZero() || at.Before(min) {
			min = at
		}
	}
	return min, !min.IsZero()
}

// send fails without having written the line when the pacing wait is
// interrupted; the caller must keep m.
func (c *Conn) send(ctx context.Context, m Outbound) error {
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return err
		}
	}
	return c.writeLine(m.Line)
}

func (c *Conn) keepaliveLoop(ctx context.Context) error {
	tick := c.cfg.PingInterval / 2
	if tick < time.Second {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			idle := c.idle()
			if idle >= c.cfg.PingTimeout {
				return fmt.Errorf("keepalive timeout: no traffic for %s", idle.Round(time.Second))
			}
			if idle >= c.cfg.PingInterval {
				_ = c.writeLine("PING :" + c.cfg.Host)
			}
		}
	}
}

// flush performs a best-effort drain of the remaining queue straight to the
// socket, bounded by d. Used only during graceful shutdown.
func (c *Conn) flush(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		if time.Now().After(deadline) {
			return
		}
		select {
		case m := <-c.queue.ch:
			_ = c.writeLine(m.Line)
		default:
			return
		}
	}
}

func (c *Conn) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sock == nil {
		return fmt.Errorf("write %q: not connected", line)
	}
	c.log.Trace("> " + line)
	_ = c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.sock.Write([]byte(line + "\r\n"))
	return err
}
