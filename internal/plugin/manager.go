package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/klppl/ebba-irc-bot/internal/irc"
	"github.com/klppl/ebba-irc-bot/internal/runtime/supervisor"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

const defaultUnloadWait = 5 * time.Second

// record is one loaded plugin incarnation.
type record struct {
	name     string
	p        Plugin
	sup      *supervisor.Supervisor
	cancel   context.CancelFunc
	handler  MessageHandler
	filter   Filter
	cmdKeys  []string
	loadedAt time.Time
}

type binding struct {
	plugin string
	cmd    Command
}

// CommandInfo is the read-only view of a registered command.
type CommandInfo struct {
	Plugin    string
	Name      string
	Aliases   []string
	Help      string
	OwnerOnly bool
}

// ErrOwnerOnly is returned by RunCommand when a restricted command is
// invoked by a non-owner.
var ErrOwnerOnly = fmt.Errorf("command restricted to owners")

// Manager owns the plugin lifecycle. Load and unload of the same name are
// serialized by a per-name lock; dispatch takes read snapshots so lifecycle
// operations never observe a half-built record.
type Manager struct {
	baseCtx context.Context
	log     logx.Logger
	host    Host
	state   *StateFile

	sem            *semaphore.Weighted
	handlerTimeout time.Duration
	unloadWait     time.Duration

	factMu    sync.Mutex
	factories map[string]Factory

	opsMu sync.Mutex
	ops   map[string]*sync.Mutex

	mu       sync.RWMutex
	records  map[string]*record
	commands map[string]*binding
}

// ManagerConfig bundles manager tunables.
type ManagerConfig struct {
	// MaxConcurrent caps handler executions in flight across all plugins.
	MaxConcurrent int64
	// HandlerTimeout bounds each handler invocation; zero means unbounded.
	HandlerTimeout time.Duration
	// UnloadWait bounds how long unload waits for tracked tasks.
	UnloadWait time.Duration
}

func NewManager(ctx context.Context, log logx.Logger, host Host, state *StateFile, cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.UnloadWait <= 0 {
		cfg.UnloadWait = defaultUnloadWait
	}
	return &Manager{
		baseCtx:        ctx,
		log:            log,
		host:           host,
		state:          state,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		handlerTimeout: cfg.HandlerTimeout,
		unloadWait:     cfg.UnloadWait,
		factories:      map[string]Factory{},
		ops:            map[string]*sync.Mutex{},
		records:        map[string]*record{},
		commands:       map[string]*binding{},
	}
}

// Register adds a plugin factory. Names are unique.
func (m *Manager) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register plugin: empty name or nil factory")
	}
	m.factMu.Lock()
	defer m.factMu.Unlock()
	if _, dup := m.factories[name]; dup {
		return fmt.Errorf("register plugin %s: duplicate name", name)
	}
	m.factories[name] = f
	return nil
}

// Known lists registered factory names.
func (m *Manager) Known() []string {
	m.factMu.Lock()
	defer m.factMu.Unlock()
	names := make([]string, 0, len(m.factories))
	for n := range m.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Loaded lists currently loaded plugin names.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for n := range m.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) IsLoaded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[name]
	return ok
}

// LoadEnabled loads every registered plugin whose persisted flag is enabled
// (unknown names default to enabled). Individual failures are logged and
// skipped so one bad plugin does not block startup.
func (m *Manager) LoadEnabled(ctx context.Context) {
	for _, name := range m.Known() {
		if enabled, known := m.state.Enabled(name); known && !enabled {
			m.log.Debug("plugin disabled, skipping", logx.String("plugin", name))
			continue
		}
		if err := m.Load(ctx, name); err != nil {
			m.log.Error("plugin failed to load at startup", logx.String("plugin", name), logx.Err(err))
		}
	}
}

func (m *Manager) opFor(name string) *sync.Mutex {
	m.opsMu.Lock()
	defer m.opsMu.Unlock()
	mu := m.ops[name]
	if mu == nil {
		mu = &sync.Mutex{}
		m.ops[name] = mu
	}
	return mu
}

// Load instantiates, initializes, persists and commits a plugin. Any
// failure rolls back completely: a failed load leaves the manager exactly
// as it was, and a retry behaves like a first attempt.
func (m *Manager) Load(ctx context.Context, name string) error {
	op := m.opFor(name)
	op.Lock()
	defer op.Unlock()
	return m.loadLocked(ctx, name)
}

func (m *Manager) loadLocked(ctx context.Context, name string) error {
	if m.IsLoaded(name) {
		return fmt.Errorf("plugin %s: already loaded", name)
	}

	m.factMu.Lock()
	f := m.factories[name]
	m.factMu.Unlock()
	if f == nil {
		return fmt.Errorf("plugin %s: unknown", name)
	}

	p := f()
	if p == nil || p.Name() != name {
		return fmt.Errorf("plugin %s: factory produced wrong instance", name)
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	sup := supervisor.New(runCtx, supervisor.WithLogger(m.log.With(logx.String("plugin", name))))
	rt := &Runtime{
		Host:  m.host,
		Log:   m.log.With(logx.String("plugin", name)),
		ctx:   sup.Context(),
		spawn: sup,
	}

	rollback := func() {
		cancel()
		_ = sup.StopTimeout(m.unloadWait)
		_ = safeCall(func() error { return p.Unload(context.Background()) })
	}

	if err := safeCall(func() error { return p.Load(ctx, rt) }); err != nil {
		cancel()
		_ = sup.StopTimeout(m.unloadWait)
		return fmt.Errorf("load %s: %w", name, err)
	}

	var cmds []Command
	if cp, ok := p.(CommandProvider); ok {
		cmds = cp.Commands()
	}

	rec := &record{
		name:     name,
		p:        p,
		sup:      sup,
		cancel:   cancel,
		loadedAt: time.Now(),
	}
	if h, ok := p.(MessageHandler); ok {
		rec.handler = h
	}
	if fl, ok := p.(Filter); ok {
		rec.filter = fl
	}

	// Conflict check, durable write and commit happen under one write
	// lock so dispatch sees the plugin appear atomically, and the
	// in-memory state never runs ahead of the state file.
	m.mu.Lock()
	keys, err := m.bindKeysLocked(name, cmds)
	if err != nil {
		m.mu.Unlock()
		rollback()
		return err
	}
	if err := m.state.Set(ctx, name, true); err != nil {
		m.mu.Unlock()
		rollback()
		return fmt.Errorf("load %s: persist state: %w", name, err)
	}
	rec.cmdKeys = keys
	for _, c := range cmds {
		c := c
		for _, k := range commandKeys(c) {
			m.commands[k] = &binding{plugin: name, cmd: c}
		}
	}
	m.records[name] = rec
	m.mu.Unlock()

	m.log.Info("plugin loaded", logx.String("plugin", name), logx.Int("commands", len(cmds)))
	return nil
}

func commandKeys(c Command) []string {
	keys := make([]string, 0, 1+len(c.Aliases))
	if c.Name != "" {
		keys = append(keys, strings.ToLower(c.Name))
	}
	for _, a := range c.Aliases {
		if a != "" {
			keys = append(keys, strings.ToLower(a))
		}
	}
	return keys
}

// bindKeysLocked validates the new commands against the flat namespace.
// Caller holds m.mu.
func (m *Manager) bindKeysLocked(name string, cmds []Command) ([]string, error) {
	var keys []string
	seen := map[string]bool{}
	for _, c := range cmds {
		if c.Run == nil {
			return nil, fmt.Errorf("load %s: command %q has no handler", name, c.Name)
		}
		for _, k := range commandKeys(c) {
			if seen[k] {
				return nil, fmt.Errorf("load %s: duplicate command %q within plugin", name, k)
			}
			seen[k] = true
			if b, taken := m.commands[k]; taken {
				return nil, fmt.Errorf("load %s: command %q already registered by %s", name, k, b.plugin)
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Unload persists the disabled flag, cancels and awaits the plugin's
// tracked tasks, then detaches it. The durable write happens first: if it
// fails, the plugin stays loaded and in-memory state is unchanged.
func (m *Manager) Unload(ctx context.Context, name string) error {
	op := m.opFor(name)
	op.Lock()
	defer op.Unlock()
	return m.unloadLocked(ctx, name, true)
}

func (m *Manager) unloadLocked(ctx context.Context, name string, persist bool) error {
	m.mu.RLock()
	rec := m.records[name]
	m.mu.RUnlock()
	if rec == nil {
		return fmt.Errorf("plugin %s: not loaded", name)
	}

	if persist {
		if err := m.state.Set(ctx, name, false); err != nil {
			return fmt.Errorf("unload %s: persist state: %w", name, err)
		}
	}

	rec.cancel()
	waitCtx, cancel := context.WithTimeout(context.Background(), m.unloadWait)
	err := rec.sup.Wait(waitCtx)
	cancel()
	if err != nil {
		m.log.Warn("plugin tasks did not finish in time", logx.String("plugin", name), logx.Err(err))
	}

	if err := safeCall(func() error { return rec.p.Unload(ctx) }); err != nil {
		m.log.Warn("plugin unload hook failed", logx.String("plugin", name), logx.Err(err))
	}

	m.mu.Lock()
	delete(m.records, name)
	for _, k := range rec.cmdKeys {
		if b := m.commands[k]; b != nil && b.plugin == name {
			delete(m.commands, k)
		}
	}
	m.mu.Unlock()

	m.log.Info("plugin unloaded", logx.String("plugin", name))
	return nil
}

// Reload unloads and loads under one lifecycle lock, so no interleaved
// load/unload of the same name can slip in between.
func (m *Manager) Reload(ctx context.Context, name string) error {
	op := m.opFor(name)
	op.Lock()
	defer op.Unlock()

	if err := m.unloadLocked(ctx, name, true); err != nil {
		return err
	}
	return m.loadLocked(ctx, name)
}

// Shutdown detaches all plugins without touching persisted flags, so the
// next start restores the same set.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, name := range m.Loaded() {
		op := m.opFor(name)
		op.Lock()
		if err := m.unloadLocked(ctx, name, false); err != nil {
			m.log.Warn("plugin shutdown unload failed", logx.String("plugin", name), logx.Err(err))
		}
		op.Unlock()
	}
}

// Dispatch fans a message out to every loaded handler. Each invocation
// runs as a tracked task gated by the global semaphore; a loaded filter
// can veto the message before fan-out.
func (m *Manager) Dispatch(ctx context.Context, msg irc.Message) {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	for _, r := range recs {
		if r.filter != nil && !r.filter.Allow(msg) {
			m.log.Debug("message vetoed", logx.String("plugin", r.name), logx.String("command", msg.Command))
			return
		}
	}

	for _, r := range recs {
		if r.handler == nil {
			continue
		}
		r := r
		r.sup.Go0("handle."+strings.ToLower(msg.Command), func(taskCtx context.Context) {
			if err := m.sem.Acquire(taskCtx, 1); err != nil {
				return
			}
			defer m.sem.Release(1)

			hctx := taskCtx
			if m.handlerTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(taskCtx, m.handlerTimeout)
				defer cancel()
			}
			r.handler.OnMessage(hctx, msg)
		})
	}
}

// RunCommand executes a registered command by key. The first return value
// reports whether the key was known.
func (m *Manager) RunCommand(ctx context.Context, key string, ev CommandEvent) (bool, error) {
	m.mu.RLock()
	b := m.commands[strings.ToLower(key)]
	m.mu.RUnlock()
	if b == nil {
		return false, nil
	}
	if b.cmd.OwnerOnly && !ev.IsOwner {
		return true, ErrOwnerOnly
	}
	err := safeCall(func() error { return b.cmd.Run(ctx, ev) })
	if err != nil {
		return true, fmt.Errorf("command %s (%s): %w", key, b.plugin, err)
	}
	return true, nil
}

// CommandList returns the registered commands for help output, sorted by
// name and de-duplicated across aliases.
func (m *Manager) CommandList() []CommandInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var out []CommandInfo
	for _, b := range m.commands {
		key := b.plugin + "\x00" + b.cmd.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, CommandInfo{
			Plugin:    b.plugin,
			Name:      b.cmd.Name,
			Aliases:   append([]string(nil), b.cmd.Aliases...),
			Help:      b.cmd.Help,
			OwnerOnly: b.cmd.OwnerOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
