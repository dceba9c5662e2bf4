package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klppl/ebba-irc-bot/internal/irc"
	"github.com/klppl/ebba-irc-bot/internal/storage"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

type stubHost struct {
	mu   sync.Mutex
	sent []string
}

func (h *stubHost) Privmsg(target, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, target+" "+text)
	return nil
}
func (h *stubHost) Notice(target, text string) error { return h.Privmsg(target, text) }
func (h *stubHost) Join(channel string) error        { return nil }
func (h *stubHost) Part(channel string) error        { return nil }
func (h *stubHost) Nick() string                     { return "ebba" }
func (h *stubHost) Prefix() string                   { return "." }
func (h *stubHost) Channels() []string               { return nil }
func (h *stubHost) Logger(string) logx.Logger        { return logx.Nop() }
func (h *stubHost) Store() storage.Store             { return nil }
func (h *stubHost) DataDir() string                  { return "" }

type fakePlugin struct {
	name      string
	loadErr   error
	loadPanic bool
	cmds      []Command
	onMsg     func(ctx context.Context, msg irc.Message)
	allow     func(msg irc.Message) bool
	spawnTask bool

	unloaded     atomic.Bool
	taskStarted  chan struct{}
	taskStopped  atomic.Bool
	loadedInst   *atomic.Int32 // shared across factory calls when set
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Load(ctx context.Context, rt *Runtime) error {
	if p.loadPanic {
		panic("boom")
	}
	if p.loadErr != nil {
		return p.loadErr
	}
	if p.loadedInst != nil {
		p.loadedInst.Add(1)
	}
	if p.spawnTask {
		p.taskStarted = make(chan struct{})
		rt.Go0("task", func(ctx context.Context) {
			close(p.taskStarted)
			<-ctx.Done()
			p.taskStopped.Store(true)
		})
	}
	return nil
}

func (p *fakePlugin) Unload(ctx context.Context) error {
	p.unloaded.Store(true)
	return nil
}

func (p *fakePlugin) OnMessage(ctx context.Context, msg irc.Message) {
	if p.onMsg != nil {
		p.onMsg(ctx, msg)
	}
}

func (p *fakePlugin) Commands() []Command { return p.cmds }

func (p *fakePlugin) Allow(msg irc.Message) bool {
	if p.allow == nil {
		return true
	}
	return p.allow(msg)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	state, err := LoadStateFile(filepath.Join(t.TempDir(), "plugins.state.json"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return NewManager(context.Background(), logx.Nop(), &stubHost{}, state, ManagerConfig{
		MaxConcurrent: 4,
		UnloadWait:    2 * time.Second,
	})
}

func TestLoadRegistersAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	p := &fakePlugin{name: "echo", cmds: []Command{{
		Name: "echo",
		Run: func(ctx context.Context, ev CommandEvent) error {
			return ev.Reply("echo: " + ev.ArgLine)
		},
	}}}
	if err := m.Register("echo", func() Plugin { return p }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "echo"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !m.IsLoaded("echo") {
		t.Fatal("not loaded")
	}
	if enabled, known := m.state.Enabled("echo"); !known || !enabled {
		t.Fatalf("persisted state: enabled=%v known=%v", enabled, known)
	}

	var replied string
	handled, err := m.RunCommand(ctx, "ECHO", CommandEvent{
		ArgLine: "hi",
		Reply:   func(text string) error { replied = text; return nil },
	})
	if !handled || err != nil {
		t.Fatalf("run: handled=%v err=%v", handled, err)
	}
	if replied != "echo: hi" {
		t.Fatalf("reply = %q", replied)
	}
}

func TestFailedLoadLeavesPriorState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	fail := true
	if err := m.Register("flaky", func() Plugin {
		if fail {
			return &fakePlugin{name: "flaky", loadErr: errors.New("init failed")}
		}
		return &fakePlugin{name: "flaky"}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.Load(ctx, "flaky"); err == nil {
		t.Fatal("load should fail")
	}
	if m.IsLoaded("flaky") {
		t.Fatal("failed load must not leave the plugin loaded")
	}
	if _, known := m.state.Enabled("flaky"); known {
		t.Fatal("failed load must not persist state")
	}

	// A retry behaves like a first attempt.
	fail = false
	if err := m.Load(ctx, "flaky"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !m.IsLoaded("flaky") {
		t.Fatal("retry did not load")
	}
}

func TestLoadPanicIsRecovered(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if err := m.Register("bad", func() Plugin { return &fakePlugin{name: "bad", loadPanic: true} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := m.Load(context.Background(), "bad")
	if err == nil {
		t.Fatal("panic during load must surface as error")
	}
	if m.IsLoaded("bad") {
		t.Fatal("panicked plugin must not be loaded")
	}
}

func TestUnloadCancelsTasksAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	p := &fakePlugin{name: "worker", spawnTask: true}
	if err := m.Register("worker", func() Plugin { return p }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "worker"); err != nil {
		t.Fatalf("load: %v", err)
	}
	select {
	case <-p.taskStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	if err := m.Unload(ctx, "worker"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !p.taskStopped.Load() {
		t.Fatal("unload returned before tracked task observed cancellation")
	}
	if !p.unloaded.Load() {
		t.Fatal("unload hook not called")
	}
	if enabled, known := m.state.Enabled("worker"); !known || enabled {
		t.Fatalf("persisted state after unload: enabled=%v known=%v", enabled, known)
	}
}

func TestUnloadPersistFailureKeepsPluginLoaded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	p := &fakePlugin{name: "sticky"}
	if err := m.Register("sticky", func() Plugin { return p }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "sticky"); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Point the state file somewhere unwritable: the parent is a regular
	// file, so the durable write must fail before any teardown starts.
	goodPath := m.state.path
	m.state.path = filepath.Join(goodPath, "nested", "state.json")

	if err := m.Unload(ctx, "sticky"); err == nil {
		t.Fatal("unload should fail when state cannot be persisted")
	}
	if !m.IsLoaded("sticky") {
		t.Fatal("plugin must stay loaded when the durable write fails")
	}
	if p.unloaded.Load() {
		t.Fatal("unload hook must not run when the durable write fails")
	}
}

func TestReloadBuildsFreshInstance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	var builds atomic.Int32
	if err := m.Register("fresh", func() Plugin {
		return &fakePlugin{name: "fresh", loadedInst: &builds}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "fresh"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.Reload(ctx, "fresh"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := builds.Load(); got != 2 {
		t.Fatalf("instances built = %d, want 2", got)
	}
	if !m.IsLoaded("fresh") {
		t.Fatal("not loaded after reload")
	}
	if enabled, _ := m.state.Enabled("fresh"); !enabled {
		t.Fatal("reload must leave the plugin enabled")
	}
}

func TestCommandConflictFailsLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	mk := func(name string) Factory {
		return func() Plugin {
			return &fakePlugin{name: name, cmds: []Command{{
				Name: "shared",
				Run:  func(ctx context.Context, ev CommandEvent) error { return nil },
			}}}
		}
	}
	if err := m.Register("first", mk("first")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("second", mk("second")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "first"); err != nil {
		t.Fatalf("load first: %v", err)
	}
	if err := m.Load(ctx, "second"); err == nil {
		t.Fatal("conflicting command must fail the load")
	}
	if m.IsLoaded("second") {
		t.Fatal("second must not be loaded")
	}
	if handled, _ := m.RunCommand(ctx, "shared", CommandEvent{Reply: func(string) error { return nil }}); !handled {
		t.Fatal("first plugin's command lost")
	}
}

func TestDispatchConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t) // ceiling of 4

	const messages = 32
	var wg sync.WaitGroup
	wg.Add(messages)
	var cur, max atomic.Int32
	p := &fakePlugin{name: "slow", onMsg: func(ctx context.Context, msg irc.Message) {
		defer wg.Done()
		n := cur.Add(1)
		for {
			old := max.Load()
			if n <= old || max.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
	}}
	if err := m.Register("slow", func() Plugin { return p }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "slow"); err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := 0; i < messages; i++ {
		m.Dispatch(ctx, irc.Message{Command: "PRIVMSG", Params: []string{"#c"}, Trailing: fmt.Sprintf("m%d", i)})
	}
	wg.Wait()

	if got := max.Load(); got > 4 {
		t.Fatalf("concurrent handlers peaked at %d, ceiling is 4", got)
	}
}

func TestFilterVetoesDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	var handled atomic.Int32
	gate := &fakePlugin{name: "gate", allow: func(msg irc.Message) bool {
		return msg.Nick() != "troll"
	}}
	sink := &fakePlugin{name: "sink", onMsg: func(ctx context.Context, msg irc.Message) {
		handled.Add(1)
	}}
	if err := m.Register("gate", func() Plugin { return gate }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("sink", func() Plugin { return sink }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "gate"); err != nil {
		t.Fatalf("load gate: %v", err)
	}
	if err := m.Load(ctx, "sink"); err != nil {
		t.Fatalf("load sink: %v", err)
	}

	m.Dispatch(ctx, irc.Message{Prefix: "troll!i@h", Command: "PRIVMSG", Params: []string{"#c"}, Trailing: "spam"})
	m.Dispatch(ctx, irc.Message{Prefix: "alice!i@h", Command: "PRIVMSG", Params: []string{"#c"}, Trailing: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give any stray vetoed dispatch a moment to show up.
	time.Sleep(30 * time.Millisecond)
	if got := handled.Load(); got != 1 {
		t.Fatalf("handled = %d, want exactly the non-vetoed message", got)
	}
}

func TestOwnerOnlyCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	p := &fakePlugin{name: "admin", cmds: []Command{{
		Name:      "wipe",
		OwnerOnly: true,
		Run:       func(ctx context.Context, ev CommandEvent) error { return nil },
	}}}
	if err := m.Register("admin", func() Plugin { return p }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Load(ctx, "admin"); err != nil {
		t.Fatalf("load: %v", err)
	}

	handled, err := m.RunCommand(ctx, "wipe", CommandEvent{IsOwner: false})
	if !handled {
		t.Fatal("command not found")
	}
	if !errors.Is(err, ErrOwnerOnly) {
		t.Fatalf("err = %v, want ErrOwnerOnly", err)
	}
	if _, err := m.RunCommand(ctx, "wipe", CommandEvent{IsOwner: true}); err != nil {
		t.Fatalf("owner run: %v", err)
	}
}

func TestLoadEnabledSkipsDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.Register("on", func() Plugin { return &fakePlugin{name: "on"} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("off", func() Plugin { return &fakePlugin{name: "off"} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.state.Set(ctx, "off", false); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	m.LoadEnabled(ctx)

	if !m.IsLoaded("on") {
		t.Fatal("unknown plugin should default to enabled")
	}
	if m.IsLoaded("off") {
		t.Fatal("disabled plugin must stay unloaded")
	}
}
