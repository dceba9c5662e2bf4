package bot

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klppl/ebba-irc-bot/internal/config"
)

var (
	// ErrAuthFailed is returned for both unknown identities and wrong
	// passwords, so a probe cannot tell the cases apart.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrAuthCooldown means the identity must wait before trying again.
	ErrAuthCooldown = errors.New("authentication throttled")
)

const (
	authCooldownBase = 2 * time.Second
	authCooldownMax  = 10 * time.Minute
)

// NormalizeNick case-folds a nickname per the IRC convention, where
// {}|^ are the lowercase forms of []\~.
func NormalizeNick(nick string) string {
	var b strings.Builder
	b.Grow(len(nick))
	for _, r := range strings.ToLower(strings.TrimSpace(nick)) {
		switch r {
		case '[':
			r = '{'
		case ']':
			r = '}'
		case '\\':
			r = '|'
		case '~':
			r = '^'
		}
		b.WriteRune(r)
	}
	return b.String()
}

type failState struct {
	count int
	until time.Time
}

// Authenticator owns session-scoped owner grants. Grants never outlive a
// connection: the bot drops them on QUIT, NICK and disconnect.
type Authenticator struct {
	mu      sync.Mutex
	owners  map[string]string
	granted map[string]bool
	fails   map[string]*failState

	now func() time.Time
}

// NewAuthenticator builds the owner table. Nicknames that collide after
// case-folding are a config error, caught here rather than at auth time.
func NewAuthenticator(owners []config.OwnerConfig) (*Authenticator, error) {
	a := &Authenticator{
		owners:  map[string]string{},
		granted: map[string]bool{},
		fails:   map[string]*failState{},
		now:     time.Now,
	}
	for _, o := range owners {
		key := NormalizeNick(o.Nick)
		if key == "" {
			return nil, errors.New("owner nick is empty")
		}
		if _, dup := a.owners[key]; dup {
			return nil, fmt.Errorf("owner %q: duplicate after case folding", o.Nick)
		}
		a.owners[key] = o.Password
	}
	return a, nil
}

// Authenticate verifies the password for nick and, on success, grants
// owner access for the current session. Failures back off exponentially
// per identity and reveal nothing about which part was wrong.
func (a *Authenticator) Authenticate(nick, password string) error {
	key := NormalizeNick(nick)
	if key == "" {
		return ErrAuthFailed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if fs := a.fails[key]; fs != nil && now.Before(fs.until) {
		return fmt.Errorf("%w: retry in %s", ErrAuthCooldown, fs.until.Sub(now).Round(time.Second))
	}

	want, known := a.owners[key]
	// Compare even for unknown identities to keep timing uniform.
	cmp := want
	if !known {
		cmp = strings.Repeat("\x00", len(password)+1)
	}
	match := subtle.ConstantTimeCompare([]byte(cmp), []byte(password)) == 1
	ok := known && match
	if !ok {
		fs := a.fails[key]
		if fs == nil {
			fs = &failState{}
			a.fails[key] = fs
		}
		fs.count++
		cooldown := authCooldownBase << (fs.count - 1)
		if cooldown > authCooldownMax || cooldown <= 0 {
			cooldown = authCooldownMax
		}
		fs.until = now.Add(cooldown)
		return ErrAuthFailed
	}

	delete(a.fails, key)
	a.granted[key] = true
	return nil
}

// HasAccess reports whether nick holds a live owner grant.
func (a *Authenticator) HasAccess(nick string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.granted[NormalizeNick(nick)]
}

// Drop revokes the grant for one nick (QUIT, or the old name on NICK).
func (a *Authenticator) Drop(nick string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.granted, NormalizeNick(nick))
}

// DropAll revokes every grant. Called when the connection dies: grants are
// session-scoped and never survive a reconnect.
func (a *Authenticator) DropAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.granted = map[string]bool{}
}
