package bot

import (
	"errors"
	"testing"
	"time"

	"github.com/klppl/ebba-irc-bot/internal/config"
)

func TestNormalizeNick(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"Alice", "alice"},
		{"  Alice ", "alice"},
		{"ali[ce]", "ali{ce}"},
		{"a\\b", "a|b"},
		{"nick~", "nick^"},
		{"{already}", "{already}"},
	}
	for _, tc := range cases {
		if got := NormalizeNick(tc.in); got != tc.want {
			t.Errorf("NormalizeNick(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAuthenticatorRejectsCaseFoldedDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewAuthenticator([]config.OwnerConfig{
		{Nick: "Alice", Password: "x"},
		{Nick: "ALICE", Password: "y"},
	})
	if err == nil {
		t.Fatal("case-folded duplicate owners must be rejected")
	}

	// [] and {} fold together too.
	_, err = NewAuthenticator([]config.OwnerConfig{
		{Nick: "nick[1]", Password: "x"},
		{Nick: "nick{1}", Password: "y"},
	})
	if err == nil {
		t.Fatal("bracket variants fold to the same identity")
	}
}

func TestAuthenticateGrantsAndDrops(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator([]config.OwnerConfig{{Nick: "alice", Password: "secret"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := a.Authenticate("Alice", "secret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !a.HasAccess("ALICE") {
		t.Fatal("grant must be case-insensitive")
	}

	a.Drop("alice")
	if a.HasAccess("alice") {
		t.Fatal("dropped grant still live")
	}
}

func TestAuthenticateFailureLeaksNothing(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator([]config.OwnerConfig{{Nick: "alice", Password: "secret"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	wrongPass := a.Authenticate("alice", "nope")
	unknown := a.Authenticate("mallory", "nope")
	if !errors.Is(wrongPass, ErrAuthFailed) || !errors.Is(unknown, ErrAuthFailed) {
		t.Fatalf("wrong password: %v, unknown identity: %v; both must be ErrAuthFailed", wrongPass, unknown)
	}
}

func TestAuthenticateCooldownGrowsAndClears(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator([]config.OwnerConfig{{Nick: "alice", Password: "secret"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now()
	a.now = func() time.Time { return now }

	if err := a.Authenticate("alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("first failure: %v", err)
	}

	// Inside the first cooldown window even the right password is refused.
	now = now.Add(time.Second)
	if err := a.Authenticate("alice", "secret"); !errors.Is(err, ErrAuthCooldown) {
		t.Fatalf("during cooldown: %v, want ErrAuthCooldown", err)
	}

	// After the window a second failure doubles the cooldown.
	now = now.Add(2 * time.Second)
	if err := a.Authenticate("alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("second failure: %v", err)
	}
	now = now.Add(3 * time.Second)
	if err := a.Authenticate("alice", "secret"); !errors.Is(err, ErrAuthCooldown) {
		t.Fatal("doubled cooldown should still be in force after 3s")
	}

	// Past the doubled window, success clears the failure history.
	now = now.Add(2 * time.Second)
	if err := a.Authenticate("alice", "secret"); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
	if !a.HasAccess("alice") {
		t.Fatal("grant missing after successful auth")
	}

	// Cooldown state was reset: a fresh failure starts at the base again.
	a.Drop("alice")
	if err := a.Authenticate("alice", "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("fresh failure: %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := a.Authenticate("alice", "secret"); err != nil {
		t.Fatalf("base cooldown should have elapsed: %v", err)
	}
}

func TestDropAllRevokesEverything(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator([]config.OwnerConfig{
		{Nick: "alice", Password: "a"},
		{Nick: "bob", Password: "b"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Authenticate("alice", "a"); err != nil {
		t.Fatalf("auth alice: %v", err)
	}
	if err := a.Authenticate("bob", "b"); err != nil {
		t.Fatalf("auth bob: %v", err)
	}

	a.DropAll()
	if a.HasAccess("alice") || a.HasAccess("bob") {
		t.Fatal("grants must not survive a disconnect")
	}
}
