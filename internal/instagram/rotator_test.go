package instagram

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/parserconfig"
)

func newTestRotator(t *testing.T) (*Rotator, *parserconfig.Store) {
	t.Helper()
	store, err := parserconfig.Open(filepath.Join(t.TempDir(), "parser_config.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewRotator(store, zerolog.Nop()), store
}

func TestRotator_EmptyPool(t *testing.T) {
	r, _ := newTestRotator(t)

	_, err := r.Next()
	if code := apierrors.CodeOf(err); code != apierrors.ErrCodeEmptyCookiePool {
		t.Errorf("code = %q, want empty_cookie_pool", code)
	}
}

func TestRotator_RoundRobin(t *testing.T) {
	r, store := newTestRotator(t)
	store.AddCookie("ds_user_id=1;sessionid=a")
	store.AddCookie("ds_user_id=2;sessionid=b")
	store.AddCookie("ds_user_id=3;sessionid=c")

	var seen []string
	for i := 0; i < 6; i++ {
		s, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		seen = append(seen, CookieValue(s.Cookie, "ds_user_id"))
	}

	want := []string{"1", "2", "3", "1", "2", "3"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("rotation order = %v, want %v", seen, want)
		}
	}
}

func TestRotator_StickyUserAgentBinding(t *testing.T) {
	r, store := newTestRotator(t)
	store.AddCookie("ds_user_id=100;sessionid=a")
	store.AddCookie("ds_user_id=200;sessionid=b")
	store.SetUserAgents([]parserconfig.UserAgent{
		{UserAgent: "Agent-A"},
		{UserAgent: "Agent-B"},
	})

	first, err := r.Next() // ds_user_id=100 claims Agent-A
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Next() // ds_user_id=200 claims Agent-B
	if err != nil {
		t.Fatal(err)
	}
	if first.UserAgent != "Agent-A" || second.UserAgent != "Agent-B" {
		t.Fatalf("claims = %q, %q; want Agent-A, Agent-B", first.UserAgent, second.UserAgent)
	}

	// Same cookie again must keep its agent.
	third, err := r.Next() // back to ds_user_id=100
	if err != nil {
		t.Fatal(err)
	}
	if third.UserAgent != "Agent-A" {
		t.Errorf("sticky binding broken: got %q, want Agent-A", third.UserAgent)
	}

	// The claim must be persisted.
	agents := store.UserAgents()
	if agents[0].DSUserID != "100" || agents[1].DSUserID != "200" {
		t.Errorf("persisted bindings = %+v", agents)
	}
}

func TestRotator_DefaultAgentWhenNoneUnclaimed(t *testing.T) {
	r, store := newTestRotator(t)
	store.AddCookie("ds_user_id=999;sessionid=z")

	s, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if s.UserAgent != defaultUserAgent {
		t.Errorf("agent = %q, want the built-in default", s.UserAgent)
	}
}

func TestCookieValue(t *testing.T) {
	cookie := "ps_n=1; ds_user_id=42 ;csrftoken=tok; malformed ;sessionid=s%3Ax"

	tests := []struct {
		key  string
		want string
	}{
		{"ds_user_id", "42"},
		{"csrftoken", "tok"},
		{"sessionid", "s%3Ax"},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := CookieValue(cookie, tt.key); got != tt.want {
			t.Errorf("CookieValue(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
