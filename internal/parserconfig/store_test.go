package parserconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parser_config.json")
	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestOpen_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parser_config.json")
	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be created: %v", err)
	}
	timings := s.GetTimings()
	if timings.BaseDelay != 15.0 {
		t.Errorf("base_delay = %v, want 15.0", timings.BaseDelay)
	}
	if timings.PageSize != 25 {
		t.Errorf("page_size = %d, want 25", timings.PageSize)
	}
}

func TestOpen_LoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parser_config.json")
	doc := `{
		"cookies": ["ds_user_id=111;sessionid=abc"],
		"user_agents": [{"user_agent": "Mozilla/5.0", "ds_user_id": "111"}],
		"timings": {"base_delay": 5.0, "page_size": 10}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := s.Cookies(); len(got) != 1 || !strings.Contains(got[0], "ds_user_id=111") {
		t.Errorf("cookies = %v", got)
	}
	agents := s.UserAgents()
	if len(agents) != 1 || agents[0].DSUserID != "111" {
		t.Errorf("user agents = %+v", agents)
	}
	if s.GetTimings().BaseDelay != 5.0 {
		t.Errorf("base_delay = %v, want 5.0", s.GetTimings().BaseDelay)
	}
}

func TestAddCookie(t *testing.T) {
	s := newTestStore(t)

	added, err := s.AddCookie("ds_user_id=1;sessionid=a")
	if err != nil || !added {
		t.Fatalf("add = %v, %v; want true, nil", added, err)
	}

	// Duplicate is a no-op.
	added, err = s.AddCookie("ds_user_id=1;sessionid=a")
	if err != nil || added {
		t.Errorf("duplicate add = %v, %v; want false, nil", added, err)
	}

	// Empty is rejected.
	added, _ = s.AddCookie("")
	if added {
		t.Error("empty cookie should not be added")
	}

	if got := s.Cookies(); len(got) != 1 {
		t.Errorf("cookies = %v, want exactly one", got)
	}
}

func TestRemoveCookie_RefusesLast(t *testing.T) {
	s := newTestStore(t)
	s.AddCookie("ds_user_id=1;sessionid=a")
	s.AddCookie("ds_user_id=2;sessionid=b")

	ok, err := s.RemoveCookie(0)
	if err != nil || !ok {
		t.Fatalf("remove = %v, %v", ok, err)
	}

	// One cookie left: removal must be refused.
	ok, err = s.RemoveCookie(0)
	if err == nil || ok {
		t.Errorf("removing last cookie = %v, %v; want refusal", ok, err)
	}
	if got := s.Cookies(); len(got) != 1 {
		t.Errorf("cookies = %v, want one remaining", got)
	}

	// Out-of-range index is a quiet false.
	ok, err = s.RemoveCookie(5)
	if err != nil || ok {
		t.Errorf("out-of-range remove = %v, %v; want false, nil", ok, err)
	}
}

func TestUpdateCookie(t *testing.T) {
	s := newTestStore(t)
	s.AddCookie("ds_user_id=1;sessionid=old")

	ok, err := s.UpdateCookie(0, "ds_user_id=1;sessionid=new")
	if err != nil || !ok {
		t.Fatalf("update = %v, %v", ok, err)
	}
	if got := s.Cookies()[0]; !strings.Contains(got, "sessionid=new") {
		t.Errorf("cookie = %q", got)
	}

	ok, _ = s.UpdateCookie(3, "x")
	if ok {
		t.Error("out-of-range update should return false")
	}
}

func TestSetUserAgents_PersistsBindings(t *testing.T) {
	s := newTestStore(t)

	err := s.SetUserAgents([]UserAgent{
		{UserAgent: "Mozilla/5.0 (Windows NT 10.0)", DSUserID: "42"},
		{UserAgent: "Mozilla/5.0 (Macintosh)"},
	})
	if err != nil {
		t.Fatalf("set user agents: %v", err)
	}

	// Reopen from disk: the binding must survive.
	reopened, err := Open(s.path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	agents := reopened.UserAgents()
	if len(agents) != 2 {
		t.Fatalf("agents = %+v, want 2", agents)
	}
	if agents[0].DSUserID != "42" {
		t.Errorf("binding lost: %+v", agents[0])
	}
	if agents[1].DSUserID != "" {
		t.Errorf("unclaimed agent should have empty ds_user_id: %+v", agents[1])
	}
}

func TestUpdateTimings(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTimings(map[string]float64{
		"base_delay":   30.0,
		"max_retries":  2,
		"jitter_max":   10.0,
	})
	if err != nil {
		t.Fatalf("update timings: %v", err)
	}

	timings := s.GetTimings()
	if timings.BaseDelay != 30.0 {
		t.Errorf("base_delay = %v", timings.BaseDelay)
	}
	if timings.MaxRetries != 2 {
		t.Errorf("max_retries = %d", timings.MaxRetries)
	}
	// Unpatched fields keep their values.
	if timings.PageSize != 25 {
		t.Errorf("page_size = %d, want untouched 25", timings.PageSize)
	}

	if err := s.UpdateTimings(map[string]float64{"bogus": 1}); err == nil {
		t.Error("unknown timing key should be rejected")
	}
}

func TestSave_AtomicNoPartialFile(t *testing.T) {
	s := newTestStore(t)
	s.AddCookie("ds_user_id=1;sessionid=a")

	// The directory must contain only the config file, no leftover temps.
	entries, err := os.ReadDir(filepath.Dir(s.path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(s.path) {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}

	// And the file on disk must be complete valid JSON.
	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	var doc Config
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("config on disk is not valid JSON: %v", err)
	}
	if len(doc.Cookies) != 1 {
		t.Errorf("persisted cookies = %v", doc.Cookies)
	}
}

func TestResetToDefaults(t *testing.T) {
	s := newTestStore(t)
	s.AddCookie("ds_user_id=1;sessionid=a")
	s.UpdateTimings(map[string]float64{"base_delay": 99})

	if err := s.ResetToDefaults(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := s.Cookies(); len(got) != 0 {
		t.Errorf("cookies after reset = %v", got)
	}
	if s.GetTimings().BaseDelay != 15.0 {
		t.Errorf("base_delay after reset = %v", s.GetTimings().BaseDelay)
	}
}
