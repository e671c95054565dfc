package instagram

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/parserconfig"
)

// defaultUserAgent is used when the config carries no unclaimed agents.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.6133.0 Safari/537.36"

// Session is one rotation pick: a cookie and the user-agent bound to it.
type Session struct {
	Cookie    string
	UserAgent string
}

// Rotator hands out cookies round-robin and keeps each cookie's
// ds_user_id stickily bound to one user-agent, so a given account always
// presents the same browser identity.
type Rotator struct {
	store *parserconfig.Store
	log   zerolog.Logger

	mu    sync.Mutex
	index int
}

func NewRotator(store *parserconfig.Store, log zerolog.Logger) *Rotator {
	return &Rotator{
		store: store,
		log:   log.With().Str("component", "rotator").Logger(),
	}
}

// Next returns the next cookie from the pool and its bound user-agent.
// The pool is re-read on every call so admin edits take effect without a
// restart. An empty pool is an error, not a panic.
func (r *Rotator) Next() (Session, error) {
	cookies := r.store.Cookies()
	if len(cookies) == 0 {
		return Session{}, apierrors.New(apierrors.ErrCodeEmptyCookiePool, "cookie pool is empty, add cookies via the admin endpoints")
	}

	r.mu.Lock()
	if r.index >= len(cookies) {
		r.index = 0
	}
	cookie := cookies[r.index]
	r.index = (r.index + 1) % len(cookies)
	pick := r.index
	r.mu.Unlock()

	agent, err := r.userAgentFor(cookie)
	if err != nil {
		return Session{}, err
	}

	r.log.Debug().Int("cookie", pick).Int("pool", len(cookies)).Msg("cookie rotated")
	return Session{Cookie: cookie, UserAgent: agent}, nil
}

// userAgentFor resolves the sticky binding for a cookie's ds_user_id,
// claiming the first unbound agent (and persisting the claim) when the
// account has none yet.
func (r *Rotator) userAgentFor(cookie string) (string, error) {
	dsUserID := CookieValue(cookie, "ds_user_id")
	agents := r.store.UserAgents()

	if dsUserID != "" {
		for _, a := range agents {
			if a.DSUserID == dsUserID {
				return a.UserAgent, nil
			}
		}
	}

	for i := range agents {
		if agents[i].DSUserID == "" {
			agents[i].DSUserID = dsUserID
			if err := r.store.SetUserAgents(agents); err != nil {
				return "", apierrors.Wrap(apierrors.ErrCodeConfigError, "persisting user-agent binding", err)
			}
			r.log.Info().Str("ds_user_id", dsUserID).Msg("user-agent bound to account")
			return agents[i].UserAgent, nil
		}
	}

	return defaultUserAgent, nil
}

// CookieValue extracts a single value from a "k=v;k=v" cookie string.
func CookieValue(cookie, key string) string {
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

// CookiePairs parses a cookie string into ordered key/value pairs,
// skipping malformed fragments.
func CookiePairs(cookie string) [][2]string {
	var pairs [][2]string
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" {
			continue
		}
		pairs = append(pairs, [2]string{k, v})
	}
	return pairs
}
