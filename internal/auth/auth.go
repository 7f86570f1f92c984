// Package auth derives the authenticated state gating every uplink attempt.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/teukurijal/attendance-apps/internal/store"
)

// sessionCookieName is the server's session cookie; its presence in the
// cached blob counts as a valid session even without an explicit token.
const sessionCookieName = "PHPSESSID"

// Gate answers "may we talk to the API right now". Cookies can change
// out-of-band whenever the embedded web content re-logs-in, so the cache is
// rebuilt before every uplink attempt.
type Gate struct {
	store  *store.Store
	jar    http.CookieJar
	origin *url.URL

	mu           sync.Mutex
	cookieHeader string
}

func New(st *store.Store, jar http.CookieJar, baseURL string) (*Gate, error) {
	origin, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Gate{store: st, jar: jar, origin: origin}, nil
}

// RefreshCookies rebuilds the cached cookie blob from the client's jar for
// the API origin, falling back to the persisted blob. Load failures degrade
// to an empty cache rather than propagating.
func (g *Gate) RefreshCookies(ctx context.Context) {
	header := ""
	if g.jar != nil {
		parts := make([]string, 0, 4)
		for _, c := range g.jar.Cookies(g.origin) {
			parts = append(parts, c.Name+"="+c.Value)
		}
		header = strings.Join(parts, "; ")
	}

	if header == "" {
		persisted, err := g.store.Get(ctx, store.KeySessionCookies)
		if err != nil {
			log.Warn().Err(err).Msg("cookie cache load failed")
		} else {
			header = persisted
		}
	} else {
		if err := g.store.Set(ctx, store.KeySessionCookies, header); err != nil {
			log.Warn().Err(err).Msg("cookie cache persist failed")
		}
	}

	g.mu.Lock()
	g.cookieHeader = header
	g.mu.Unlock()
}

// CookieHeader returns the cached Cookie header value.
func (g *Gate) CookieHeader() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cookieHeader
}

// IsAuthenticated is true iff a user NIK is stored and either a session
// token is persisted or the cookie cache carries the session cookie.
func (g *Gate) IsAuthenticated(ctx context.Context) bool {
	nik, err := g.store.Get(ctx, store.KeyUserNik)
	if err != nil || strings.TrimSpace(nik) == "" {
		return false
	}

	token, err := g.store.Get(ctx, store.KeySessionToken)
	if err == nil && token != "" {
		return true
	}

	return strings.Contains(g.CookieHeader(), sessionCookieName+"=")
}
