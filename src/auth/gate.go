// Package auth gates every outbound operation on a bearer token with a
// guaranteed minimum remaining validity.
//
// Identity issuance is external: a TokenProvider hands out tokens and
// the Gate decides when to ask it for a fresh one. A token is refreshed
// only when less than the configured margin (10 minutes of a nominal
// 1-hour lifetime by default) remains. When the provider fails, the
// Gate returns an *types.AuthError wrapping types.ErrAuthUnavailable and
// notifies the OnAuthLost hooks; callers abandon the operation rather
// than queueing it.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/orchestra-mcp/notesync/src/types"
)

// Token is a bearer token with its expiry. A zero Expiry means the
// provider did not say; the Gate then reads the JWT exp claim or
// assumes the nominal lifetime.
type Token struct {
	Value  string
	Expiry time.Time
}

// TokenProvider is the external identity collaborator.
type TokenProvider interface {
	// Token returns the current token, asking the identity service for
	// a new one when forceRefresh is set.
	Token(ctx context.Context, forceRefresh bool) (Token, error)
}

// Source is what outbound operations depend on.
type Source interface {
	CurrentToken(ctx context.Context) (string, error)
}

// Gate caches the provider's token and refreshes it ahead of expiry.
type Gate struct {
	provider TokenProvider
	clock    clockwork.Clock
	margin   time.Duration
	lifetime time.Duration
	logger   zerolog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cached Token
	onLost []func(error)
}

// NewGate creates a Gate. margin is the minimum remaining validity of
// any token it hands out; lifetime is assumed for tokens with no
// discoverable expiry.
func NewGate(provider TokenProvider, clk clockwork.Clock, margin, lifetime time.Duration, logger zerolog.Logger) *Gate {
	return &Gate{
		provider: provider,
		clock:    clk,
		margin:   margin,
		lifetime: lifetime,
		logger:   logger.With().Str("component", "token-gate").Logger(),
	}
}

// CurrentToken returns a token valid for at least the margin.
func (g *Gate) CurrentToken(ctx context.Context) (string, error) {
	g.mu.RLock()
	cached := g.cached
	g.mu.RUnlock()

	if g.fresh(cached) {
		return cached.Value, nil
	}

	v, err, _ := g.group.Do("refresh", func() (any, error) {
		return g.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(Token).Value, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	g.cached = Token{}
	g.mu.Unlock()
}

// OnAuthLost registers a callback invoked when a refresh fails.
func (g *Gate) OnAuthLost(cb func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLost = append(g.onLost, cb)
}

func (g *Gate) fresh(t Token) bool {
	if t.Value == "" {
		return false
	}
	return t.Expiry.Sub(g.clock.Now()) >= g.margin
}

func (g *Gate) refresh(ctx context.Context) (Token, error) {
	// Another caller may have refreshed while this one waited.
	g.mu.RLock()
	cached := g.cached
	g.mu.RUnlock()
	if g.fresh(cached) {
		return cached, nil
	}

	g.logger.Debug().Msg("refreshing token")
	tok, err := g.provider.Token(ctx, true)
	if err == nil && tok.Value == "" {
		err = types.ErrAuthUnavailable
	}
	if err != nil {
		authErr := &types.AuthError{Err: err}
		g.logger.Error().Err(err).Msg("token refresh failed")
		g.notifyLost(authErr)
		return Token{}, authErr
	}

	if tok.Expiry.IsZero() {
		tok.Expiry = g.expiryOf(tok.Value)
	}

	g.mu.Lock()
	g.cached = tok
	g.mu.Unlock()
	return tok, nil
}

// expiryOf reads the exp claim of a JWT without verifying it, falling
// back to the nominal lifetime from now.
func (g *Gate) expiryOf(raw string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return g.clock.Now().Add(g.lifetime)
}

func (g *Gate) notifyLost(err error) {
	g.mu.RLock()
	cbs := append([]func(error){}, g.onLost...)
	g.mu.RUnlock()
	for _, cb := range cbs {
		cb(err)
	}
}
