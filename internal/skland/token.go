package skland

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/util"
)

// NowTimeFunc is the clock used for token freshness and signature timestamps.
var NowTimeFunc = time.Now

// TokenStore persists the signing token next to its credential.
type TokenStore interface {
	// CachedToken returns the stored token for cred and when it was last refreshed.
	// An empty token means nothing is cached.
	CachedToken(ctx context.Context, cred string) (token string, refreshedAt *time.Time, err error)
	SaveToken(ctx context.Context, cred, token string, refreshedAt time.Time) error
}

type TokenRefresher interface {
	RefreshToken(ctx context.Context, cred string) (string, error)
}

// TokenManager is a read-through cache of signing tokens keyed by credential.
//
// Two callers holding the same stale credential may both refresh; the upstream
// accepts redundant refreshes and the last write wins, so no lock is taken.
type TokenManager struct {
	store     TokenStore
	refresher TokenRefresher
	window    time.Duration
}

func NewTokenManager(store TokenStore, refresher TokenRefresher) *TokenManager {
	return &TokenManager{
		store:     store,
		refresher: refresher,
		window:    TokenFreshWindow,
	}
}

// Token returns a fresh signing token for cred, refreshing it when the cached
// one is older than the freshness window or force is set.
func (m *TokenManager) Token(ctx context.Context, cred string, force bool) (string, error) {
	if cred == "" {
		return "", apperrors.CredentialInvalid("empty credential")
	}

	now := NowTimeFunc()

	if !force {
		token, refreshedAt, err := m.store.CachedToken(ctx, cred)
		if err != nil {
			return "", fmt.Errorf("load cached token: %w", err)
		}
		if token != "" && refreshedAt != nil && now.Sub(*refreshedAt) <= m.window {
			log.Debug().
				Dur("age", now.Sub(*refreshedAt)).
				Msg("using cached skland token")
			return token, nil
		}
	}

	token, err := m.refresher.RefreshToken(ctx, cred)
	if err != nil {
		return "", err
	}

	if err := m.store.SaveToken(ctx, cred, token, now); err != nil {
		log.Warn().Err(err).Msg("failed to persist refreshed skland token")
	}

	log.Info().Str("cred", util.MaskSecret(cred)).Bool("forced", force).Msg("skland token refreshed")
	return token, nil
}
