package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"account_gateway/internal/models"
	"account_gateway/internal/oauth"
	"account_gateway/internal/storage"
)

// ErrNoCredential is returned when no eligible credential remains for a
// (user, model) pair.
var ErrNoCredential = errors.New("no eligible credential available")

// CredentialStore is the persistence surface the selector needs.
// Implemented by storage.CredentialRepository.
type CredentialStore interface {
	List(ctx context.Context, filter storage.CredentialFilter) ([]*models.Credential, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error
	Disable(ctx context.Context, id uuid.UUID) error
	MarkNeedsReauth(ctx context.Context, id uuid.UUID) error
}

// QuotaGate answers the two quota questions selection asks. Implemented by
// quota.Ledger.
type QuotaGate interface {
	Available(ctx context.Context, cred *models.Credential, model string) bool
	GroupHasQuota(ctx context.Context, userID uuid.UUID, model string) bool
}

// Selector picks one eligible credential for a (user, model) pair according
// to ownership-tier preference and live quota state.
type Selector struct {
	store     CredentialStore
	quota     QuotaGate
	refresher oauth.Refresher

	refreshMargin time.Duration
	rng           func(n int) int // injectable for tests
}

// New creates a selector. refreshMargin is the window before token expiry
// inside which a synchronous refresh happens.
func New(store CredentialStore, quota QuotaGate, refresher oauth.Refresher, refreshMargin time.Duration) *Selector {
	return &Selector{
		store:         store,
		quota:         quota,
		refresher:     refresher,
		refreshMargin: refreshMargin,
		rng:           rand.Intn,
	}
}

// Select picks one eligible credential, refreshing its access token if it is
// about to expire. Credentials in excluded are never returned. Refresh
// failures disable or flag the offending credential and selection retries
// with it excluded, so the loop terminates once candidates run out.
func (s *Selector) Select(ctx context.Context, user *models.User, model string, excluded map[uuid.UUID]bool) (*models.Credential, error) {
	info, ok := models.LookupModel(model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}

	if excluded == nil {
		excluded = make(map[uuid.UUID]bool)
	}

	// Pool positivity is per (user, group), constant within one selection.
	poolChecked := false
	poolOK := false
	sharedPoolOK := func() bool {
		if !poolChecked {
			poolOK = s.quota.GroupHasQuota(ctx, user.ID, model)
			poolChecked = true
		}
		return poolOK
	}

	for {
		candidates, err := s.gather(ctx, user, info.Provider)
		if err != nil {
			return nil, err
		}

		var eligible []*models.Credential
		for _, cred := range candidates {
			if excluded[cred.ID] || !cred.Eligible() {
				continue
			}
			if !s.quota.Available(ctx, cred, model) {
				continue
			}
			if cred.Tier == models.TierShared && !sharedPoolOK() {
				continue
			}
			eligible = append(eligible, cred)
		}

		if len(eligible) == 0 {
			return nil, ErrNoCredential
		}

		chosen := s.pick(eligible, user.TierOrder()[0])

		if !chosen.TokenExpiresWithin(s.refreshMargin, time.Now()) {
			return chosen, nil
		}

		token, err := s.refresher.Refresh(ctx, chosen.Provider, chosen.RefreshToken)
		if err != nil {
			excluded[chosen.ID] = true
			if errors.Is(err, oauth.ErrInvalidGrant) {
				log.WithField("credential", chosen.ID).Warn("refresh token rejected, disabling credential")
				if derr := s.store.Disable(ctx, chosen.ID); derr != nil {
					return nil, derr
				}
			} else {
				log.WithError(err).WithField("credential", chosen.ID).Warn("token refresh failed, flagging credential")
				if merr := s.store.MarkNeedsReauth(ctx, chosen.ID); merr != nil {
					return nil, merr
				}
			}
			continue
		}

		if err := s.store.UpdateTokens(ctx, chosen.ID, token.AccessToken, token.ExpiresAt); err != nil {
			return nil, err
		}
		chosen.AccessToken = token.AccessToken
		chosen.ExpiresAt = token.ExpiresAt
		return chosen, nil
	}
}

// gather builds the candidate list: the user's dedicated credentials plus
// all enabled shared credentials system-wide, for the model's provider.
func (s *Selector) gather(ctx context.Context, user *models.User, provider models.Provider) ([]*models.Credential, error) {
	dedicated, err := s.store.List(ctx, storage.CredentialFilter{
		UserID:      user.ID,
		Provider:    provider,
		Tier:        models.TierDedicated,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dedicated credentials: %w", err)
	}

	shared, err := s.store.List(ctx, storage.CredentialFilter{
		Provider:    provider,
		Tier:        models.TierShared,
		EnabledOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list shared credentials: %w", err)
	}

	if user.Preference == models.PreferSharedFirst {
		return append(shared, dedicated...), nil
	}
	return append(dedicated, shared...), nil
}

// pick prefers the subset in the user's preferred tier and falls back to the
// rest only when that subset is empty. Within the chosen subset the pick is
// uniformly random to spread load across credentials.
func (s *Selector) pick(eligible []*models.Credential, preferred models.Tier) *models.Credential {
	var preferredSubset []*models.Credential
	for _, cred := range eligible {
		if cred.Tier == preferred {
			preferredSubset = append(preferredSubset, cred)
		}
	}
	pool := preferredSubset
	if len(pool) == 0 {
		pool = eligible
	}
	return pool[s.rng(len(pool))]
}
