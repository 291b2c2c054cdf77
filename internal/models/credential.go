package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider enumerates the upstream backends a credential can talk to.
type Provider string

const (
	ProviderAntigravity Provider = "antigravity"
	ProviderKiro        Provider = "kiro"
)

// Tier classifies credential ownership.
// A dedicated credential serves its owner only; a shared credential serves
// any user, subject to that user's shared quota pool.
type Tier string

const (
	TierDedicated Tier = "dedicated"
	TierShared    Tier = "shared"
)

// TierPreference is a user's stated ordering between the two tiers.
type TierPreference string

const (
	PreferDedicatedFirst TierPreference = "dedicated-first"
	PreferSharedFirst    TierPreference = "shared-first"
)

// Credential represents one upstream identity (an OAuth token pair).
type Credential struct {
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	Provider     Provider  `db:"provider"`
	Tier         Tier      `db:"tier"`
	Label        string    `db:"label"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	Enabled      bool      `db:"enabled"`
	NeedsReauth  bool      `db:"needs_reauth"`
	Routing      JSONB     `db:"routing"` // provider-specific hints (e.g. project_id)
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Eligible reports whether the credential may be offered by selection.
func (c *Credential) Eligible() bool {
	return c.Enabled && !c.NeedsReauth
}

// TokenExpiresWithin reports whether the access token expires before
// now+margin and therefore needs a refresh before use.
func (c *Credential) TokenExpiresWithin(margin time.Duration, now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return !c.ExpiresAt.After(now.Add(margin))
}

// ProjectID returns the provider project routing hint, if present.
func (c *Credential) ProjectID() string {
	return c.Routing.String("project_id")
}

// User is a gateway caller. The API key hash authenticates inbound requests;
// Preference drives credential tier ordering during selection.
type User struct {
	ID         uuid.UUID      `db:"id"`
	Email      string         `db:"email"`
	APIKeyHash string         `db:"api_key_hash"`
	Preference TierPreference `db:"preference"`
	Enabled    bool           `db:"enabled"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// TierOrder returns the two tiers in the user's preferred order.
func (u *User) TierOrder() [2]Tier {
	if u.Preference == PreferSharedFirst {
		return [2]Tier{TierShared, TierDedicated}
	}
	return [2]Tier{TierDedicated, TierShared}
}
