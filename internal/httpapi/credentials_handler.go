package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"account_gateway/internal/models"
	"account_gateway/internal/oauth"
	"account_gateway/internal/utils"
)

type authorizeCredentialRequest struct {
	Provider string `json:"provider"`
	Tier     string `json:"tier"`
}

type authorizeCredentialResponse struct {
	State     string `json:"state"`
	ExpiresIn int    `json:"expires_in"`
}

// handleAuthorizeCredential opens a credential registration flow. The
// returned state must accompany the completion call and expires after the
// configured TTL.
func (d *Dependencies) handleAuthorizeCredential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user, ok := userFrom(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req authorizeCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	provider := models.Provider(req.Provider)
	if provider != models.ProviderAntigravity && provider != models.ProviderKiro {
		utils.RespondWithError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	tier := models.Tier(req.Tier)
	if tier == "" {
		tier = models.TierDedicated
	}
	if tier != models.TierDedicated && tier != models.TierShared {
		utils.RespondWithError(w, http.StatusBadRequest, "unknown tier")
		return
	}

	state, err := d.States.Put(oauth.PendingAuth{
		UserID:    user.ID,
		Provider:  string(provider),
		Tier:      string(tier),
		CreatedAt: time.Now(),
	})
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, authorizeCredentialResponse{
		State:     state,
		ExpiresIn: int(d.Config.OAuth.StateTTL.Seconds()),
	})
}

type completeCredentialRequest struct {
	State        string         `json:"state"`
	RefreshToken string         `json:"refresh_token"`
	Label        string         `json:"label,omitempty"`
	Routing      map[string]any `json:"routing,omitempty"`
}

type completeCredentialResponse struct {
	ID       uuid.UUID `json:"id"`
	Provider string    `json:"provider"`
	Tier     string    `json:"tier"`
	Email    string    `json:"email,omitempty"`
}

// handleCompleteCredential finishes a registration flow: the state is
// consumed, the refresh token is validated by exchanging it once, and the
// credential is stored ready for selection.
func (d *Dependencies) handleCompleteCredential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user, ok := userFrom(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req completeCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "missing 'refresh_token' field")
		return
	}

	pending, ok := d.States.Take(req.State)
	if !ok {
		utils.RespondWithError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}
	if pending.UserID != user.ID {
		utils.RespondWithError(w, http.StatusForbidden, "state belongs to another user")
		return
	}

	provider := models.Provider(pending.Provider)
	token, err := d.Refresher.Refresh(r.Context(), provider, req.RefreshToken)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidGrant) {
			utils.RespondWithError(w, http.StatusBadRequest, "refresh token rejected by provider")
			return
		}
		utils.RespondWithError(w, http.StatusBadGateway, "token validation failed")
		return
	}

	label := req.Label
	if label == "" && token.Email != "" {
		label = token.Email
	}

	cred := &models.Credential{
		ID:           uuid.New(),
		UserID:       user.ID,
		Provider:     provider,
		Tier:         models.Tier(pending.Tier),
		Label:        label,
		AccessToken:  token.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		Enabled:      true,
		Routing:      models.JSONB(req.Routing),
	}
	if err := d.Credentials.Create(r.Context(), cred); err != nil {
		log.WithError(err).Error("failed to store credential")
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Warm the quota rows so selection has real fractions immediately.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Ledger.Refresh(ctx, cred); err != nil {
			log.WithError(err).WithField("credential", cred.ID).Warn("initial quota refresh failed")
		}
	}()

	utils.RespondWithJSON(w, http.StatusCreated, completeCredentialResponse{
		ID:       cred.ID,
		Provider: string(cred.Provider),
		Tier:     string(cred.Tier),
		Email:    token.Email,
	})
}
