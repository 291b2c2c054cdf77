package httpapi

import (
	"context"
	"net/http"
	"time"

	"account_gateway/internal/models"
	"account_gateway/internal/storage"
	"account_gateway/internal/utils"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels returns the catalog filtered to models the caller can
// actually reach with some eligible credential.
func (d *Dependencies) handleListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user, ok := userFrom(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	reachable := make(map[models.Provider]bool)
	for _, provider := range []models.Provider{models.ProviderAntigravity, models.ProviderKiro} {
		reachable[provider] = d.providerReachable(r.Context(), user, provider)
	}

	list := modelList{Object: "list"}
	for _, id := range models.CatalogModels() {
		info, _ := models.LookupModel(id)
		if !reachable[info.Provider] {
			continue
		}
		list.Data = append(list.Data, modelEntry{
			ID:      id,
			Object:  "model",
			OwnedBy: string(info.Provider),
		})
	}

	utils.RespondWithJSON(w, http.StatusOK, list)
}

// providerReachable reports whether the user has any eligible credential for
// the provider: a dedicated one of their own or any shared one.
func (d *Dependencies) providerReachable(ctx context.Context, user *models.User, provider models.Provider) bool {
	dedicated, err := d.Credentials.List(ctx, storage.CredentialFilter{
		UserID:      user.ID,
		Provider:    provider,
		Tier:        models.TierDedicated,
		EnabledOnly: true,
	})
	if err == nil && len(dedicated) > 0 {
		return true
	}

	count, err := d.Credentials.CountEnabledShared(ctx, provider)
	return err == nil && count > 0
}

// handleHealth reports process health backed by a database round trip.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := d.DB.Health(ctx); err != nil {
		utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
