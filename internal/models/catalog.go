package models

// ModelInfo describes one model the gateway can route.
type ModelInfo struct {
	ID       string
	Provider Provider
	// Group is the quota-sharing group: shared-pool accounting is fungible
	// across models in the same group.
	Group string
	Image bool
}

// catalog is the static routing table. Antigravity models share pool
// accounting per family; the image model debits the same pool as the pro
// text model.
var catalog = map[string]ModelInfo{
	"gemini-3-pro-preview": {
		ID:       "gemini-3-pro-preview",
		Provider: ProviderAntigravity,
		Group:    "gemini-3-pro",
	},
	"gemini-3-pro-image-preview": {
		ID:       "gemini-3-pro-image-preview",
		Provider: ProviderAntigravity,
		Group:    "gemini-3-pro",
		Image:    true,
	},
	"gemini-3-flash-preview": {
		ID:       "gemini-3-flash-preview",
		Provider: ProviderAntigravity,
		Group:    "gemini-3-flash",
	},
	"gemini-2.5-flash": {
		ID:       "gemini-2.5-flash",
		Provider: ProviderAntigravity,
		Group:    "gemini-2.5-flash",
	},
	"claude-sonnet-4-5": {
		ID:       "claude-sonnet-4-5",
		Provider: ProviderKiro,
		Group:    "claude-sonnet-4-5",
	},
	"claude-haiku-4-5": {
		ID:       "claude-haiku-4-5",
		Provider: ProviderKiro,
		Group:    "claude-haiku-4-5",
	},
}

// LookupModel resolves a model id. ok is false for unknown models.
func LookupModel(id string) (ModelInfo, bool) {
	info, ok := catalog[id]
	return info, ok
}

// CatalogModels returns all routable model ids in stable order.
func CatalogModels() []string {
	ids := make([]string, 0, len(catalog))
	for _, id := range []string{
		"gemini-3-pro-preview",
		"gemini-3-pro-image-preview",
		"gemini-3-flash-preview",
		"gemini-2.5-flash",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
	} {
		if _, ok := catalog[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// GroupModels returns every model sharing a quota group with model id.
func GroupModels(id string) []string {
	info, ok := catalog[id]
	if !ok {
		return []string{id}
	}
	var out []string
	for _, mid := range CatalogModels() {
		if catalog[mid].Group == info.Group {
			out = append(out, mid)
		}
	}
	return out
}
