package adapter

import (
	"fmt"

	"account_gateway/internal/config"
)

// pinnedThinkingModel drops top_p entirely when a thinking budget is set;
// the upstream rejects the combination.
const pinnedThinkingModel = "gemini-3-pro-preview"

// GenParams are the caller-supplied generation parameters. Nil pointers
// fall back to configured defaults.
type GenParams struct {
	Temperature     *float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens *int
	// ThinkingBudget enables chain-of-thought with a token budget; the
	// provider mandates a floor which is enforced here.
	ThinkingBudget *int
	Image          *ImageParams
}

// ImageParams configure image-oriented models.
type ImageParams struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
	ImageSize   string `json:"image_size,omitempty"`
}

var validAspectRatios = map[string]bool{
	"1:1": true, "2:3": true, "3:2": true, "3:4": true, "4:3": true,
	"4:5": true, "5:4": true, "9:16": true, "16:9": true, "21:9": true,
}

var validImageSizes = map[string]bool{
	"1K": true, "2K": true, "4K": true,
}

// ValidateImageParams rejects invalid aspect ratios and sizes before any
// network call is made.
func ValidateImageParams(p *ImageParams) error {
	if p == nil {
		return nil
	}
	if p.AspectRatio != "" && !validAspectRatios[p.AspectRatio] {
		return fmt.Errorf("%w: unsupported aspect_ratio %q", ErrClientRequest, p.AspectRatio)
	}
	if p.ImageSize != "" && !validImageSizes[p.ImageSize] {
		return fmt.Errorf("%w: unsupported image_size %q", ErrClientRequest, p.ImageSize)
	}
	return nil
}

// generationConfig builds the upstream generationConfig object, applying
// defaults, the thinking-budget floor, and the pinned-model top_p rule.
func generationConfig(model string, params GenParams, defaults config.GenerationDefaults) (map[string]any, error) {
	if err := ValidateImageParams(params.Image); err != nil {
		return nil, err
	}

	temperature := defaults.Temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	topP := defaults.TopP
	if params.TopP != nil {
		topP = *params.TopP
	}
	topK := defaults.TopK
	if params.TopK != nil {
		topK = *params.TopK
	}
	maxTokens := defaults.MaxOutputTokens
	if params.MaxOutputTokens != nil {
		maxTokens = *params.MaxOutputTokens
	}

	cfg := map[string]any{
		"temperature":     temperature,
		"topP":            topP,
		"topK":            topK,
		"maxOutputTokens": maxTokens,
	}

	if params.ThinkingBudget != nil {
		budget := *params.ThinkingBudget
		if budget < defaults.ThinkingBudgetFloor {
			budget = defaults.ThinkingBudgetFloor
		}
		cfg["thinkingConfig"] = map[string]any{
			"includeThoughts": true,
			"thinkingBudget":  budget,
		}
		if model == pinnedThinkingModel {
			delete(cfg, "topP")
		}
	}

	if params.Image != nil {
		imageCfg := map[string]any{}
		if params.Image.AspectRatio != "" {
			imageCfg["aspectRatio"] = params.Image.AspectRatio
		}
		if params.Image.ImageSize != "" {
			imageCfg["imageSize"] = params.Image.ImageSize
		}
		if len(imageCfg) > 0 {
			cfg["imageConfig"] = imageCfg
		}
	}

	return cfg, nil
}
