package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"account_gateway/internal/adapter"
	"account_gateway/internal/models"
	"account_gateway/internal/upstream"
	"account_gateway/internal/utils"
)

// imageGenerationRequest is the OpenAI-compatible images payload. Size maps
// to the upstream aspect-ratio/resolution sub-object.
type imageGenerationRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	ImageSize   string `json:"image_size,omitempty"`
}

type imageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

type imageData struct {
	B64JSON       string `json:"b64_json"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// handleImageGenerations runs one image request and returns the composed
// result; image calls are never streamed to the caller.
func (d *Dependencies) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user, ok := userFrom(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req imageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "missing 'prompt' field")
		return
	}

	info, known := models.LookupModel(req.Model)
	if !known || !info.Image {
		utils.RespondWithError(w, http.StatusBadRequest, "model does not support image generation")
		return
	}

	var imageParams *adapter.ImageParams
	if req.AspectRatio != "" || req.ImageSize != "" {
		imageParams = &adapter.ImageParams{
			AspectRatio: req.AspectRatio,
			ImageSize:   req.ImageSize,
		}
	}

	prompt, _ := json.Marshal(req.Prompt)
	upstreamReq := upstream.Request{
		User:  user,
		Model: req.Model,
		Messages: []adapter.ChatMessage{
			{Role: "user", Content: prompt},
		},
		Params: adapter.GenParams{Image: imageParams},
	}

	composed, result, err := d.Orchestrator.HandleImageGenerate(r.Context(), upstreamReq)
	if err != nil {
		d.logRequest(upstreamReq, result, "", err, false, start)
		status, message := errorStatus(err)
		utils.RespondWithError(w, status, message)
		return
	}
	if len(composed.Images) == 0 {
		d.logRequest(upstreamReq, result, "NO_IMAGE", nil, false, start)
		utils.RespondWithError(w, http.StatusBadGateway, "upstream returned no image")
		return
	}

	resp := imageGenerationResponse{Created: time.Now().Unix()}
	for _, img := range composed.Images {
		resp.Data = append(resp.Data, imageData{
			B64JSON:       base64.StdEncoding.EncodeToString(img.Data),
			RevisedPrompt: composed.Text,
		})
	}

	utils.RespondWithJSON(w, http.StatusOK, resp)
	d.logRequest(upstreamReq, result, "ok", nil, false, start)
}
