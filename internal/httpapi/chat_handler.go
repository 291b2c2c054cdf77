package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"account_gateway/internal/adapter"
	"account_gateway/internal/logging"
	"account_gateway/internal/selector"
	"account_gateway/internal/upstream"
	"account_gateway/internal/utils"
)

// chatCompletionRequest is the OpenAI-compatible inbound payload.
type chatCompletionRequest struct {
	Model               string                `json:"model"`
	Messages            []adapter.ChatMessage `json:"messages"`
	Tools               []adapter.Tool        `json:"tools,omitempty"`
	Stream              bool                  `json:"stream,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	TopP                *float64              `json:"top_p,omitempty"`
	TopK                *int                  `json:"top_k,omitempty"`
	MaxTokens           *int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	ThinkingBudget      *int                  `json:"thinking_budget,omitempty"`
	Image               *adapter.ImageParams  `json:"image,omitempty"`
}

func (req *chatCompletionRequest) params() adapter.GenParams {
	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens != nil {
		maxTokens = req.MaxCompletionTokens
	}
	return adapter.GenParams{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: maxTokens,
		ThinkingBudget:  req.ThinkingBudget,
		Image:           req.Image,
	}
}

// handleChatCompletions is the OpenAI-compatible chat entry point.
func (d *Dependencies) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
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

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Model == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "missing 'model' field")
		return
	}
	if len(req.Messages) == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "missing 'messages' field")
		return
	}

	upstreamReq := upstream.Request{
		User:     user,
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Params:   req.params(),
	}

	if req.Stream {
		d.streamChat(w, r, upstreamReq, start)
		return
	}
	d.aggregateChat(w, r, upstreamReq, start)
}

func (d *Dependencies) streamChat(w http.ResponseWriter, r *http.Request, req upstream.Request, start time.Time) {
	id := "chatcmpl-" + uuid.NewString()
	sse := newSSEWriter(w)

	sentRole := false
	sawToolEvents := false

	result, err := d.Orchestrator.HandleChat(r.Context(), req, func(ev adapter.StreamEvent) {
		delta, ok := deltaFor(ev)
		if !ok {
			return
		}
		if !sentRole {
			delta.Role = "assistant"
			sentRole = true
		}
		if len(delta.ToolCalls) > 0 {
			sawToolEvents = true
		}
		sse.send(newChunk(id, req.Model, delta, nil))
	})

	if err != nil {
		d.logRequest(req, result, "", err, true, start)
		if sse.Started() {
			// Headers are gone; surface the failure in-band.
			sse.send(map[string]any{"error": map[string]any{"message": err.Error()}})
			sse.done()
			return
		}
		status, message := errorStatus(err)
		utils.RespondWithError(w, status, message)
		return
	}

	finish := "stop"
	if sawToolEvents {
		finish = "tool_calls"
	}
	sse.send(newChunk(id, req.Model, chatChoiceDelta{}, &finish))
	sse.done()
	d.logRequest(req, result, "ok", nil, true, start)
}

func (d *Dependencies) aggregateChat(w http.ResponseWriter, r *http.Request, req upstream.Request, start time.Time) {
	var (
		content   string
		reasoning string
		calls     []adapter.ToolCall
		partial   = make(map[int]*adapter.ToolCall)
	)

	result, err := d.Orchestrator.HandleChat(r.Context(), req, func(ev adapter.StreamEvent) {
		switch ev.Type {
		case adapter.EventText:
			content += ev.Text
		case adapter.EventReasoning:
			reasoning += ev.Text
		case adapter.EventImage:
			if ev.Image != nil {
				content += inlineImageMarkdown(ev.Image)
			}
		case adapter.EventToolCalls:
			calls = append(calls, ev.ToolCalls...)
		case adapter.EventToolCallStart:
			partial[ev.Index] = &adapter.ToolCall{ID: ev.ToolID, Name: ev.ToolName}
		case adapter.EventToolCallDelta:
			if call, ok := partial[ev.Index]; ok {
				call.Arguments += ev.ArgsDelta
			}
		}
	})
	if err != nil {
		d.logRequest(req, result, "", err, false, start)
		status, message := errorStatus(err)
		utils.RespondWithError(w, status, message)
		return
	}

	// Incrementally built calls flush in index order after the batched ones.
	for i := 0; i < len(partial); i++ {
		if call, ok := partial[i]; ok {
			calls = append(calls, *call)
		}
	}

	finish := "stop"
	if len(calls) > 0 {
		finish = "tool_calls"
	}

	resp := chatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
	}
	resp.Choices = append(resp.Choices, struct {
		Index        int            `json:"index"`
		Message      chatMessageOut `json:"message"`
		FinishReason string         `json:"finish_reason"`
	}{
		Message: chatMessageOut{
			Role:             "assistant",
			Content:          content,
			ReasoningContent: reasoning,
			ToolCalls:        adapter.ToOpenAIToolCalls(calls),
		},
		FinishReason: finish,
	})

	utils.RespondWithJSON(w, http.StatusOK, resp)
	d.logRequest(req, result, "ok", nil, false, start)
}

// logRequest enqueues one audit entry. result may be nil on failure paths.
func (d *Dependencies) logRequest(req upstream.Request, result *upstream.Result, status string, err error, stream bool, start time.Time) {
	entry := logging.RequestLog{
		Timestamp:  time.Now(),
		UserID:     req.User.ID.String(),
		Model:      req.Model,
		Stream:     stream,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if result != nil {
		entry.CredentialID = result.CredentialID.String()
		entry.Tier = string(result.Tier)
		entry.Attempts = result.Attempts
	}
	if err != nil {
		entry.Status = errorClass(err)
	}
	d.RequestLogger.Log(entry)

	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user":  req.User.ID,
			"model": req.Model,
		}).Warn("request failed")
	}
}

// errorStatus maps a terminal error to an HTTP status and caller-visible
// message.
func errorStatus(err error) (int, string) {
	var ue *upstream.Error
	switch {
	case errors.As(err, &ue):
		switch ue.Code {
		case upstream.CodeAllEndpointsForbidden:
			return http.StatusForbidden, ue.Error()
		case upstream.CodeResourceExhausted:
			return http.StatusTooManyRequests, ue.Error()
		case upstream.CodeInvalidArgument, upstream.CodeIllegalPrompt:
			return http.StatusBadRequest, ue.Error()
		default:
			return http.StatusBadGateway, ue.Error()
		}
	case errors.Is(err, adapter.ErrClientRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, selector.ErrNoCredential):
		return http.StatusTooManyRequests, "no eligible credential available"
	case errors.Is(err, upstream.ErrUnavailable):
		return http.StatusGatewayTimeout, "upstream unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// errorClass names the failure bucket for audit logs.
func errorClass(err error) string {
	if ue, ok := upstream.AsError(err); ok {
		return string(ue.Code)
	}
	switch {
	case errors.Is(err, adapter.ErrClientRequest):
		return "CLIENT_REQUEST_INVALID"
	case errors.Is(err, selector.ErrNoCredential):
		return "NO_CREDENTIAL_AVAILABLE"
	case errors.Is(err, upstream.ErrUnavailable):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
