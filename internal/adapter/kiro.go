package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// BuildKiroRequest converts an OpenAI-style request into the kiro
// conversation-state body. The transcript is split into a history list and
// the current user message; tool schemas go through the same sanitizer as
// the antigravity path.
func BuildKiroRequest(model string, messages []ChatMessage, tools []Tool, profileArn string) ([]byte, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: empty message list", ErrClientRequest)
	}

	var system string
	var turns []ChatMessage
	for _, msg := range messages {
		if msg.Role == "system" || msg.Role == "developer" {
			if text := textOfContent(msg.Content); text != "" {
				if system != "" {
					system += "\n\n"
				}
				system += text
			}
			continue
		}
		turns = append(turns, msg)
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: no user message", ErrClientRequest)
	}

	toolSpecs := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		if tool.Function.Name == "" {
			return nil, fmt.Errorf("%w: tool missing function name", ErrClientRequest)
		}
		spec := map[string]any{
			"toolSpecification": map[string]any{
				"name":        tool.Function.Name,
				"description": tool.Function.Description,
				"inputSchema": map[string]any{
					"json": SanitizeSchema(tool.Function.Parameters),
				},
			},
		}
		toolSpecs = append(toolSpecs, spec)
	}

	history, current, err := kiroHistory(turns, system, model, toolSpecs)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"conversationState": map[string]any{
			"chatTriggerType": "MANUAL",
			"conversationId":  uuid.NewString(),
			"currentMessage":  current,
			"history":         history,
		},
	}
	if profileArn != "" {
		body["profileArn"] = profileArn
	}

	return json.Marshal(body)
}

// kiroHistory folds the transcript into alternating user/assistant history
// entries and the trailing current message. Tool results attach to the user
// message that follows the assistant's tool use.
func kiroHistory(turns []ChatMessage, system, model string, toolSpecs []map[string]any) (history []map[string]any, current map[string]any, err error) {
	callNames := make(map[string]string)
	for _, msg := range turns {
		for _, call := range msg.ToolCalls {
			callNames[call.ID] = call.Function.Name
		}
	}

	// Collapse the transcript into user-visible exchanges.
	type exchange struct {
		userText    string
		toolResults []map[string]any
		asstText    string
		toolUses    []map[string]any
		haveUser    bool
		haveAsst    bool
	}

	var exchanges []*exchange
	currentEx := func() *exchange {
		if len(exchanges) == 0 || exchanges[len(exchanges)-1].haveAsst {
			exchanges = append(exchanges, &exchange{})
		}
		return exchanges[len(exchanges)-1]
	}

	for _, msg := range turns {
		switch msg.Role {
		case "user":
			ex := currentEx()
			if ex.userText != "" {
				ex.userText += "\n"
			}
			ex.userText += textOfContent(msg.Content)
			ex.haveUser = true

		case "tool":
			if _, known := callNames[msg.ToolCallID]; !known {
				continue
			}
			ex := currentEx()
			ex.toolResults = append(ex.toolResults, map[string]any{
				"toolUseId": msg.ToolCallID,
				"status":    "success",
				"content":   []map[string]any{{"text": textOfContent(msg.Content)}},
			})
			ex.haveUser = true

		case "assistant":
			if len(exchanges) == 0 {
				exchanges = append(exchanges, &exchange{haveUser: true})
			}
			ex := exchanges[len(exchanges)-1]
			if text := textOfContent(msg.Content); text != "" {
				ex.asstText += text
			}
			for _, call := range msg.ToolCalls {
				input := map[string]any{}
				if call.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
				}
				ex.toolUses = append(ex.toolUses, map[string]any{
					"toolUseId": call.ID,
					"name":      call.Function.Name,
					"input":     input,
				})
			}
			ex.haveAsst = true

		default:
			return nil, nil, fmt.Errorf("%w: unsupported message role %q", ErrClientRequest, msg.Role)
		}
	}

	if len(exchanges) == 0 {
		return nil, nil, fmt.Errorf("%w: no user message", ErrClientRequest)
	}

	userMessage := func(ex *exchange, withSystem bool) map[string]any {
		content := ex.userText
		if withSystem && system != "" {
			content = system + "\n\n" + content
		}
		msgCtx := map[string]any{}
		if len(toolSpecs) > 0 {
			msgCtx["tools"] = toolSpecs
		}
		if len(ex.toolResults) > 0 {
			msgCtx["toolResults"] = ex.toolResults
		}
		inner := map[string]any{
			"content": content,
			"modelId": model,
			"origin":  "AI_EDITOR",
		}
		if len(msgCtx) > 0 {
			inner["userInputMessageContext"] = msgCtx
		}
		return map[string]any{"userInputMessage": inner}
	}

	for i, ex := range exchanges {
		isLast := i == len(exchanges)-1
		if isLast && !ex.haveAsst {
			current = userMessage(ex, i == 0)
			break
		}
		history = append(history, userMessage(ex, i == 0))
		asst := map[string]any{"content": ex.asstText}
		if len(ex.toolUses) > 0 {
			asst["toolUses"] = ex.toolUses
		}
		history = append(history, map[string]any{"assistantResponseMessage": asst})
	}

	if current == nil {
		// Transcript ends on an assistant turn; prompt a continuation.
		current = userMessage(&exchange{userText: "continue"}, false)
	}

	return history, current, nil
}
