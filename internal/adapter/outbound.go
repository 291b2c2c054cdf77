package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"account_gateway/internal/config"
)

// rewriteThinkTags converts the lowercase inline thinking markers to the
// uppercase dialect the upstream expects.
func rewriteThinkTags(text string) string {
	text = strings.ReplaceAll(text, "<think>", "<THINK>")
	text = strings.ReplaceAll(text, "</think>", "</THINK>")
	return text
}

// splitDataURL decodes a data: URL into its MIME type and base64 payload.
func splitDataURL(url string) (mimeType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}

// BuildAntigravityRequest converts an OpenAI-style request into the
// upstream JSON body. Messages become content turns of typed parts;
// tool schemas are sanitized; generation parameters are defaulted and
// validated. The returned body is ready to POST.
func BuildAntigravityRequest(model string, messages []ChatMessage, tools []Tool, params GenParams, defaults config.GenerationDefaults) ([]byte, error) {
	genCfg, err := generationConfig(model, params, defaults)
	if err != nil {
		return nil, err
	}

	contents, systemText, err := buildContents(messages)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"model":            model,
		"contents":         contents,
		"generationConfig": genCfg,
	}

	if systemText != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": systemText}},
		}
	}

	if len(tools) > 0 {
		declarations := make([]map[string]any, 0, len(tools))
		for _, tool := range tools {
			if tool.Function.Name == "" {
				return nil, fmt.Errorf("%w: tool missing function name", ErrClientRequest)
			}
			decl := map[string]any{
				"name": tool.Function.Name,
			}
			if tool.Function.Description != "" {
				decl["description"] = tool.Function.Description
			}
			if tool.Function.Parameters != nil {
				decl["parameters"] = SanitizeSchema(tool.Function.Parameters)
			}
			declarations = append(declarations, decl)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}

	return json.Marshal(body)
}

// buildContents walks the transcript and produces upstream content turns.
//
// Rules:
//   - system messages accumulate into one system instruction
//   - an assistant message with text and tool calls emits both part kinds
//     in the same turn; a tool-call-only assistant turn directly following
//     another assistant turn merges into it instead of opening an empty one
//   - tool-result messages referencing a call id never seen in the
//     transcript are pruned
//   - turns left without parts are dropped
func buildContents(messages []ChatMessage) ([]map[string]any, string, error) {
	// First pass: collect the call ids the transcript actually issues, so
	// orphaned function responses can be pruned, and remember each call's
	// function name for the response part.
	callNames := make(map[string]string)
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			callNames[call.ID] = call.Function.Name
		}
	}

	var contents []map[string]any
	var systemParts []string

	appendTurn := func(role string, parts []map[string]any) {
		if len(parts) == 0 {
			return
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": parts,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			if text := textOfContent(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}

		case "user":
			parts, err := userParts(msg)
			if err != nil {
				return nil, "", err
			}
			appendTurn("user", parts)

		case "assistant":
			parts := assistantParts(msg)
			if len(parts) == 0 {
				continue
			}
			// Merge a tool-call-only turn into the preceding model turn.
			onlyCalls := textOfContent(msg.Content) == "" && len(msg.ToolCalls) > 0
			if onlyCalls && len(contents) > 0 && contents[len(contents)-1]["role"] == "model" {
				prev := contents[len(contents)-1]
				prev["parts"] = append(prev["parts"].([]map[string]any), parts...)
				continue
			}
			appendTurn("model", parts)

		case "tool":
			name, known := callNames[msg.ToolCallID]
			if !known {
				continue // orphaned response, prune
			}
			appendTurn("user", []map[string]any{{
				"functionResponse": map[string]any{
					"name": name,
					"response": map[string]any{
						"result": textOfContent(msg.Content),
					},
				},
			}})

		default:
			return nil, "", fmt.Errorf("%w: unsupported message role %q", ErrClientRequest, msg.Role)
		}
	}

	return contents, strings.Join(systemParts, "\n\n"), nil
}

func userParts(msg ChatMessage) ([]map[string]any, error) {
	decoded, err := contentParts(msg.Content)
	if err != nil {
		return nil, err
	}

	var parts []map[string]any
	for _, part := range decoded {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			parts = append(parts, map[string]any{"text": rewriteThinkTags(part.Text)})
		case "image_url":
			mimeType, data, ok := splitDataURL(part.ImageURL.URL)
			if !ok {
				return nil, fmt.Errorf("%w: image_url must be a base64 data URL", ErrClientRequest)
			}
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{
					"mimeType": mimeType,
					"data":     data,
				},
			})
		default:
			return nil, fmt.Errorf("%w: unsupported content part type %q", ErrClientRequest, part.Type)
		}
	}
	return parts, nil
}

func assistantParts(msg ChatMessage) []map[string]any {
	var parts []map[string]any

	if text := textOfContent(msg.Content); text != "" {
		parts = append(parts, map[string]any{"text": rewriteThinkTags(text)})
	}

	for _, call := range msg.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			// Invalid argument JSON is forwarded as a raw string rather
			// than dropped; the upstream surfaces its own error.
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": call.Function.Arguments}
			}
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": call.Function.Name,
				"args": args,
			},
		})
	}

	return parts
}
