package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"account_gateway/internal/config"
)

var testDefaults = config.GenerationDefaults{
	Temperature:         1.0,
	TopP:                0.95,
	TopK:                64,
	MaxOutputTokens:     65536,
	ThinkingBudgetFloor: 1024,
}

func rawString(t *testing.T, s string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	return raw
}

func TestBuildAntigravityRequestBasic(t *testing.T) {
	messages := []ChatMessage{
		{Role: "system", Content: rawString(t, "be terse")},
		{Role: "user", Content: rawString(t, "hello")},
	}

	body, err := BuildAntigravityRequest("gemini-3-pro-preview", messages, nil, GenParams{}, testDefaults)
	require.NoError(t, err)

	assert.Equal(t, "gemini-3-pro-preview", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "be terse", gjson.GetBytes(body, "systemInstruction.parts.0.text").String())
	assert.Equal(t, "user", gjson.GetBytes(body, "contents.0.role").String())
	assert.Equal(t, "hello", gjson.GetBytes(body, "contents.0.parts.0.text").String())
	assert.Equal(t, float64(64), gjson.GetBytes(body, "generationConfig.topK").Float())
}

func TestToolCallRoundTripPreservesNameAndArguments(t *testing.T) {
	args := `{"city":"Berlin","days":3}`
	var call OpenAIToolCall
	call.ID = "call_abc"
	call.Type = "function"
	call.Function.Name = "get_weather"
	call.Function.Arguments = args

	messages := []ChatMessage{
		{Role: "user", Content: rawString(t, "weather?")},
		{Role: "assistant", ToolCalls: []OpenAIToolCall{call}},
	}

	body, err := BuildAntigravityRequest("gemini-3-pro-preview", messages, nil, GenParams{}, testDefaults)
	require.NoError(t, err)

	fc := gjson.GetBytes(body, "contents.1.parts.0.functionCall")
	require.True(t, fc.Exists())
	assert.Equal(t, "get_weather", fc.Get("name").String())

	// Back through the canonical form.
	back := ToOpenAIToolCalls([]ToolCall{{
		ID:        "call_abc",
		Name:      fc.Get("name").String(),
		Arguments: fc.Get("args").Raw,
	}})
	require.Len(t, back, 1)
	assert.Equal(t, "call_abc", back[0].ID)
	assert.Equal(t, "get_weather", back[0].Function.Name)
	assert.JSONEq(t, args, back[0].Function.Arguments)
}

func TestBuildContentsMergesToolOnlyAssistantTurn(t *testing.T) {
	var call OpenAIToolCall
	call.ID = "call_1"
	call.Function.Name = "lookup"
	call.Function.Arguments = `{}`

	messages := []ChatMessage{
		{Role: "user", Content: rawString(t, "go")},
		{Role: "assistant", Content: rawString(t, "thinking about it")},
		{Role: "assistant", ToolCalls: []OpenAIToolCall{call}},
	}

	body, err := BuildAntigravityRequest("gemini-3-pro-preview", messages, nil, GenParams{}, testDefaults)
	require.NoError(t, err)

	contents := gjson.GetBytes(body, "contents")
	require.Equal(t, int64(2), int64(len(contents.Array())), "tool-only turn must merge into the previous model turn")

	parts := contents.Array()[1].Get("parts").Array()
	require.Len(t, parts, 2)
	assert.Equal(t, "thinking about it", parts[0].Get("text").String())
	assert.Equal(t, "lookup", parts[1].Get("functionCall.name").String())
}

func TestBuildContentsPrunesOrphanToolResponses(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: rawString(t, "go")},
		{Role: "tool", ToolCallID: "call_never_issued", Content: rawString(t, "result")},
	}

	body, err := BuildAntigravityRequest("gemini-3-pro-preview", messages, nil, GenParams{}, testDefaults)
	require.NoError(t, err)

	for _, turn := range gjson.GetBytes(body, "contents").Array() {
		for _, part := range turn.Get("parts").Array() {
			assert.False(t, part.Get("functionResponse").Exists(), "orphaned response must be pruned")
		}
	}
}

func TestBuildContentsRejectsUnknownRole(t *testing.T) {
	messages := []ChatMessage{{Role: "robot", Content: rawString(t, "hi")}}
	_, err := BuildAntigravityRequest("gemini-3-pro-preview", messages, nil, GenParams{}, testDefaults)
	assert.ErrorIs(t, err, ErrClientRequest)
}

func TestRewriteThinkTags(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: rawString(t, "<think>plan</think> act")},
	}
	body, err := BuildAntigravityRequest("gemini-3-pro-preview", messages, nil, GenParams{}, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, "<THINK>plan</THINK> act", gjson.GetBytes(body, "contents.0.parts.0.text").String())
}

func TestThinkingBudgetFloorAndPinnedTopP(t *testing.T) {
	budget := 100 // below the floor
	body, err := BuildAntigravityRequest("gemini-3-pro-preview", []ChatMessage{
		{Role: "user", Content: rawString(t, "hi")},
	}, nil, GenParams{ThinkingBudget: &budget}, testDefaults)
	require.NoError(t, err)

	assert.Equal(t, float64(1024), gjson.GetBytes(body, "generationConfig.thinkingConfig.thinkingBudget").Float())
	assert.False(t, gjson.GetBytes(body, "generationConfig.topP").Exists(),
		"top_p must be dropped for this model when thinking is enabled")

	// Other models keep top_p.
	body, err = BuildAntigravityRequest("gemini-3-flash-preview", []ChatMessage{
		{Role: "user", Content: rawString(t, "hi")},
	}, nil, GenParams{ThinkingBudget: &budget}, testDefaults)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(body, "generationConfig.topP").Exists())
}

func TestValidateImageParams(t *testing.T) {
	tests := []struct {
		name    string
		params  *ImageParams
		wantErr bool
	}{
		{"nil params", nil, false},
		{"valid", &ImageParams{AspectRatio: "16:9", ImageSize: "2K"}, false},
		{"bad ratio", &ImageParams{AspectRatio: "7:5"}, true},
		{"bad size", &ImageParams{ImageSize: "8K"}, true},
		{"empty strings", &ImageParams{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImageParams(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrClientRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
