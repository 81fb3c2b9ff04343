package providers

import (
	"fmt"
	"strings"
)

// Extra option keys passed through to OpenAI-compatible backends. Reasoning
// effort targets o-series models; enable_thinking/thinking_budget are the
// Qwen-compatible passthrough keys.
const (
	OptReasoningEffort = "reasoning_effort"
	OptEnableThinking  = "enable_thinking"
	OptThinkingBudget  = "thinking_budget"
)

// --- OpenAI-compatible wire types ---

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	Index    int            `json:"index"`
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name             string `json:"name"`
	Arguments        string `json:"arguments"`
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

type openAIUsage struct {
	PromptTokens            int                         `json:"prompt_tokens"`
	CompletionTokens        int                         `json:"completion_tokens"`
	TotalTokens             int                         `json:"total_tokens"`
	PromptTokensDetails     *openAIPromptTokenDetails   `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *openAIOutputTokenDetails   `json:"completion_tokens_details,omitempty"`
}

type openAIPromptTokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type openAIOutputTokenDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

// toolCallAccumulator assembles a streamed tool call whose arguments arrive
// as JSON fragments across chunks.
type toolCallAccumulator struct {
	ToolCall
	rawArgs    string
	thoughtSig string
}

// CleanToolSchemas strips schema constructs a given backend rejects. Gemini's
// OpenAI-compatibility layer is the main offender: it refuses "format" on
// string properties other than enum/date-time.
func CleanToolSchemas(providerName string, tools []ToolDefinition) []interface{} {
	gemini := strings.Contains(strings.ToLower(providerName), "gemini")

	out := make([]interface{}, 0, len(tools))
	for _, t := range tools {
		params := t.Function.Parameters
		if gemini {
			params = cleanSchemaMap(params)
		}
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

func cleanSchemaMap(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "format" {
			if s, ok := v.(string); ok && s != "enum" && s != "date-time" {
				continue
			}
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = cleanSchemaMap(vv)
		case []interface{}:
			cleaned := make([]interface{}, len(vv))
			for i, item := range vv {
				if m, ok := item.(map[string]interface{}); ok {
					cleaned[i] = cleanSchemaMap(m)
				} else {
					cleaned[i] = item
				}
			}
			out[k] = cleaned
		default:
			out[k] = v
		}
	}
	return out
}

// collapseToolCallsWithoutSig folds assistant tool_call turns missing a
// thought_signature (and their tool results) into plain user text, since
// Gemini rejects the round trip outright but still benefits from the
// context.
func collapseToolCallsWithoutSig(messages []Message) []Message {
	needsCollapse := false
	for _, m := range messages {
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				if tc.Metadata["thought_signature"] == "" {
					needsCollapse = true
				}
			}
		}
	}
	if !needsCollapse {
		return messages
	}

	var out []Message
	for i := 0; i < len(messages); i++ {
		m := messages[i]
		if m.Role != "assistant" || len(m.ToolCalls) == 0 || allSigned(m.ToolCalls) {
			out = append(out, m)
			continue
		}

		var sb strings.Builder
		if m.Content != "" {
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&sb, "[Called %s]\n", tc.Name)
		}
		// Fold the following tool results into the same text block.
		for i+1 < len(messages) && messages[i+1].Role == "tool" {
			i++
			fmt.Fprintf(&sb, "[Result: %s]\n", messages[i].Content)
		}
		out = append(out, Message{Role: "user", Content: "[Earlier tool activity]\n" + sb.String()})
	}
	return out
}

func allSigned(calls []ToolCall) bool {
	for _, tc := range calls {
		if tc.Metadata["thought_signature"] == "" {
			return false
		}
	}
	return true
}

// CleanSchemaForProvider applies provider-specific schema cleanup to one
// parameters map. Anthropic accepts standard JSON Schema; only the Gemini
// format quirk needs stripping today, but the seam keeps tool schemas in one
// place per provider.
func CleanSchemaForProvider(providerName string, schema map[string]interface{}) map[string]interface{} {
	if strings.Contains(strings.ToLower(providerName), "gemini") {
		return cleanSchemaMap(schema)
	}
	return schema
}
