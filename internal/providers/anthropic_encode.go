package providers

import "encoding/json"

// buildRequestBody translates the provider-neutral request into the
// Messages API shape: system blocks split out, tool results folded into
// user turns, and assistant turns replayed from their raw blocks when we
// have them so thinking signatures verify.
func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	var systemBlocks []map[string]interface{}
	var messages []map[string]interface{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemBlocks = append(systemBlocks, map[string]interface{}{
				"type": "text",
				"text": msg.Content,
			})
		case "user":
			messages = append(messages, encodeUserTurn(msg))
		case "assistant":
			messages = append(messages, encodeAssistantTurn(msg))
		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": 4096,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}

	if len(systemBlocks) > 0 {
		// The system prompt is the stable prefix of every turn: cache
		// breakpoint goes on its final block.
		systemBlocks[len(systemBlocks)-1]["cache_control"] = map[string]interface{}{"type": "ephemeral"}
		body["system"] = systemBlocks
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget := claudeThinkingBudget(level)
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// The API rejects temperature alongside thinking, and max_tokens
		// must leave room for the budget plus the actual response.
		delete(body, "temperature")
		if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}

	return body
}

func encodeUserTurn(msg Message) map[string]interface{} {
	if len(msg.Images) == 0 {
		return map[string]interface{}{"role": "user", "content": msg.Content}
	}
	var blocks []map[string]interface{}
	for _, img := range msg.Images {
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Data,
			},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
	}
	return map[string]interface{}{"role": "user", "content": blocks}
}

func encodeAssistantTurn(msg Message) map[string]interface{} {
	// Raw blocks from a previous Claude response replay verbatim,
	// preserving thinking blocks and signatures.
	if msg.RawAssistantContent != nil {
		var rawBlocks []json.RawMessage
		if json.Unmarshal(msg.RawAssistantContent, &rawBlocks) == nil && len(rawBlocks) > 0 {
			return map[string]interface{}{"role": "assistant", "content": rawBlocks}
		}
	}

	var blocks []map[string]interface{}
	if msg.Content != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": tc.Arguments,
		})
	}
	return map[string]interface{}{"role": "assistant", "content": blocks}
}

// buildRawBlock reassembles one finished content block from accumulated
// stream state, so streamed thinking/tool blocks can replay later.
func (p *AnthropicProvider) buildRawBlock(blockType string, result *ChatResponse, toolCallJSON map[int]string) json.RawMessage {
	var block map[string]interface{}
	switch blockType {
	case "thinking":
		block = map[string]interface{}{"type": "thinking", "thinking": result.Thinking}
	case "text":
		block = map[string]interface{}{"type": "text", "text": result.Content}
	case "tool_use":
		if len(result.ToolCalls) == 0 {
			return nil
		}
		idx := len(result.ToolCalls) - 1
		tc := result.ToolCalls[idx]
		args := make(map[string]interface{})
		if raw := toolCallJSON[idx]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		block = map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": args,
		}
	case "redacted_thinking":
		// The encrypted payload isn't available from the stream; the type
		// marker alone keeps block ordering intact.
		block = map[string]interface{}{"type": "redacted_thinking"}
	default:
		return nil
	}
	b, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	return b
}

// claudeThinkingBudget maps the level vocabulary onto token budgets.
func claudeThinkingBudget(level string) int {
	switch level {
	case "minimal":
		return 1024
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	case "xhigh":
		return 64000
	default:
		return 10000
	}
}
