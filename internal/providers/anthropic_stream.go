package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// claudeStream accumulates a streamed response as SSE events arrive.
type claudeStream struct {
	result        *ChatResponse
	toolCallJSON  map[int]string    // raw argument fragments per tool call
	rawBlocks     []json.RawMessage // reassembled blocks for passback
	blockType     string            // type of the block currently open
	thinkingChars int
	onChunk       func(StreamChunk)
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := p.buildRequestBody(model, req, true)

	// Only the connection phase retries; once bytes flow there is no
	// replaying a half-consumed stream.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	st := &claudeStream{
		result:       &ChatResponse{FinishReason: "stop"},
		toolCallJSON: make(map[int]string),
		onChunk:      onChunk,
	}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // thinking deltas can run long
	var event string

	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if err := p.consumeEvent(st, event, data); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream read: %w", err)
	}

	st.finish()

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return st.result, nil
}

// consumeEvent applies one SSE event to the stream state.
func (p *AnthropicProvider) consumeEvent(st *claudeStream, event, data string) error {
	switch event {
	case "message_start":
		var ev claudeEvMessageStart
		if json.Unmarshal([]byte(data), &ev) == nil {
			if st.result.Usage == nil {
				st.result.Usage = &Usage{}
			}
			if ev.Message.Usage.InputTokens > 0 {
				st.result.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			st.result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
			st.result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
		}

	case "content_block_start":
		var ev claudeEvBlockStart
		if json.Unmarshal([]byte(data), &ev) == nil {
			st.blockType = ev.ContentBlock.Type
			if ev.ContentBlock.Type == "tool_use" {
				st.result.ToolCalls = append(st.result.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      strings.TrimSpace(ev.ContentBlock.Name),
					Arguments: make(map[string]interface{}),
				})
			}
			// Placeholder; the full block is rebuilt at block stop.
			st.rawBlocks = append(st.rawBlocks, json.RawMessage(fmt.Sprintf(`{"type":%q}`, ev.ContentBlock.Type)))
		}

	case "content_block_delta":
		var ev claudeEvBlockDelta
		if json.Unmarshal([]byte(data), &ev) == nil {
			switch ev.Delta.Type {
			case "text_delta":
				st.result.Content += ev.Delta.Text
				if st.onChunk != nil {
					st.onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			case "thinking_delta":
				st.result.Thinking += ev.Delta.Thinking
				st.thinkingChars += len(ev.Delta.Thinking)
				if st.onChunk != nil {
					st.onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
				}
			case "input_json_delta":
				if n := len(st.result.ToolCalls); n > 0 {
					st.toolCallJSON[n-1] += ev.Delta.PartialJSON
				}
			case "signature_delta":
				// Folded into the raw block at block stop.
			}
		}

	case "content_block_stop":
		if n := len(st.rawBlocks); n > 0 {
			if block := p.buildRawBlock(st.blockType, st.result, st.toolCallJSON); block != nil {
				st.rawBlocks[n-1] = block
			}
		}
		st.blockType = ""

	case "message_delta":
		var ev claudeEvMessageDelta
		if json.Unmarshal([]byte(data), &ev) == nil {
			if ev.Delta.StopReason != "" {
				st.result.FinishReason = finishReasonFor(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				if st.result.Usage == nil {
					st.result.Usage = &Usage{}
				}
				st.result.Usage.CompletionTokens = ev.Usage.OutputTokens
			}
		}

	case "error":
		var ev claudeEvError
		if json.Unmarshal([]byte(data), &ev) == nil {
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}

	case "message_stop":
	}
	return nil
}

// finish settles the accumulated state: tool arguments parse from their
// fragments, usage totals close, and raw blocks attach for passback.
func (st *claudeStream) finish() {
	for i, raw := range st.toolCallJSON {
		if raw == "" || i >= len(st.result.ToolCalls) {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(raw), &args)
		st.result.ToolCalls[i].Arguments = args
	}

	if st.result.Usage != nil {
		st.result.Usage.TotalTokens = st.result.Usage.PromptTokens + st.result.Usage.CompletionTokens
		if st.thinkingChars > 0 {
			st.result.Usage.ThinkingTokens = st.thinkingChars / 4
		}
	}

	if len(st.rawBlocks) > 0 && len(st.result.ToolCalls) > 0 {
		if b, err := json.Marshal(st.rawBlocks); err == nil {
			st.result.RawAssistantContent = b
		}
	}
}
