package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicDriver speaks the Anthropic Messages API over net/http. The
// driver is stateless: the API key travels with each request so concurrent
// calls may use distinct auth profiles.
type AnthropicDriver struct {
	baseURL string
	client  *http.Client
}

// NewAnthropicDriver builds the driver. An empty baseURL uses the public API.
func NewAnthropicDriver(baseURL string) *AnthropicDriver {
	if baseURL == "" {
		baseURL = anthropicAPIBase
	}
	return &AnthropicDriver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (d *AnthropicDriver) Name() string { return "anthropic" }

// thinkingBudgets maps think levels to extended-thinking token budgets.
var thinkingBudgets = map[string]int{
	"minimal": 1024,
	"low":     4096,
	"medium":  8192,
	"high":    16384,
}

func (d *AnthropicDriver) Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error) {
	body := d.buildBody(req, true)
	respBody, err := d.doRequest(ctx, req.Credential, body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go d.readStream(ctx, respBody, out)
	return out, nil
}

// readStream parses the SSE event stream into chunks and closes out when
// the stream ends.
func (d *AnthropicDriver) readStream(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	emit := func(c StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage Usage
	// tool_use blocks accumulate input JSON across deltas, keyed by index
	type toolAccum struct {
		call ToolCall
		json strings.Builder
	}
	tools := make(map[int]*toolAccum)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
				usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.ContentBlock.Type == "tool_use" {
				call := ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				tools[ev.Index] = &toolAccum{call: call}
				if !emit(StreamChunk{Kind: ChunkToolCall, ToolCall: &call}) {
					return
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if !emit(StreamChunk{Kind: ChunkTextDelta, Text: ev.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if !emit(StreamChunk{Kind: ChunkReasoningDelta, Text: ev.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if acc, ok := tools[ev.Index]; ok {
					acc.json.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			var ev anthropicContentBlockStopEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if acc, ok := tools[ev.Index]; ok {
				delete(tools, ev.Index)
				acc.call.ArgsJSON = acc.json.String()
				if acc.call.ArgsJSON == "" {
					acc.call.ArgsJSON = "{}"
				}
				call := acc.call
				if !emit(StreamChunk{Kind: ChunkToolCallFinal, ToolCall: &call}) {
					return
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Usage.OutputTokens > 0 {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				emit(StreamChunk{Kind: ChunkError,
					Err: fmt.Sprintf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)})
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamChunk{Kind: ChunkError, Err: fmt.Sprintf("anthropic: stream read: %v", err)})
		return
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if !emit(StreamChunk{Kind: ChunkUsage, Usage: &usage}) {
		return
	}
	emit(StreamChunk{Kind: ChunkDone})
}

// Compact runs a non-streaming summarisation call over the transcript.
func (d *AnthropicDriver) Compact(ctx context.Context, req StreamRequest, instructions string) (string, error) {
	compactReq := req
	compactReq.Tools = nil
	compactReq.ThinkLevel = ""
	compactReq.Messages = append(append([]Message{}, req.Messages...),
		Message{Role: "user", Content: instructions})

	body := d.buildBody(compactReq, false)
	respBody, err := d.doRequest(ctx, req.Credential, body)
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", fmt.Errorf("anthropic: decode compact response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic: compact returned no text")
	}
	return text.String(), nil
}

func (d *AnthropicDriver) buildBody(req StreamRequest, stream bool) map[string]interface{} {
	var messages []map[string]interface{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			if len(msg.Images) > 0 {
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
					blocks = append(blocks, map[string]interface{}{
						"type": "text",
						"text": msg.Content,
					})
				}
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": blocks,
				})
			} else {
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": msg.Content,
				})
			}

		case "assistant":
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.ArgsJSON)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": blocks,
			})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if req.System != "" {
		body["system"] = []map[string]interface{}{
			{"type": "text", "text": req.System},
		}
	}

	if budget, ok := thinkingBudgets[req.ThinkLevel]; ok {
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// Extended thinking forbids a custom temperature.
	} else if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (d *AnthropicDriver) doRequest(ctx context.Context, credential string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}

// --- Anthropic API types ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicContentBlockStopEvent struct {
	Index int `json:"index"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
