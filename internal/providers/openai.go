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

// OpenAIDriver speaks OpenAI-compatible chat completions APIs
// (OpenAI, OpenRouter, Groq, DeepSeek, vLLM and friends). One registered
// driver instance per provider name.
type OpenAIDriver struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewOpenAIDriver builds a driver for one OpenAI-compatible endpoint.
// An empty baseURL uses the public OpenAI API.
func NewOpenAIDriver(name, baseURL string) *OpenAIDriver {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIDriver{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (d *OpenAIDriver) Name() string { return d.name }

func (d *OpenAIDriver) Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error) {
	body := d.buildBody(req, true)
	respBody, err := d.doRequest(ctx, req.Credential, body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go d.readStream(ctx, respBody, out)
	return out, nil
}

func (d *OpenAIDriver) readStream(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
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

	var usage *Usage
	// streamed tool calls arrive as argument fragments keyed by index
	accums := make(map[int]*toolAccumCall)
	var order []int

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			emit(StreamChunk{Kind: ChunkError,
				Err: fmt.Sprintf("%s: %s: %s", d.name, chunk.Error.Type, chunk.Error.Message)})
			return
		}

		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			if chunk.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			if !emit(StreamChunk{Kind: ChunkReasoningDelta, Text: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !emit(StreamChunk{Kind: ChunkTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := accums[tc.Index]
			if !ok {
				acc = &toolAccumCall{id: tc.ID}
				accums[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				first := acc.name == ""
				acc.name = strings.TrimSpace(tc.Function.Name)
				if first {
					announce := ToolCall{ID: acc.id, Name: acc.name}
					if !emit(StreamChunk{Kind: ChunkToolCall, ToolCall: &announce}) {
						return
					}
				}
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamChunk{Kind: ChunkError, Err: fmt.Sprintf("%s: stream read: %v", d.name, err)})
		return
	}

	for _, idx := range order {
		acc := accums[idx]
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		call := ToolCall{ID: acc.id, Name: acc.name, ArgsJSON: args}
		if !emit(StreamChunk{Kind: ChunkToolCallFinal, ToolCall: &call}) {
			return
		}
	}

	if usage != nil {
		if !emit(StreamChunk{Kind: ChunkUsage, Usage: usage}) {
			return
		}
	}
	emit(StreamChunk{Kind: ChunkDone})
}

type toolAccumCall struct {
	id   string
	name string
	args strings.Builder
}

// Compact runs a non-streaming summarisation call over the transcript.
func (d *OpenAIDriver) Compact(ctx context.Context, req StreamRequest, instructions string) (string, error) {
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

	var resp openAIResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", fmt.Errorf("%s: decode compact response: %w", d.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s: compact returned no text", d.name)
	}
	return resp.Choices[0].Message.Content, nil
}

func (d *OpenAIDriver) buildBody(req StreamRequest, stream bool) map[string]interface{} {
	msgs := make([]map[string]interface{}, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, map[string]interface{}{
			"role":    "system",
			"content": req.System,
		})
	}

	for _, m := range req.Messages {
		msg := map[string]interface{}{"role": m.Role}

		if m.Role == "user" && len(m.Images) > 0 {
			var parts []map[string]interface{}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{
					"type": "text",
					"text": m.Content,
				})
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			// Assistant messages carrying only tool_calls omit content;
			// some compatible backends reject an empty string there.
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := tc.ArgsJSON
				if args == "" {
					args = "{}"
				}
				toolCalls[i] = map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": args,
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	body := map[string]interface{}{
		"model":    req.Model,
		"messages": msgs,
		"stream":   stream,
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	// reasoning_effort is ignored by models that don't support it
	if req.ThinkLevel != "" && req.ThinkLevel != "off" {
		body["reasoning_effort"] = req.ThinkLevel
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	return body
}

func (d *OpenAIDriver) doRequest(ctx context.Context, credential string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", d.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", d.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", d.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		return nil, fmt.Errorf("%s: status %d: %s", d.name, resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}

// --- OpenAI wire types ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
