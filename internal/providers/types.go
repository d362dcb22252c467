package providers

import (
	"context"
	"time"
)

// ChunkKind discriminates StreamChunk variants.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkToolCall       ChunkKind = "tool-call"
	ChunkToolCallFinal  ChunkKind = "tool-call-final"
	ChunkUsage          ChunkKind = "usage"
	ChunkError          ChunkKind = "error"
	ChunkDone           ChunkKind = "done"
)

// StreamChunk is one piece of a streaming assistant turn.
// A single stream corresponds to a single assistant turn; deltas from
// different messages never interleave.
type StreamChunk struct {
	Kind     ChunkKind `json:"kind"`
	Text     string    `json:"text,omitempty"`      // text-delta / reasoning-delta payload
	ToolCall *ToolCall `json:"tool_call,omitempty"` // tool-call / tool-call-final
	Usage    *Usage    `json:"usage,omitempty"`
	Err      string    `json:"error,omitempty"` // provider error message
}

// StreamRequest is the input for one driver stream call.
// Drivers are stateless: the credential travels with the request so
// concurrent calls with distinct auth profiles are safe.
type StreamRequest struct {
	Model       string           `json:"model"`
	Credential  string           `json:"-"` // resolved API key, never serialized
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ThinkLevel  string           `json:"think_level,omitempty"` // off|minimal|low|medium|high
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// ModelDriver opens streaming calls against one provider.
type ModelDriver interface {
	// Stream opens a call and produces chunks until done/error.
	// The returned channel is closed by the driver; cancelling ctx must
	// reach the producer promptly.
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error)

	// Compact summarises older transcript messages for the compaction path.
	Compact(ctx context.Context, req StreamRequest, instructions string) (string, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ModelDescriptor describes a resolvable model.
type ModelDescriptor struct {
	Provider            string   `json:"provider"`
	ID                  string   `json:"id"`
	ContextWindowTokens int      `json:"context_window_tokens"`
	Capabilities        []string `json:"capabilities,omitempty"` // "vision", "thinking", "tools"
}

// Tag returns the canonical "provider/model" form.
func (d ModelDescriptor) Tag() string {
	return d.Provider + "/" + d.ID
}

// HasCapability reports whether the descriptor lists the capability.
func (d ModelDescriptor) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ImageContent represents a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// Message represents one conversation message.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" responses
	Timestamp  time.Time      `json:"timestamp,omitzero"`
	Provider   string         `json:"provider,omitempty"` // stamp: which driver produced this
	Model      string         `json:"model,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ArgsJSON string `json:"arguments"` // raw JSON arguments
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates counts from another usage record.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}
