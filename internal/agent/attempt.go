package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/providers"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
	"github.com/nextlevelbuilder/boardroom/internal/tools"
)

// Callbacks fire synchronously with the stream iterator. They must return
// quickly; a slow callback back-pressures the driver.
type Callbacks struct {
	OnPartial    func(text string)
	OnReasoning  func(text string)
	OnToolResult func(name string, isError bool)
}

// ToolMeta summarizes one tool invocation within an attempt.
type ToolMeta struct {
	CallID     string `json:"callId"`
	Name       string `json:"name"`
	IsError    bool   `json:"isError"`
	DurationMs int64  `json:"durationMs"`
}

// Attempt is the outcome of one driver call. The controller inspects it to
// decide between success, retry, rotation, and terminal failure.
type Attempt struct {
	AssistantTexts   []string
	ToolMetas        []ToolMeta
	LastAssistant    providers.Message
	Usage            providers.Usage
	StopReason       string // "end", "tool_calls", "error", "aborted", "timeout"
	PendingToolCalls []providers.ToolCall
	PromptError      string // stream failed to open
	StreamError      string // provider error chunk mid-stream
	TimedOut         bool
	Aborted          bool
	MissingFinalTag  bool
	ReasoningText    string

	// PartialText is assistant text accumulated before an abort or timeout
	// cut the stream; the controller logs it as an aborted event.
	PartialText string

	events []sessions.LogEvent
}

// Events returns the session log records for the completed portion of the
// attempt. The controller flushes them only after the turn succeeds.
func (a *Attempt) Events() []sessions.LogEvent { return a.events }

// Failed reports whether the attempt ended in a provider error.
func (a *Attempt) Failed() bool { return a.PromptError != "" || a.StreamError != "" }

// errorMessage returns whichever error surfaced.
func (a *Attempt) errorMessage() string {
	if a.PromptError != "" {
		return a.PromptError
	}
	return a.StreamError
}

type attemptParams struct {
	driver          providers.ModelDriver
	req             providers.StreamRequest
	tools           *tools.Registry
	clientTools     map[string]struct{}
	callbacks       Callbacks
	requireFinalTag bool
}

// maxToolRounds bounds the tool-use round trip within one attempt.
const maxToolRounds = 8

// runAttempt drives one turn through the driver. A round that executed
// local tools feeds the tool results back to the model and streams again;
// the attempt ends on the first round with no tool calls, on a pending
// client-hosted call, or on an error.
func runAttempt(ctx context.Context, p attemptParams) *Attempt {
	att := &Attempt{StopReason: "end"}

	scrubRefusalTriggers(&p.req)

	for round := 0; ; round++ {
		assistant, results, stop := streamRound(ctx, p, att)
		if stop || len(assistant.ToolCalls) == 0 || len(att.PendingToolCalls) > 0 {
			break
		}
		if round+1 >= maxToolRounds {
			slog.Warn("tool round limit reached", "rounds", maxToolRounds)
			break
		}
		p.req.Messages = append(p.req.Messages, assistant)
		p.req.Messages = append(p.req.Messages, results...)
	}

	if n := len(att.AssistantTexts); n > 0 {
		last := att.AssistantTexts[n-1]
		att.LastAssistant = providers.Message{
			Role:     "assistant",
			Content:  last,
			Provider: p.driver.Name(),
			Model:    p.req.Model,
		}
		if p.requireFinalTag && !hasFinalTag(last) {
			// Soft error: the controller decides whether to care.
			att.MissingFinalTag = true
		}
	}
	if len(att.PendingToolCalls) > 0 {
		att.StopReason = "tool_calls"
	}

	return att
}

// streamRound opens one driver stream and demultiplexes its chunks: text
// deltas accumulate and fan out to callbacks, tool calls dispatch through
// the registry and feed their results back as log events, usage accumulates,
// an error chunk ends the attempt. The returned assistant message carries
// the round's text and locally executed tool calls; results are the matching
// tool messages. stop reports that the attempt cannot continue.
//
// Tool calls naming a client-hosted tool are not dispatched locally; they
// collect into PendingToolCalls and the attempt stops with "tool_calls" so
// the caller can fulfil them out-of-band and resume.
func streamRound(ctx context.Context, p attemptParams, att *Attempt) (assistant providers.Message, results []providers.Message, stop bool) {
	stream, err := p.driver.Stream(ctx, p.req)
	if err != nil {
		if !classifyCtx(ctx, att) {
			att.PromptError = err.Error()
			att.StopReason = "error"
		}
		return assistant, nil, true
	}

	textStart := len(att.AssistantTexts)
	var text, reasoning strings.Builder
	defer func() { att.ReasoningText += reasoning.String() }()

	var calls []providers.ToolCall

	flushText := func() {
		if text.Len() == 0 {
			return
		}
		content := text.String()
		text.Reset()
		att.AssistantTexts = append(att.AssistantTexts, content)
		att.events = append(att.events, sessions.LogEvent{
			Type:     sessions.EventAssistant,
			Role:     "assistant",
			Content:  content,
			Provider: p.driver.Name(),
			Model:    p.req.Model,
		})
	}

loop:
	for {
		select {
		case <-ctx.Done():
			att.PartialText = text.String()
			classifyCtx(ctx, att)
			return assistant, nil, true

		case chunk, ok := <-stream:
			if !ok {
				break loop
			}
			switch chunk.Kind {
			case providers.ChunkTextDelta:
				text.WriteString(chunk.Text)
				if p.callbacks.OnPartial != nil {
					p.callbacks.OnPartial(chunk.Text)
				}

			case providers.ChunkReasoningDelta:
				reasoning.WriteString(chunk.Text)
				if p.callbacks.OnReasoning != nil {
					p.callbacks.OnReasoning(chunk.Text)
				}

			case providers.ChunkToolCall:
				// streamed announcement; args arrive with the final chunk

			case providers.ChunkToolCallFinal:
				if chunk.ToolCall == nil {
					continue
				}
				flushText()
				tc := *chunk.ToolCall
				att.events = append(att.events, sessions.LogEvent{
					Type:     sessions.EventToolCall,
					ToolCall: &tc,
				})
				if _, hosted := p.clientTools[tc.Name]; hosted {
					att.PendingToolCalls = append(att.PendingToolCalls, tc)
					continue
				}
				calls = append(calls, tc)
				results = append(results, runTool(ctx, p, att, tc))

			case providers.ChunkUsage:
				if chunk.Usage != nil {
					att.Usage.Add(*chunk.Usage)
				}

			case providers.ChunkError:
				att.StreamError = chunk.Err
				att.StopReason = "error"
				att.PartialText = text.String()
				return assistant, nil, true

			case providers.ChunkDone:
				break loop
			}
		}
	}

	flushText()

	assistant = providers.Message{
		Role:      "assistant",
		Content:   strings.Join(att.AssistantTexts[textStart:], "\n\n"),
		ToolCalls: calls,
		Provider:  p.driver.Name(),
		Model:     p.req.Model,
	}
	return assistant, results, false
}

// runTool dispatches one tool call, records result + meta, and returns the
// tool message fed back to the model on the next round. Tool errors are
// reported in-band: the model sees the failure text and the turn continues.
func runTool(ctx context.Context, p attemptParams, att *Attempt, tc providers.ToolCall) providers.Message {
	start := time.Now()
	result := p.tools.Invoke(ctx, tc.Name, tc.ArgsJSON)
	elapsed := time.Since(start)

	if result.IsError {
		msg := result.ForLLM
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		slog.Warn("tool error", "tool", tc.Name, "category", result.Category, "error", msg)
	} else {
		slog.Info("tool call", "tool", tc.Name, "duration_ms", elapsed.Milliseconds())
	}

	att.ToolMetas = append(att.ToolMetas, ToolMeta{
		CallID:     tc.ID,
		Name:       tc.Name,
		IsError:    result.IsError,
		DurationMs: elapsed.Milliseconds(),
	})
	att.events = append(att.events, sessions.LogEvent{
		Type: sessions.EventToolResult,
		ToolResult: &sessions.ToolResultRecord{
			CallID:  tc.ID,
			Content: result.ForLLM,
			IsError: result.IsError,
		},
	})
	if p.callbacks.OnToolResult != nil {
		p.callbacks.OnToolResult(tc.Name, result.IsError)
	}
	return providers.Message{
		Role:       "tool",
		Content:    result.ForLLM,
		ToolCallID: tc.ID,
	}
}

// classifyCtx marks the attempt aborted or timed out from the context error.
// Returns true when the context was the cause.
func classifyCtx(ctx context.Context, att *Attempt) bool {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		att.TimedOut = true
		att.StopReason = "timeout"
		return true
	case errors.Is(ctx.Err(), context.Canceled):
		att.Aborted = true
		att.StopReason = "aborted"
		return true
	}
	return false
}
