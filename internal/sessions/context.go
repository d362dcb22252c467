package sessions

import (
	"github.com/nextlevelbuilder/boardroom/internal/providers"
)

// BuildContext converts the active branch into the ordered message sequence
// for an LLM call. turnLimit > 0 keeps only the most recent N user turns
// (composing with the compaction anchor by minimum: whichever trims more
// wins). A compaction summary at the head of the branch always survives
// trimming.
//
// The result is a pure function of the log: an unchanged log yields an
// identical context.
func (s *Session) BuildContext(turnLimit int) []providers.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.activeBranch()

	// Separate the leading compaction summary (if any) so trimming never
	// drops it.
	var summary *LogEvent
	if len(events) > 0 && events[0].Type == EventSystem && events[0].Role == "system" {
		summary = &events[0]
		events = events[1:]
	}

	if turnLimit > 0 {
		events = trimToUserTurns(events, turnLimit)
	}

	var msgs []providers.Message
	if summary != nil {
		msgs = append(msgs, providers.Message{
			Role:      "system",
			Content:   summary.Content,
			Timestamp: summary.Timestamp,
		})
	}

	for _, ev := range events {
		switch ev.Type {
		case EventUser:
			msgs = append(msgs, providers.Message{
				Role:      "user",
				Content:   ev.Content,
				Images:    ev.Images,
				Timestamp: ev.Timestamp,
			})
		case EventAssistant, EventAborted:
			if ev.Content == "" && ev.Type == EventAborted {
				continue
			}
			msgs = append(msgs, providers.Message{
				Role:      "assistant",
				Content:   ev.Content,
				Timestamp: ev.Timestamp,
				Provider:  ev.Provider,
				Model:     ev.Model,
			})
		case EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			// Fold the call into the preceding assistant message so an
			// assistant+tool run counts as a single role run.
			if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" {
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, *ev.ToolCall)
			} else {
				msgs = append(msgs, providers.Message{
					Role:      "assistant",
					ToolCalls: []providers.ToolCall{*ev.ToolCall},
					Timestamp: ev.Timestamp,
				})
			}
		case EventToolResult:
			if ev.ToolResult == nil {
				continue
			}
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    ev.ToolResult.Content,
				ToolCallID: ev.ToolResult.CallID,
				Timestamp:  ev.Timestamp,
			})
		case EventSystem:
			msgs = append(msgs, providers.Message{
				Role:      "system",
				Content:   ev.Content,
				Timestamp: ev.Timestamp,
			})
		}
	}
	return msgs
}

// trimToUserTurns keeps the suffix starting at the Nth-from-last user event,
// so the context always opens on a user turn.
func trimToUserTurns(events []LogEvent, limit int) []LogEvent {
	seen := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventUser {
			seen++
			if seen == limit {
				return events[i:]
			}
		}
	}
	return events
}
