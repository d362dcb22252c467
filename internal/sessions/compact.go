package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/providers"
)

// ErrCompactionFailed marks a failed compaction. Callers treat it as
// terminal for the turn: overflow recovery must not loop.
var ErrCompactionFailed = errors.New("session compaction failed")

// IsCompactionFailure reports whether err carries the compaction-failure marker.
func IsCompactionFailure(err error) bool {
	return errors.Is(err, ErrCompactionFailed)
}

const compactInstructions = `Summarize the conversation so far into a concise briefing that preserves:
- who the user is and what they want
- decisions made and open questions
- any facts, names, numbers, or constraints mentioned
Write plain prose, at most 500 words. Do not address the user.`

// Compact summarises the active branch via the driver and starts a new
// branch anchored on the summary. The prior branch stays in the log for
// audit; the next BuildContext reads only the new branch.
func (s *Session) Compact(ctx context.Context, driver providers.ModelDriver, req providers.StreamRequest) error {
	msgs := s.BuildContext(0)
	if len(msgs) == 0 {
		return fmt.Errorf("%w: nothing to compact", ErrCompactionFailed)
	}

	req.Messages = msgs
	start := time.Now()
	summary, err := driver.Compact(ctx, req, compactInstructions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}
	if summary == "" {
		return fmt.Errorf("%w: summariser returned empty text", ErrCompactionFailed)
	}

	err = s.Append(
		LogEvent{Type: EventBranch, Content: "compacted"},
		LogEvent{
			Type:     EventSystem,
			Role:     "system",
			Content:  "Summary of the earlier conversation:\n\n" + summary,
			Provider: driver.Name(),
			Model:    req.Model,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompactionFailed, err)
	}

	slog.Info("session compacted",
		"session", s.key,
		"summarized_messages", len(msgs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
