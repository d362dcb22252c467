package board

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
)

// maxConsultsPerReply bounds fan-out from a single reply.
const maxConsultsPerReply = 2

// consultTimeout returns the per-consultation budget.
func (o *Orchestrator) consultTimeout() time.Duration {
	if ms := o.cfg.Board.Consultation.TimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 2 * time.Minute
}

func (o *Orchestrator) consultMaxDepth() int {
	if d := o.cfg.Board.Consultation.MaxDepth; d > 0 {
		return d
	}
	return 2
}

// ExecuteConsultations runs each consulted director as a child agent turn
// and formats the answers into one report block. depth counts consultation
// hops from the original user turn; past the cap no further consultations
// run. Self-consultation is rejected per tag, not per batch.
func (o *Orchestrator) ExecuteConsultations(ctx context.Context, consults []Consultation, fromRole string, depth int) string {
	if !o.cfg.Board.Consultation.IsEnabled() || len(consults) == 0 {
		return ""
	}
	if depth >= o.consultMaxDepth() {
		slog.Info("board: consultation depth limit reached", "from", fromRole, "depth", depth)
		return ""
	}
	if len(consults) > maxConsultsPerReply {
		consults = consults[:maxConsultsPerReply]
	}

	fromName, _ := o.displayName(fromRole)
	var reports []string

	for _, c := range consults {
		if c.Role == fromRole {
			slog.Warn("board: self-consultation rejected", "role", fromRole)
			continue
		}

		name, emoji := o.displayName(c.Role)
		header := fmt.Sprintf("[%s %s (%s)]", emoji, name, c.Role)

		answer, err := o.runConsultation(ctx, c, fromRole, fromName, depth)
		if err != nil {
			slog.Warn("board: consultation failed",
				"from", fromRole, "to", c.Role, "error", err)
			reports = append(reports, fmt.Sprintf("%s consultation failed: %v", header, err))
			continue
		}
		reports = append(reports, header+"\n"+answer)
	}

	if len(reports) == 0 {
		return ""
	}
	return "--- Reports from consulted directors ---\n\n" + strings.Join(reports, "\n\n")
}

// runConsultation executes one child turn with the consulted role, then
// recursively resolves any consultations that child requested.
func (o *Orchestrator) runConsultation(ctx context.Context, c Consultation, fromRole, fromName string, depth int) (string, error) {
	consultCtx, cancel := context.WithTimeout(ctx, o.consultTimeout())
	defer cancel()

	extra := fmt.Sprintf(
		"You are being consulted by %s, the %s director. Answer their question directly and concisely; they will fold your report into their own reply.",
		fromName, fromRole)

	req := agent.RunRequest{
		SessionKey:   sessions.BuildBoardSessionKey(c.Role, "", false),
		Message:      c.Question,
		Channel:      "board",
		RunID:        uuid.NewString(),
		SystemPrompt: o.ComposeSystemPrompt(c.Role, extra),
	}
	if spec := o.agentSpec(c.Role); spec != nil {
		req.Model = spec.Model
		req.ThinkLevel = spec.ThinkingDefault
	}

	res, err := o.runChild(consultCtx, req)
	if err != nil {
		return "", err
	}
	if res.Aborted {
		return "", context.Canceled
	}
	if res.Failed() {
		return "", fmt.Errorf("%s", res.ErrorMessage)
	}

	answer, nested, _ := ParseResponse(res.Content, c.Role)
	if len(nested) > 0 {
		if block := o.ExecuteConsultations(ctx, nested, c.Role, depth+1); block != "" {
			answer = answer + "\n\n" + block
		}
	}
	return answer, nil
}
