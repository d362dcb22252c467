package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/board"
	"github.com/nextlevelbuilder/boardroom/internal/bus"
	"github.com/nextlevelbuilder/boardroom/internal/config"
	"github.com/nextlevelbuilder/boardroom/internal/cron"
	"github.com/nextlevelbuilder/boardroom/internal/scheduler"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
)

// makeCronJobHandler builds the Handler that turns a firing job into a real
// agent turn. The turn runs on the cron lane so bursts of due jobs cannot
// starve interactive sessions.
func makeCronJobHandler(cfg *config.Config, engine *agent.Engine, orch *board.Orchestrator, sched *scheduler.Scheduler, outbound bus.Outbound) cron.Handler {
	return func(ctx context.Context, job cron.Job) error {
		runID := uuid.NewString()
		sessionKey := job.SessionTarget
		if sessionKey == "" {
			sessionKey = sessions.BuildCronSessionKey(job.ID, runID)
		}
		channel := job.Payload.Channel
		if channel == "" {
			channel = "cron"
		}

		message := job.Payload.Message
		if job.Payload.Kind == cron.PayloadSystemEvent {
			message = "[system event] " + message
		}

		req := agent.RunRequest{
			SessionKey: sessionKey,
			Message:    message,
			Channel:    channel,
			RunID:      runID,
		}

		// Board routing applies to cron turns too: a job message can carry
		// an /agent: directive or @mention selecting a director.
		if cfg.Board.Enabled {
			bc := orch.PrepareContext(message, sessionKey, job.Payload.TopicID, "")
			req.SessionKey = bc.SessionKey
			req.Message = bc.CleanedBody
			req.SystemPrompt = bc.ExtraSystemPrompt
			req.Model = bc.ModelOverride
			req.ThinkLevel = bc.ThinkingOverride
		}

		var res *agent.RunResult
		outcome := <-sched.Submit(ctx, req.SessionKey, "cron", func(ctx context.Context) error {
			r, err := engine.Run(ctx, req)
			res = r
			return err
		})
		if outcome.Err != nil {
			return fmt.Errorf("cron turn: %w", outcome.Err)
		}
		if res.Failed() {
			return fmt.Errorf("cron turn: %s", res.ErrorMessage)
		}

		if job.DeliveryPolicy == cron.DeliverSilent || job.Payload.ChatID == "" || res.Content == "" {
			return nil
		}
		return outbound.Send(ctx, bus.OutboundMessage{
			Channel: channel,
			ChatID:  job.Payload.ChatID,
			TopicID: job.Payload.TopicID,
			Content: res.Content,
			Metadata: map[string]string{
				"cron_job_id": job.ID,
				"run_id":      runID,
			},
		})
	}
}
