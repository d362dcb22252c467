package board

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/bus"
	"github.com/nextlevelbuilder/boardroom/internal/config"
	"github.com/nextlevelbuilder/boardroom/internal/scheduler"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
	"github.com/nextlevelbuilder/boardroom/internal/tasks"
)

type recordingOutbound struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (r *recordingOutbound) Send(ctx context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingOutbound) messages() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.OutboundMessage, len(r.sent))
	copy(out, r.sent)
	return out
}

func isSynthesis(req agent.RunRequest) bool {
	return strings.Contains(req.Message, "You chaired a board meeting")
}

func TestExecuteMeeting_SynthesizesWithPartialFailure(t *testing.T) {
	engine := &stubEngine{reply: func(req agent.RunRequest) (*agent.RunResult, error) {
		if isSynthesis(req) {
			return &agent.RunResult{Content: "final recommendation"}, nil
		}
		role := sessions.BoardRoleFromKey(req.SessionKey)
		if role == RoleMarketing {
			return nil, errors.New("provider down")
		}
		return &agent.RunResult{Content: role + " analysis"}, nil
	}}

	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	cfg.Board.TelegramGroupID = "g-1"
	out := &recordingOutbound{}
	o := NewOrchestrator(cfg, engine, nil, nil, out)

	m, err := o.ExecuteMeeting(context.Background(), "EU expansion")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status() != MeetingCompleted {
		t.Fatalf("status = %s, want completed", m.Status())
	}
	if m.Summary() != "final recommendation" {
		t.Errorf("summary = %q", m.Summary())
	}

	// All five specialists plus the synthesis turn.
	reqs := engine.seen()
	if len(reqs) != len(Specialists)+1 {
		t.Fatalf("engine runs = %d, want %d", len(reqs), len(Specialists)+1)
	}

	var synth string
	for _, req := range reqs {
		if isSynthesis(req) {
			synth = req.Message
		}
	}
	if !strings.Contains(synth, "[finance]") || !strings.Contains(synth, "finance analysis") {
		t.Errorf("synthesis prompt missing finance input:\n%s", synth)
	}
	if !strings.Contains(synth, "No input was received from: marketing (provider down)") {
		t.Errorf("synthesis prompt missing failure note:\n%s", synth)
	}

	// The summary went to the configured group.
	sent := out.messages()
	if len(sent) != 1 || sent[0].ChatID != "g-1" {
		t.Fatalf("delivery = %+v", sent)
	}
	if !strings.Contains(sent[0].Content, "Board meeting summary") ||
		!strings.Contains(sent[0].Content, "final recommendation") {
		t.Errorf("delivered content = %q", sent[0].Content)
	}

	// The meeting stays retrievable by id.
	if got, ok := o.Meeting(m.ID); !ok || got != m {
		t.Error("meeting not tracked by id")
	}
}

func TestExecuteMeeting_SynthesisFailureCancels(t *testing.T) {
	engine := &stubEngine{reply: func(req agent.RunRequest) (*agent.RunResult, error) {
		if isSynthesis(req) {
			return nil, errors.New("provider down")
		}
		return &agent.RunResult{Content: "analysis"}, nil
	}}
	o := newTestOrchestrator(t, engine)

	m, err := o.ExecuteMeeting(context.Background(), "pricing")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status() != MeetingCancelled {
		t.Errorf("status = %s, want cancelled", m.Status())
	}
	if m.Summary() != "" {
		t.Errorf("summary = %q, want empty", m.Summary())
	}
}

func TestExecuteMeeting_Disabled(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})
	disabled := false
	o.cfg.Board.Meetings.Enabled = &disabled

	if _, err := o.ExecuteMeeting(context.Background(), "anything"); err == nil {
		t.Error("want error when meetings are disabled")
	}
}

func TestExecuteAsyncMeeting_RequiresRunner(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})
	if _, err := o.ExecuteAsyncMeeting(context.Background(), "topic"); err == nil {
		t.Error("want error without a task runner")
	}
}

func TestExecuteAsyncMeeting_CompletesThroughTasks(t *testing.T) {
	engine := &stubEngine{reply: func(req agent.RunRequest) (*agent.RunResult, error) {
		if isSynthesis(req) {
			return &agent.RunResult{Content: "async final"}, nil
		}
		return &agent.RunResult{Content: "task analysis"}, nil
	}}

	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	sched := scheduler.New(scheduler.DefaultGlobalLanes())
	defer sched.Stop()
	runner := tasks.NewRunner(cfg, engine, sched, nil)
	o := NewOrchestrator(cfg, engine, runner, sched, nil)

	m, err := o.ExecuteAsyncMeeting(context.Background(), "hiring plan")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status() == MeetingCompleted {
		t.Fatal("meeting completed synchronously")
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Status() != MeetingCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("meeting stuck in %s", m.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Summary() != "async final" {
		t.Errorf("summary = %q", m.Summary())
	}

	// One task per specialist, one turn each, plus the synthesis turn.
	if got := len(engine.seen()); got != len(Specialists)+1 {
		t.Errorf("engine runs = %d, want %d", got, len(Specialists)+1)
	}
}
