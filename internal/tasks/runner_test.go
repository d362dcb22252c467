package tasks

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
)

// stubEngine scripts turn results per prompt.
type stubEngine struct {
	mu      sync.Mutex
	prompts []string
	reply   func(req agent.RunRequest) (*agent.RunResult, error)
}

func (s *stubEngine) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, req.Message)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(req)
	}
	return &agent.RunResult{Content: "done: " + req.Message}, nil
}

func (s *stubEngine) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

type recordingOutbound struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (r *recordingOutbound) Send(ctx context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	return nil
}

func (r *recordingOutbound) messages() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.OutboundMessage, len(r.sent))
	copy(out, r.sent)
	return out
}

func newTestRunner(t *testing.T, engine TurnRunner, out bus.Outbound) *Runner {
	t.Helper()
	sched := scheduler.New(scheduler.DefaultGlobalLanes())
	t.Cleanup(sched.Stop)
	return NewRunner(config.Default(), engine, sched, out)
}

func awaitHook(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("completion hook never fired")
		return Snapshot{}
	}
}

func TestTask_StepsChainAndComplete(t *testing.T) {
	engine := &stubEngine{}
	runner := newTestRunner(t, engine, nil)

	done := make(chan Snapshot, 1)
	runner.SetCompletionHook(func(snap Snapshot) { done <- snap })

	task, err := runner.Launch(context.Background(), Spec{
		Title:        "market report",
		AgentRole:    "strategy",
		Steps:        []string{"gather data", "write summary"},
		StepInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	snap := awaitHook(t, done)
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (err=%s)", snap.Status, snap.Err)
	}
	if snap.ID != task.ID {
		t.Error("hook snapshot has wrong task id")
	}
	if snap.FinalResult != "done: write summary\n\nResult of the previous step:\ndone: gather data" {
		t.Errorf("final result = %q", snap.FinalResult)
	}

	prompts := engine.seen()
	if len(prompts) != 2 {
		t.Fatalf("engine saw %d prompts, want 2", len(prompts))
	}
	if prompts[0] != "gather data" {
		t.Errorf("first prompt = %q", prompts[0])
	}
	// The second step carries the first step's result as context.
	if !strings.Contains(prompts[1], "Result of the previous step") ||
		!strings.Contains(prompts[1], "done: gather data") {
		t.Errorf("second prompt missing chained context: %q", prompts[1])
	}
}

func TestTask_ProgressReports(t *testing.T) {
	engine := &stubEngine{}
	out := &recordingOutbound{}
	runner := newTestRunner(t, engine, out)

	done := make(chan Snapshot, 1)
	runner.SetCompletionHook(func(snap Snapshot) { done <- snap })

	_, err := runner.Launch(context.Background(), Spec{
		Title:        "audit",
		AgentRole:    "finance",
		Steps:        []string{"a", "b", "c"},
		Channel:      "telegram",
		ChatID:       "42",
		TopicID:      "7",
		StepInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	awaitHook(t, done)

	// Three steps, progress every 2: exactly one report (after step 2; the
	// final step ends the task instead of reporting).
	msgs := out.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d progress reports, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].Channel != "telegram" || msgs[0].ChatID != "42" || msgs[0].TopicID != "7" {
		t.Errorf("report routing wrong: %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "2/3") {
		t.Errorf("report content = %q", msgs[0].Content)
	}
}

func TestTask_FailingStepMarksFailed(t *testing.T) {
	engine := &stubEngine{reply: func(req agent.RunRequest) (*agent.RunResult, error) {
		if req.Message == "boom" {
			return nil, errors.New("all models exhausted: 401")
		}
		return &agent.RunResult{Content: "ok"}, nil
	}}
	runner := newTestRunner(t, engine, nil)

	done := make(chan Snapshot, 1)
	runner.SetCompletionHook(func(snap Snapshot) { done <- snap })

	_, err := runner.Launch(context.Background(), Spec{
		Title:        "doomed",
		Steps:        []string{"boom", "never runs"},
		StepInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	snap := awaitHook(t, done)
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if !strings.Contains(snap.Err, "401") {
		t.Errorf("err = %q", snap.Err)
	}
	if len(engine.seen()) != 1 {
		t.Error("steps after a failure must not run")
	}
}

func TestTask_CancelPropagates(t *testing.T) {
	started := make(chan struct{})
	engine := &stubEngine{reply: func(req agent.RunRequest) (*agent.RunResult, error) {
		close(started)
		return &agent.RunResult{Content: "slow"}, nil
	}}
	runner := newTestRunner(t, engine, nil)

	done := make(chan Snapshot, 1)
	runner.SetCompletionHook(func(snap Snapshot) { done <- snap })

	// Long interval between steps: cancellation lands in the pause.
	task, err := runner.Launch(context.Background(), Spec{
		Title:        "slow",
		Steps:        []string{"one", "two"},
		StepInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	<-started
	if !runner.Cancel(task.ID) {
		t.Fatal("Cancel returned false for a known task")
	}

	snap := awaitHook(t, done)
	if snap.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
}

func TestTask_LaunchRejectsEmptySteps(t *testing.T) {
	runner := newTestRunner(t, &stubEngine{}, nil)
	if _, err := runner.Launch(context.Background(), Spec{Title: "empty"}); err == nil {
		t.Error("expected error for a task with no steps")
	}
}
