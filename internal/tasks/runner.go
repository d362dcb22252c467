// Package tasks runs autonomous multi-step agent tasks in the background.
//
// A task is an ordered list of prompt steps sharing one system prompt. Each
// step is a full turn through the agent engine on the task's own session;
// the step's result feeds the next step's prompt. Progress reports go out on
// the configured channel, and a completion hook lets callers chain work
// (memory extraction, meeting synthesis) off terminal tasks.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/bus"
	"github.com/nextlevelbuilder/boardroom/internal/config"
	"github.com/nextlevelbuilder/boardroom/internal/scheduler"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Spec describes a task to launch.
type Spec struct {
	Title        string
	AgentRole    string
	Steps        []string
	SystemPrompt string
	Model        string
	ThinkLevel   string

	// Progress reports target (empty channel disables them).
	Channel string
	ChatID  string
	TopicID string

	// MeetingID ties the task to a board meeting; the completion hook uses
	// it to fire synthesis once all sibling tasks finish.
	MeetingID string

	// StepInterval paces the loop; 0 uses the configured default.
	StepInterval time.Duration
}

// Task is a launched task. Mutable fields are guarded; use Snapshot for a
// consistent read.
type Task struct {
	ID   string
	Spec Spec

	mu          sync.Mutex
	status      Status
	stepResults []string
	finalResult string
	errMsg      string
	createdAt   time.Time
	finishedAt  time.Time
	cancel      context.CancelFunc
}

// Snapshot is a consistent copy of a task's mutable state.
type Snapshot struct {
	ID          string
	Title       string
	AgentRole   string
	MeetingID   string
	Status      Status
	StepResults []string
	FinalResult string
	Err         string
	CreatedAt   time.Time
	FinishedAt  time.Time
}

// Snapshot returns the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	results := make([]string, len(t.stepResults))
	copy(results, t.stepResults)
	return Snapshot{
		ID:          t.ID,
		Title:       t.Spec.Title,
		AgentRole:   t.Spec.AgentRole,
		MeetingID:   t.Spec.MeetingID,
		Status:      t.status,
		StepResults: results,
		FinalResult: t.finalResult,
		Err:         t.errMsg,
		CreatedAt:   t.createdAt,
		FinishedAt:  t.finishedAt,
	}
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	if s.Terminal() {
		t.finishedAt = time.Now().UTC()
	}
	t.mu.Unlock()
}

// TurnRunner is the slice of the agent engine the runner needs.
type TurnRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// CompletionHook fires once per task on reaching a terminal status.
type CompletionHook func(snap Snapshot)

// Runner launches and tracks tasks.
type Runner struct {
	cfg      *config.Config
	engine   TurnRunner
	sched    *scheduler.Scheduler
	outbound bus.Outbound

	mu    sync.RWMutex
	tasks map[string]*Task
	hook  CompletionHook

	wg sync.WaitGroup
}

func NewRunner(cfg *config.Config, engine TurnRunner, sched *scheduler.Scheduler, outbound bus.Outbound) *Runner {
	if outbound == nil {
		outbound = bus.Discard
	}
	return &Runner{
		cfg:      cfg,
		engine:   engine,
		sched:    sched,
		outbound: outbound,
		tasks:    make(map[string]*Task),
	}
}

// SetCompletionHook installs the terminal-state callback. Call before
// launching tasks.
func (r *Runner) SetCompletionHook(h CompletionHook) {
	r.mu.Lock()
	r.hook = h
	r.mu.Unlock()
}

// Launch starts a task in the background and returns immediately.
func (r *Runner) Launch(ctx context.Context, spec Spec) (*Task, error) {
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("task %q has no steps", spec.Title)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Task{
		ID:        uuid.NewString(),
		Spec:      spec,
		status:    StatusQueued,
		createdAt: time.Now().UTC(),
		cancel:    cancel,
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	slog.Info("task launched",
		"task", t.ID, "title", spec.Title, "role", spec.AgentRole,
		"steps", len(spec.Steps), "meeting", spec.MeetingID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(taskCtx, t)
	}()
	return t, nil
}

// Get returns a task by id.
func (r *Runner) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Cancel aborts a running task. Returns false for unknown ids.
func (r *Runner) Cancel(id string) bool {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// List returns snapshots of all tracked tasks.
func (r *Runner) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// Wait blocks until all launched tasks have finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) stepInterval(spec Spec) time.Duration {
	if spec.StepInterval > 0 {
		return spec.StepInterval
	}
	if ms := r.cfg.Tasks.DefaultStepIntervalMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 2 * time.Second
}

func (r *Runner) progressEvery() int {
	if n := r.cfg.Tasks.ProgressEverySteps; n > 0 {
		return n
	}
	return 2
}

// run drives the step loop. A failing step marks the task failed without
// retry; turn-level retries already happened inside the engine.
func (r *Runner) run(ctx context.Context, t *Task) {
	t.setStatus(StatusRunning)
	defer r.finish(t)

	sessionKey := sessions.BuildTaskSessionKey(t.ID)
	interval := r.stepInterval(t.Spec)
	every := r.progressEvery()

	var lastResult string
	for i, step := range t.Spec.Steps {
		if ctx.Err() != nil {
			t.setStatus(StatusCancelled)
			return
		}

		prompt := step
		if lastResult != "" {
			prompt = fmt.Sprintf("%s\n\nResult of the previous step:\n%s", step, lastResult)
		}

		res, err := r.runStep(ctx, t, sessionKey, prompt)
		switch {
		case err != nil:
			slog.Warn("task step failed",
				"task", t.ID, "step", i+1, "error", err)
			t.mu.Lock()
			t.status = StatusFailed
			t.errMsg = err.Error()
			t.finishedAt = time.Now().UTC()
			t.mu.Unlock()
			return
		case res.Aborted:
			t.setStatus(StatusCancelled)
			return
		case res.Failed():
			t.mu.Lock()
			t.status = StatusFailed
			t.errMsg = res.ErrorMessage
			t.finishedAt = time.Now().UTC()
			t.mu.Unlock()
			return
		}

		lastResult = res.Content
		t.mu.Lock()
		t.stepResults = append(t.stepResults, res.Content)
		t.mu.Unlock()

		if (i+1)%every == 0 && i+1 < len(t.Spec.Steps) {
			r.report(ctx, t, fmt.Sprintf("Task %q: step %d/%d done.", t.Spec.Title, i+1, len(t.Spec.Steps)))
		}

		if i+1 < len(t.Spec.Steps) {
			if err := sleepCtx(ctx, interval); err != nil {
				t.setStatus(StatusCancelled)
				return
			}
		}
	}

	t.mu.Lock()
	t.status = StatusCompleted
	t.finalResult = lastResult
	t.finishedAt = time.Now().UTC()
	t.mu.Unlock()
}

// runStep submits one turn through the task's session lane so the transcript
// ordering invariant holds even if something else touches the session.
func (r *Runner) runStep(ctx context.Context, t *Task, sessionKey, prompt string) (*agent.RunResult, error) {
	var res *agent.RunResult
	outcome := <-r.sched.Submit(ctx, sessionKey, "default", func(ctx context.Context) error {
		var err error
		res, err = r.engine.Run(ctx, agent.RunRequest{
			SessionKey:   sessionKey,
			Message:      prompt,
			Channel:      "task",
			RunID:        uuid.NewString(),
			SystemPrompt: t.Spec.SystemPrompt,
			Model:        t.Spec.Model,
			ThinkLevel:   t.Spec.ThinkLevel,
		})
		return err
	})
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return res, nil
}

func (r *Runner) report(ctx context.Context, t *Task, text string) {
	if t.Spec.Channel == "" {
		return
	}
	err := r.outbound.Send(ctx, bus.OutboundMessage{
		Channel: t.Spec.Channel,
		ChatID:  t.Spec.ChatID,
		TopicID: t.Spec.TopicID,
		Content: text,
	})
	if err != nil {
		slog.Warn("task progress report failed", "task", t.ID, "error", err)
	}
}

// finish fires the completion hook exactly once, after the terminal status
// is visible.
func (r *Runner) finish(t *Task) {
	snap := t.Snapshot()
	if !snap.Status.Terminal() {
		// run() returned without setting a terminal state; treat as failed
		t.setStatus(StatusFailed)
		snap = t.Snapshot()
	}
	slog.Info("task finished", "task", t.ID, "status", snap.Status)

	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()
	if hook != nil {
		hook(snap)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
