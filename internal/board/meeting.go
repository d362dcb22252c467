package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/bus"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
	"github.com/nextlevelbuilder/boardroom/internal/tasks"
)

// MeetingStatus is the meeting lifecycle state.
type MeetingStatus string

const (
	MeetingRunning      MeetingStatus = "running"
	MeetingSynthesizing MeetingStatus = "synthesizing"
	MeetingCompleted    MeetingStatus = "completed"
	MeetingFailed       MeetingStatus = "failed"   // ended before synthesis started
	MeetingCancelled    MeetingStatus = "cancelled" // synthesis started but did not finish
)

// Meeting is one board meeting: five specialist analyses plus a general
// synthesis. Individual specialist failures do not fail the meeting.
type Meeting struct {
	ID      string
	Topic   string
	Started time.Time

	mu        sync.Mutex
	status    MeetingStatus
	responses map[string]string // role → analysis
	failures  map[string]string // role → error text
	summary   string
	pending   map[string]string // taskID → role (async mode)
}

func newMeeting(topic string) *Meeting {
	return &Meeting{
		ID:        uuid.NewString(),
		Topic:     topic,
		Started:   time.Now().UTC(),
		status:    MeetingRunning,
		responses: make(map[string]string),
		failures:  make(map[string]string),
		pending:   make(map[string]string),
	}
}

// Status returns the current lifecycle state.
func (m *Meeting) Status() MeetingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Summary returns the synthesis ("" until completed).
func (m *Meeting) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

func (m *Meeting) setStatus(s MeetingStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Meeting) record(role, response string) {
	m.mu.Lock()
	m.responses[role] = response
	m.mu.Unlock()
}

func (m *Meeting) recordFailure(role, errText string) {
	m.mu.Lock()
	m.failures[role] = errText
	m.mu.Unlock()
}

// Meeting returns a tracked meeting by id.
func (o *Orchestrator) Meeting(id string) (*Meeting, bool) {
	o.meetMu.Lock()
	defer o.meetMu.Unlock()
	m, ok := o.meetings[id]
	return m, ok
}

func (o *Orchestrator) trackMeeting(m *Meeting) {
	o.meetMu.Lock()
	o.meetings[m.ID] = m
	o.meetMu.Unlock()
}

func (o *Orchestrator) meetingDuration() time.Duration {
	if ms := o.cfg.Board.Meetings.MaxDurationMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 10 * time.Minute
}

// ExecuteMeeting runs a synchronous board meeting: all five specialists in
// parallel with per-agent timeouts, then the general synthesis. The call
// blocks until the meeting reaches a terminal state.
func (o *Orchestrator) ExecuteMeeting(ctx context.Context, topic string) (*Meeting, error) {
	if !o.cfg.Board.Meetings.IsEnabled() {
		return nil, errors.New("board meetings are disabled")
	}

	m := newMeeting(topic)
	o.trackMeeting(m)
	slog.Info("board meeting started", "meeting", m.ID, "topic", topic)

	ctx, cancel := context.WithTimeout(ctx, o.meetingDuration())
	defer cancel()

	var wg sync.WaitGroup
	for _, role := range Specialists {
		wg.Add(1)
		go func(role string) {
			defer wg.Done()
			o.runSpecialist(ctx, m, role)
		}(role)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// deadline fell before synthesis could start
		m.setStatus(MeetingFailed)
		slog.Warn("board meeting timed out before synthesis", "meeting", m.ID)
		return m, nil
	}

	o.synthesize(ctx, m)
	return m, nil
}

// ExecuteAsyncMeeting launches the five specialists as background tasks and
// returns immediately. Synthesis fires from the task completion hook once
// every specialist task reaches a terminal state.
func (o *Orchestrator) ExecuteAsyncMeeting(ctx context.Context, topic string) (*Meeting, error) {
	if !o.cfg.Board.Meetings.IsEnabled() {
		return nil, errors.New("board meetings are disabled")
	}
	if o.runner == nil {
		return nil, errors.New("async meetings need a task runner")
	}

	m := newMeeting(topic)
	o.trackMeeting(m)
	slog.Info("async board meeting started", "meeting", m.ID, "topic", topic)

	for _, role := range Specialists {
		spec := tasks.Spec{
			Title:        fmt.Sprintf("board meeting: %s", topic),
			AgentRole:    role,
			Steps:        []string{specialistPrompt(topic)},
			SystemPrompt: o.ComposeSystemPrompt(role, meetingContextPrompt),
			MeetingID:    m.ID,
		}
		if agentSpec := o.agentSpec(role); agentSpec != nil {
			spec.Model = agentSpec.Model
			spec.ThinkLevel = agentSpec.ThinkingDefault
		}

		task, err := o.runner.Launch(ctx, spec)
		if err != nil {
			m.recordFailure(role, err.Error())
			continue
		}
		m.mu.Lock()
		m.pending[task.ID] = role
		m.mu.Unlock()
	}

	m.mu.Lock()
	launched := len(m.pending)
	m.mu.Unlock()
	if launched == 0 {
		m.setStatus(MeetingFailed)
		return m, errors.New("no specialist task could be launched")
	}
	return m, nil
}

// runSpecialist runs one specialist's analysis with its own timeout and
// records the outcome. Failures stay individual.
func (o *Orchestrator) runSpecialist(ctx context.Context, m *Meeting, role string) {
	agentCtx, cancel := context.WithTimeout(ctx, o.consultTimeout())
	defer cancel()

	req := agent.RunRequest{
		SessionKey:   sessions.BuildBoardSessionKey(role, "", false),
		Message:      specialistPrompt(m.Topic),
		Channel:      "board",
		RunID:        uuid.NewString(),
		SystemPrompt: o.ComposeSystemPrompt(role, meetingContextPrompt),
	}
	if spec := o.agentSpec(role); spec != nil {
		req.Model = spec.Model
		req.ThinkLevel = spec.ThinkingDefault
	}

	res, err := o.runChild(agentCtx, req)
	switch {
	case err != nil:
		slog.Warn("board meeting: specialist failed", "meeting", m.ID, "role", role, "error", err)
		m.recordFailure(role, err.Error())
	case res.Aborted:
		m.recordFailure(role, "timed out")
	case res.Failed():
		m.recordFailure(role, res.ErrorMessage)
	default:
		clean, _, _ := ParseResponse(res.Content, role)
		m.record(role, clean)
	}
}

// noteMeetingTask records an async specialist task's outcome and fires
// synthesis once the last sibling finishes.
func (o *Orchestrator) noteMeetingTask(snap tasks.Snapshot) {
	m, ok := o.Meeting(snap.MeetingID)
	if !ok {
		return
	}

	m.mu.Lock()
	role, tracked := m.pending[snap.ID]
	if !tracked {
		m.mu.Unlock()
		return
	}
	delete(m.pending, snap.ID)
	if snap.Status == tasks.StatusCompleted {
		m.responses[role] = snap.FinalResult
	} else {
		errText := snap.Err
		if errText == "" {
			errText = string(snap.Status)
		}
		m.failures[role] = errText
	}
	remaining := len(m.pending)
	running := m.status == MeetingRunning
	m.mu.Unlock()

	if remaining == 0 && running {
		ctx, cancel := context.WithTimeout(context.Background(), o.meetingDuration())
		go func() {
			defer cancel()
			o.synthesize(ctx, m)
		}()
	}
}

// synthesize runs the general agent over all collected analyses and
// delivers the summary. A synthesis that cannot finish cancels the meeting.
func (o *Orchestrator) synthesize(ctx context.Context, m *Meeting) {
	m.setStatus(MeetingSynthesizing)

	res, err := o.runChild(ctx, agent.RunRequest{
		SessionKey:   sessions.BuildBoardSessionKey(RoleGeneral, "", false),
		Message:      o.synthesisPrompt(m),
		Channel:      "board",
		RunID:        uuid.NewString(),
		SystemPrompt: o.ComposeSystemPrompt(RoleGeneral, ""),
	})
	if err != nil || res.Aborted || res.Failed() {
		m.setStatus(MeetingCancelled)
		slog.Warn("board meeting: synthesis failed", "meeting", m.ID, "error", err)
		return
	}

	m.mu.Lock()
	m.summary = res.Content
	m.status = MeetingCompleted
	m.mu.Unlock()
	slog.Info("board meeting completed",
		"meeting", m.ID, "elapsed", time.Since(m.Started).Round(time.Second))

	o.deliverSummary(ctx, m)
}

func (o *Orchestrator) deliverSummary(ctx context.Context, m *Meeting) {
	groupID := o.cfg.Board.TelegramGroupID
	if groupID == "" {
		return
	}
	name, emoji := o.displayName(RoleGeneral)
	text := fmt.Sprintf("%s Board meeting summary — %s\n\n%s\n\n— %s", emoji, m.Topic, m.Summary(), name)
	err := o.outbound.Send(ctx, bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  groupID,
		Content: text,
	})
	if err != nil {
		slog.Warn("board meeting: summary delivery failed", "meeting", m.ID, "error", err)
	}
}

const meetingContextPrompt = `The board is in session. Speak only for your own area of responsibility; the chair will combine all perspectives.`

func specialistPrompt(topic string) string {
	return fmt.Sprintf(
		"The board is meeting on the following topic:\n\n%s\n\nGive your analysis from your area of responsibility: the key risks, the key opportunities, and one concrete recommendation. Keep it under 250 words.",
		topic)
}

func (o *Orchestrator) synthesisPrompt(m *Meeting) string {
	m.mu.Lock()
	responses := make(map[string]string, len(m.responses))
	for k, v := range m.responses {
		responses[k] = v
	}
	failures := make(map[string]string, len(m.failures))
	for k, v := range m.failures {
		failures[k] = v
	}
	m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "You chaired a board meeting on:\n\n%s\n\nThe directors' analyses follow.\n", m.Topic)

	for _, role := range Specialists {
		if resp, ok := responses[role]; ok {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", role, resp)
		}
	}

	if len(failures) > 0 {
		var missing []string
		for role, errText := range failures {
			missing = append(missing, fmt.Sprintf("%s (%s)", role, errText))
		}
		sort.Strings(missing)
		fmt.Fprintf(&b, "\nNo input was received from: %s.\n", strings.Join(missing, ", "))
	}

	b.WriteString("\nSynthesize these into a final recommendation. Where directors disagree, name the disagreement and make the call. End with concrete next steps.")
	return b.String()
}
