package board

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/bus"
	"github.com/nextlevelbuilder/boardroom/internal/config"
	"github.com/nextlevelbuilder/boardroom/internal/scheduler"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
	"github.com/nextlevelbuilder/boardroom/internal/tasks"
)

// keyword inference only wins with a clear margin
const (
	keywordMinScore = 3
	keywordMargin   = 2
)

// TurnRunner is the slice of the agent engine the board needs.
type TurnRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Context is the routing decision for one incoming message.
type Context struct {
	AgentRole         string
	RouteReason       string // "topic", "directive", "mention", "keywords", "default"
	CleanedBody       string
	SessionKey        string
	ExtraSystemPrompt string
	ModelOverride     string
	ThinkingOverride  string
}

// Orchestrator routes messages to board agents and runs consultations and
// meetings between them.
type Orchestrator struct {
	cfg       *config.Config
	engine    TurnRunner
	runner    *tasks.Runner
	sched     *scheduler.Scheduler
	outbound  bus.Outbound
	workspace string

	memMu    sync.Mutex
	memories map[string]*AgentMemory

	meetMu   sync.Mutex
	meetings map[string]*Meeting
}

// NewOrchestrator wires the board. runner may be nil; async meetings are
// then unavailable. sched serializes consultation and meeting turns on the
// target role's session lane; nil runs them directly. The orchestrator
// installs itself as the runner's completion hook for memory extraction and
// meeting synthesis.
func NewOrchestrator(cfg *config.Config, engine TurnRunner, runner *tasks.Runner, sched *scheduler.Scheduler, outbound bus.Outbound) *Orchestrator {
	if outbound == nil {
		outbound = bus.Discard
	}
	o := &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		runner:    runner,
		sched:     sched,
		outbound:  outbound,
		workspace: config.ExpandHome(cfg.Agents.Defaults.Workspace),
		memories:  make(map[string]*AgentMemory),
		meetings:  make(map[string]*Meeting),
	}
	if runner != nil {
		runner.SetCompletionHook(o.onTaskComplete)
	}
	return o
}

// runChild executes one child turn on its session lane so board-internal
// work obeys the same per-session serialization as interactive turns. Two
// simultaneous consultations of the same specialist queue instead of racing
// one transcript.
func (o *Orchestrator) runChild(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	if o.sched == nil {
		return o.engine.Run(ctx, req)
	}
	var res *agent.RunResult
	outcome := <-o.sched.Submit(ctx, req.SessionKey, "board", func(ctx context.Context) error {
		var err error
		res, err = o.engine.Run(ctx, req)
		return err
	})
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return res, nil
}

var (
	directivePattern = regexp.MustCompile(`(?i)/agent:([a-z]+)\b`)
	mentionPattern   = regexp.MustCompile(`(?i)@(general|strategy|finance|technology|marketing|operations)\b`)
)

// PrepareContext routes one message. Precedence: topic mapping, /agent:
// directive, @mention, keyword inference, then the general default.
// Directives and mentions are stripped from the cleaned body.
func (o *Orchestrator) PrepareContext(body, baseSessionKey, topicID, existingSystemPrompt string) Context {
	role := ""
	reason := ""
	cleaned := body

	if topicID != "" {
		if spec := o.specByTopic(topicID); spec != nil && IsValidRole(spec.Role) {
			role, reason = spec.Role, "topic"
		}
	}

	if role == "" {
		if m := directivePattern.FindStringSubmatch(body); m != nil && IsValidRole(strings.ToLower(m[1])) {
			role, reason = strings.ToLower(m[1]), "directive"
			cleaned = directivePattern.ReplaceAllString(cleaned, "")
		}
	}

	if role == "" {
		if m := mentionPattern.FindStringSubmatch(body); m != nil {
			role, reason = strings.ToLower(m[1]), "mention"
			cleaned = mentionPattern.ReplaceAllString(cleaned, "")
		}
	}

	if role == "" {
		if best, score, runnerUp := scoreRoles(body); best != "" &&
			score >= keywordMinScore && score >= keywordMargin*runnerUp {
			role, reason = best, "keywords"
		}
	}

	if role == "" {
		role, reason = RoleGeneral, "default"
	}

	cleaned = strings.TrimSpace(cleaned)
	spec := o.agentSpec(role)

	bc := Context{
		AgentRole:         role,
		RouteReason:       reason,
		CleanedBody:       cleaned,
		SessionKey:        o.sessionKeyFor(role, baseSessionKey),
		ExtraSystemPrompt: o.ComposeSystemPrompt(role, existingSystemPrompt),
	}
	if spec != nil {
		bc.ModelOverride = spec.Model
		bc.ThinkingOverride = spec.ThinkingDefault
	}

	slog.Debug("board route",
		"role", role, "reason", reason, "session", bc.SessionKey)
	return bc
}

// sessionKeyFor derives the role's session key. The general director is the
// default conversational identity and keeps the base session; specialists
// get their own namespaced context.
func (o *Orchestrator) sessionKeyFor(role, baseKey string) string {
	if role == RoleGeneral {
		return baseKey
	}
	isGroup := strings.Contains(baseKey, ":group:")
	return sessions.BuildBoardSessionKey(role, baseKey, isGroup)
}

// ComposeSystemPrompt builds a board agent's system prompt: personality,
// colleague roster, consultation protocol, the meeting protocol for the
// general role, recent memory, and any caller-provided prompt.
func (o *Orchestrator) ComposeSystemPrompt(role, existing string) string {
	var parts []string

	parts = append(parts, o.loadSoul(role))
	parts = append(parts, o.colleagueRoster(role))
	if o.cfg.Board.Consultation.IsEnabled() {
		parts = append(parts, consultProtocol)
	}
	if role == RoleGeneral && o.cfg.Board.Meetings.IsEnabled() {
		parts = append(parts, meetingProtocol)
	}
	if block := o.memory(role).PromptBlock(); block != "" {
		parts = append(parts, block)
	}
	if existing != "" {
		parts = append(parts, existing)
	}
	return strings.Join(parts, "\n\n")
}

const consultProtocol = `To consult a colleague, put [[consult:<role>]] <question> on its own line in your reply. Their report is appended to your answer automatically. Consult at most two colleagues per reply and never consult yourself.`

const meetingProtocol = `To convene the full board on a substantial question, put [[board_meeting]] <topic> in your reply. Every director analyses the topic and you deliver the synthesized recommendation. Reserve meetings for decisions that genuinely need every perspective.`

// loadSoul returns the role's personality: the configured soul file from
// the workspace when present, the built-in persona otherwise.
func (o *Orchestrator) loadSoul(role string) string {
	if spec := o.agentSpec(role); spec != nil && spec.SoulFile != "" {
		path := spec.SoulFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(o.workspace, path)
		}
		data, err := os.ReadFile(path)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			return strings.TrimSpace(string(data))
		}
		if err != nil && !os.IsNotExist(err) {
			slog.Warn("board: failed to read soul file", "role", role, "path", path, "error", err)
		}
	}
	return builtinPersonas[role].soul
}

// colleagueRoster lists the other directors so agents know who to consult.
func (o *Orchestrator) colleagueRoster(role string) string {
	var b strings.Builder
	b.WriteString("Your colleagues on the board:\n")
	for _, r := range AllRoles {
		if r == role {
			continue
		}
		name, emoji := o.displayName(r)
		fmt.Fprintf(&b, "- %s %s (%s): %s\n", emoji, name, r, builtinPersonas[r].specialty)
	}
	return strings.TrimRight(b.String(), "\n")
}

// displayName resolves the configured or built-in name and emoji for a role.
func (o *Orchestrator) displayName(role string) (name, emoji string) {
	p := builtinPersonas[role]
	name, emoji = p.name, p.emoji
	if spec := o.agentSpec(role); spec != nil {
		if spec.Name != "" {
			name = spec.Name
		}
		if spec.Emoji != "" {
			emoji = spec.Emoji
		}
	}
	return name, emoji
}

// agentSpec returns the config override for a role, or nil.
func (o *Orchestrator) agentSpec(role string) *config.BoardAgentSpec {
	for i := range o.cfg.Board.Agents {
		if o.cfg.Board.Agents[i].Role == role {
			return &o.cfg.Board.Agents[i]
		}
	}
	return nil
}

// specByTopic maps a forum topic id to its configured agent.
func (o *Orchestrator) specByTopic(topicID string) *config.BoardAgentSpec {
	for i := range o.cfg.Board.Agents {
		if o.cfg.Board.Agents[i].TelegramTopicID == topicID {
			return &o.cfg.Board.Agents[i]
		}
	}
	return nil
}

// memory returns (and lazily creates) a role's memory.
func (o *Orchestrator) memory(role string) *AgentMemory {
	o.memMu.Lock()
	defer o.memMu.Unlock()
	m, ok := o.memories[role]
	if !ok {
		m = NewAgentMemory(filepath.Join(o.workspace, "memory"), role)
		o.memories[role] = m
	}
	return m
}

// onTaskComplete extracts memory from completed tasks and feeds meeting
// bookkeeping for tasks that belong to one.
func (o *Orchestrator) onTaskComplete(snap tasks.Snapshot) {
	if snap.Status == tasks.StatusCompleted && IsValidRole(snap.AgentRole) {
		entry := ExtractMemoryEntry(snap.ID, snap.FinalResult)
		if err := o.memory(snap.AgentRole).Append(entry); err != nil {
			slog.Warn("board: memory append failed",
				"role", snap.AgentRole, "task", snap.ID, "error", err)
		}
	}
	if snap.MeetingID != "" {
		o.noteMeetingTask(snap)
	}
}
