package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/boardroom/internal/auth"
	"github.com/nextlevelbuilder/boardroom/internal/config"
	"github.com/nextlevelbuilder/boardroom/internal/providers"
	"github.com/nextlevelbuilder/boardroom/internal/sessions"
	"github.com/nextlevelbuilder/boardroom/internal/tools"
)

// User-facing terminal messages. Short and non-technical: the provider's
// raw error never reaches the user for these reasons.
const (
	overflowMessage = "This conversation has grown past the model's limit and could not be condensed. Please start a fresh session."
	orderingMessage = "The conversation history is in a state the model cannot accept. Please start a fresh session."
	imageSizeMsg    = "That image is too large to send. Please compress it and try again."
	imageDimMsg     = "That image's dimensions are too large. Please resize it and try again."
)

// RunRequest is one user turn submitted to the engine.
type RunRequest struct {
	SessionKey string
	Message    string
	Images     []providers.ImageContent
	Channel    string
	RunID      string

	SystemPrompt string

	// Model overrides the configured default ("provider/modelId").
	// ModelFallbacks overrides the configured fallback chain; nil keeps it.
	Model          string
	ModelFallbacks []string

	ThinkLevel       string
	PreferredProfile string

	// RequireFinalTag enables the final-output sentinel convention.
	RequireFinalTag bool

	// ClientTools names hosted tools the caller fulfils out-of-band; a call
	// to one stops the turn with stopReason "tool_calls".
	ClientTools []string

	// HistoryTurnLimit overrides the channel's configured limit (0 = use it).
	HistoryTurnLimit int

	Callbacks Callbacks
}

// RunResult is the outcome of a completed turn.
type RunResult struct {
	Content          string               `json:"content"`
	RunID            string               `json:"runId"`
	Model            string               `json:"model"` // tag that produced the reply
	ProfileID        string               `json:"profileId,omitempty"`
	Usage            providers.Usage      `json:"usage"`
	StopReason       string               `json:"stopReason"`
	PendingToolCalls []providers.ToolCall `json:"pendingToolCalls,omitempty"`
	ToolMetas        []ToolMeta           `json:"toolMetas,omitempty"`
	ReasoningText    string               `json:"-"`
	Aborted          bool                 `json:"aborted,omitempty"`
	Silent           bool                 `json:"silent,omitempty"`

	// ErrorMessage is set for terminal user-facing failures (overflow,
	// ordering, image errors, exhausted failover). Content is empty then.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Failed reports whether the turn ended with a user-facing failure.
func (r *RunResult) Failed() bool { return r.ErrorMessage != "" }

// Engine runs turns with per-model failover. A turn walks the model chain;
// within one model, the controller rotates auth profiles, waits out rate
// limits, falls back thinking levels, and compacts on overflow.
//
// The engine must be invoked from inside the session's lane: it assumes
// exclusive ownership of the session log for the duration of the turn.
type Engine struct {
	cfg      *config.Config
	registry *providers.Registry
	auth     auth.Store
	tools    *tools.Registry
	sessions *sessions.Store

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewEngine(cfg *config.Config, registry *providers.Registry, authStore auth.Store, toolReg *tools.Registry, sessStore *sessions.Store) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: registry,
		auth:     authStore,
		tools:    toolReg,
		sessions: sessStore,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

var tracer = otel.Tracer("boardroom/agent")

// Run executes one turn. The model chain is primary + fallbacks; a
// FailoverError from the controller advances to the next model. When the
// chain is exhausted the last underlying provider error surfaces.
func (e *Engine) Run(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("run.id", req.RunID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if res != nil {
			span.SetAttributes(
				attribute.String("model", res.Model),
				attribute.String("stop_reason", res.StopReason),
				attribute.Int("usage.total_tokens", res.Usage.TotalTokens),
			)
		}
		span.End()
	}()

	defaults := e.cfg.Agents.Defaults

	primary := req.Model
	if primary == "" {
		primary = defaults.Model
	}
	fallbacks := req.ModelFallbacks
	if fallbacks == nil {
		fallbacks = defaults.ModelFallbacks
	}

	seen := make(map[string]bool)
	var lastFailover *FailoverError

	for _, tag := range append([]string{primary}, fallbacks...) {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true

		desc, driver, err := e.registry.ResolveTag(tag)
		if err != nil {
			slog.Warn("model resolution failed", "model", tag, "error", err)
			lastFailover = NewFailoverError(ReasonUnknown, tag, err)
			continue
		}
		if err := e.guardContextWindow(desc); err != nil {
			lastFailover, _ = AsFailoverError(err)
			continue
		}

		res, err := e.runWithModel(ctx, desc, driver, req)
		if err != nil {
			if fe, ok := AsFailoverError(err); ok {
				slog.Warn("model failover",
					"model", tag, "reason", fe.Reason, "status", fe.Status, "error", fe.Err)
				lastFailover = fe
				continue
			}
			return nil, err
		}
		return res, nil
	}

	if lastFailover != nil {
		return nil, fmt.Errorf("all models exhausted: %w", lastFailover)
	}
	return nil, errors.New("no model configured")
}

// guardContextWindow rejects models whose window is below the hard floor.
// An unusably small model would overflow on every prompt and loop through
// compaction forever; failing fast moves the chain along.
func (e *Engine) guardContextWindow(desc providers.ModelDescriptor) error {
	cw := e.cfg.Agents.Defaults.ContextWindow
	hardMin := cw.HardMinTokens
	if hardMin <= 0 {
		hardMin = 4000
	}
	warnBelow := cw.WarnBelowTokens
	if warnBelow <= 0 {
		warnBelow = 16000
	}

	window := desc.ContextWindowTokens
	if window <= 0 {
		return nil // window unknown, let the provider decide
	}
	if window < hardMin {
		slog.Warn("context window below hard floor",
			"model", desc.Tag(), "window", window, "hard_min", hardMin)
		return NewFailoverError(ReasonUnknown, desc.Tag(),
			fmt.Errorf("model %s context window %d is below the %d token floor", desc.Tag(), window, hardMin))
	}
	if window < warnBelow {
		slog.Warn("context window below warn threshold",
			"model", desc.Tag(), "window", window, "warn_below", warnBelow)
	}
	return nil
}

// runWithModel is the failover controller for one model: rotate profiles on
// failure, wait once on rate limit, compact once on overflow, step the
// thinking level down when rejected. Recoverable reasons that exhaust all
// profiles escalate as FailoverError.
func (e *Engine) runWithModel(ctx context.Context, desc providers.ModelDescriptor, driver providers.ModelDriver, req RunRequest) (*RunResult, error) {
	defaults := e.cfg.Agents.Defaults

	sess, err := e.sessions.Open(req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", req.SessionKey, err)
	}

	order := e.auth.Order(desc.Provider, req.PreferredProfile)
	if len(order) == 0 {
		return nil, NewFailoverError(ReasonAuth, desc.Tag(),
			fmt.Errorf("no auth profiles configured for provider %s", desc.Provider))
	}

	thinkLevel := req.ThinkLevel
	if thinkLevel == "" {
		thinkLevel = defaults.Thinking
	}
	attemptedLevels := map[string]bool{thinkLevel: true}

	clientTools := make(map[string]struct{}, len(req.ClientTools))
	for _, name := range req.ClientTools {
		clientTools[name] = struct{}{}
	}

	turnLimit := req.HistoryTurnLimit
	if turnLimit <= 0 {
		turnLimit = e.cfg.Sessions.TurnLimitFor(req.Channel)
	}

	idx := 0
	overflowTried := false
	rateLimitWaited := false
	lastReason := ReasonAuth
	var lastErr error

	for {
		var prof auth.Profile
		found := false
		for idx < len(order) {
			if p, ok := e.auth.Get(order[idx]); ok && p.Usable(e.now()) {
				prof, found = p, true
				break
			}
			idx++
		}
		if !found {
			if lastErr == nil {
				lastErr = errors.New("all auth profiles in cooldown")
			}
			return nil, NewFailoverError(lastReason, desc.Tag(), lastErr)
		}

		msgs := append(sess.BuildContext(turnLimit), providers.Message{
			Role:    "user",
			Content: req.Message,
			Images:  req.Images,
		})

		attemptCtx, cancel := context.WithTimeout(ctx, defaults.GetAttemptTimeout())
		att := runAttempt(attemptCtx, attemptParams{
			driver: driver,
			req: providers.StreamRequest{
				Model:       desc.ID,
				Credential:  auth.Credential(prof),
				System:      req.SystemPrompt,
				Messages:    msgs,
				Tools:       e.tools.ProviderDefs(),
				ThinkLevel:  thinkLevel,
				MaxTokens:   defaults.MaxTokens,
				Temperature: defaults.Temperature,
			},
			tools:           e.tools,
			clientTools:     clientTools,
			callbacks:       req.Callbacks,
			requireFinalTag: req.RequireFinalTag,
		})
		cancel()

		// The attempt timer and the caller's context share one deadline
		// tree. A done outer context means the caller bounded the turn,
		// not that the provider stalled: surface the abort and leave the
		// profile unpenalized.
		if ctx.Err() != nil {
			return e.finishAborted(sess, desc, driver, req, att), nil
		}

		switch {
		case att.Aborted:
			return e.finishAborted(sess, desc, driver, req, att), nil

		case att.TimedOut:
			// Timeouts behave like rate limits: the profile may be
			// saturated, so rotate.
			lastReason = ReasonTimeout
			lastErr = fmt.Errorf("attempt timed out after %s", defaults.GetAttemptTimeout())
			slog.Warn("attempt timed out, rotating profile",
				"model", desc.Tag(), "profile", prof.ID)
			e.auth.MarkFailure(prof.ID, auth.FailTimeout)
			idx++
			continue

		case !att.Failed():
			return e.finishSuccess(sess, desc, prof, req, att)
		}

		errMsg := att.errorMessage()
		reason := classifyError(errMsg)
		lastReason, lastErr = reason, errors.New(errMsg)
		slog.Warn("attempt failed",
			"model", desc.Tag(), "profile", prof.ID,
			"reason", reason, "error", truncateStr(errMsg, 200))

		switch reason {
		case ReasonContextOverflow:
			if overflowTried {
				return terminalResult(req, desc.Tag(), overflowMessage), nil
			}
			overflowTried = true
			cerr := sess.Compact(ctx, driver, providers.StreamRequest{
				Model:      desc.ID,
				Credential: auth.Credential(prof),
				MaxTokens:  defaults.MaxTokens,
			})
			if cerr != nil {
				if ctx.Err() != nil {
					return e.finishAborted(sess, desc, driver, req, att), nil
				}
				slog.Error("overflow recovery failed",
					"session", req.SessionKey, "error", cerr)
				return terminalResult(req, desc.Tag(), overflowMessage), nil
			}
			continue

		case ReasonRoleOrdering:
			return terminalResult(req, desc.Tag(), orderingMessage), nil

		case ReasonImageSize:
			return terminalResult(req, desc.Tag(), imageSizeMsg), nil

		case ReasonImageDimension:
			return terminalResult(req, desc.Tag(), imageDimMsg), nil

		case reasonBadThinking:
			if next := lowerThinkLevel(thinkLevel, attemptedLevels); next != "" {
				slog.Info("thinking level rejected, stepping down",
					"model", desc.Tag(), "from", thinkLevel, "to", next)
				attemptedLevels[next] = true
				thinkLevel = next
				continue
			}
			e.auth.MarkFailure(prof.ID, auth.FailUnknown)
			idx++
			continue

		case ReasonRateLimit:
			if !rateLimitWaited {
				rateLimitWaited = true
				wait := defaults.RateLimitWait()
				slog.Info("rate limited, waiting before retry",
					"model", desc.Tag(), "profile", prof.ID, "wait", wait)
				if err := e.sleep(ctx, wait); err != nil {
					return e.finishAborted(sess, desc, driver, req, att), nil
				}
				continue
			}
			e.auth.MarkFailure(prof.ID, auth.FailRateLimit)
			idx++
			continue

		case ReasonTimeout:
			e.auth.MarkFailure(prof.ID, auth.FailTimeout)
			idx++
			continue

		default: // auth, unknown
			e.auth.MarkFailure(prof.ID, failureReason(reason))
			idx++
			// a fresh profile gets the originally requested level back
			thinkLevel = req.ThinkLevel
			if thinkLevel == "" {
				thinkLevel = defaults.Thinking
			}
			continue
		}
	}
}

// finishSuccess marks the profile healthy, persists the buffered turn, and
// builds the result payload. The user event and the attempt's events land in
// one append so a concurrent reader never sees a half-written turn.
func (e *Engine) finishSuccess(sess *sessions.Session, desc providers.ModelDescriptor, prof auth.Profile, req RunRequest, att *Attempt) (*RunResult, error) {
	if err := e.auth.MarkGood(prof.ID); err != nil {
		slog.Warn("auth: flush after markGood failed", "profile", prof.ID, "error", err)
	}
	e.auth.MarkUsed(prof.ID)

	events := make([]sessions.LogEvent, 0, len(att.Events())+1)
	events = append(events, sessions.LogEvent{
		Type:    sessions.EventUser,
		Role:    "user",
		Content: req.Message,
		Images:  req.Images,
	})
	events = append(events, att.Events()...)
	if err := sess.Append(events...); err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}

	content := SanitizeAssistantContent(strings.Join(att.AssistantTexts, "\n\n"))
	silent := IsSilentReply(content)
	if silent {
		slog.Info("silent reply, suppressing delivery", "session", req.SessionKey)
		content = ""
	}
	if att.MissingFinalTag {
		slog.Debug("reply missing final sentinel", "session", req.SessionKey)
	}

	return &RunResult{
		Content:          content,
		RunID:            req.RunID,
		Model:            desc.Tag(),
		ProfileID:        prof.ID,
		Usage:            att.Usage,
		StopReason:       att.StopReason,
		PendingToolCalls: att.PendingToolCalls,
		ToolMetas:        att.ToolMetas,
		ReasoningText:    att.ReasoningText,
		Silent:           silent,
	}, nil
}

// finishAborted records the turn's partial progress. No error reaches the
// user; the log keeps what the model said before the cut.
func (e *Engine) finishAborted(sess *sessions.Session, desc providers.ModelDescriptor, driver providers.ModelDriver, req RunRequest, att *Attempt) *RunResult {
	events := []sessions.LogEvent{{
		Type:    sessions.EventUser,
		Role:    "user",
		Content: req.Message,
		Images:  req.Images,
	}}
	events = append(events, att.Events()...)
	if att.PartialText != "" {
		events = append(events, sessions.LogEvent{
			Type:     sessions.EventAborted,
			Role:     "assistant",
			Content:  att.PartialText,
			Provider: driver.Name(),
			Model:    desc.ID,
		})
	}
	if err := sess.Append(events...); err != nil {
		slog.Warn("failed to persist aborted turn", "session", req.SessionKey, "error", err)
	}

	return &RunResult{
		RunID:      req.RunID,
		Model:      desc.Tag(),
		Usage:      att.Usage,
		StopReason: "aborted",
		Aborted:    true,
	}
}

func terminalResult(req RunRequest, model, message string) *RunResult {
	return &RunResult{
		RunID:        req.RunID,
		Model:        model,
		StopReason:   "error",
		ErrorMessage: message,
	}
}

// thinkLevels is the fallback ladder, strongest first.
var thinkLevels = []string{"high", "medium", "low", "minimal", "off"}

// lowerThinkLevel picks the next untried level below current, or "".
func lowerThinkLevel(current string, attempted map[string]bool) string {
	if current == "" || current == "off" {
		return ""
	}
	start := 0
	for i, lvl := range thinkLevels {
		if lvl == current {
			start = i + 1
			break
		}
	}
	for _, lvl := range thinkLevels[start:] {
		if !attempted[lvl] {
			return lvl
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
