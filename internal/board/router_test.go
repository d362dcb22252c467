package board

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/boardroom/internal/agent"
	"github.com/nextlevelbuilder/boardroom/internal/config"
)

// stubEngine answers turns from a scripted function.
type stubEngine struct {
	mu       sync.Mutex
	requests []agent.RunRequest
	reply    func(req agent.RunRequest) (*agent.RunResult, error)
}

func (s *stubEngine) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(req)
	}
	return &agent.RunResult{Content: "ok"}, nil
}

func (s *stubEngine) seen() []agent.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.RunRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func newTestOrchestrator(t *testing.T, engine TurnRunner) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	cfg.Board.Agents = []config.BoardAgentSpec{
		{Role: RoleFinance, TelegramTopicID: "77"},
		{Role: RoleTechnology, Model: "openai/gpt-5", ThinkingDefault: "high"},
	}
	return NewOrchestrator(cfg, engine, nil, nil, nil)
}

func TestPrepareContext_RoutingPrecedence(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})

	tests := []struct {
		name       string
		body       string
		topicID    string
		wantRole   string
		wantReason string
	}{
		{"topic mapping wins", "what about our budget strategy roadmap", "77", RoleFinance, "topic"},
		{"directive", "/agent:marketing plan the launch", "", RoleMarketing, "directive"},
		{"mention", "@technology how do we scale this", "", RoleTechnology, "mention"},
		{"keyword inference", "review the budget and cash flow forecast before funding", "", RoleFinance, "keywords"},
		{"ambiguous keywords fall through", "budget and marketing", "", RoleGeneral, "default"},
		{"weak signal falls through", "what about our vision", "", RoleGeneral, "default"},
		{"plain message", "hello there", "", RoleGeneral, "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := o.PrepareContext(tt.body, "telegram:direct:5", tt.topicID, "")
			if bc.AgentRole != tt.wantRole {
				t.Errorf("role = %s, want %s", bc.AgentRole, tt.wantRole)
			}
			if bc.RouteReason != tt.wantReason {
				t.Errorf("reason = %s, want %s", bc.RouteReason, tt.wantReason)
			}
		})
	}
}

func TestPrepareContext_StripsMarkers(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})

	bc := o.PrepareContext("/agent:finance what is our runway", "telegram:direct:5", "", "")
	if strings.Contains(bc.CleanedBody, "/agent:") {
		t.Errorf("directive not stripped: %q", bc.CleanedBody)
	}
	if bc.CleanedBody != "what is our runway" {
		t.Errorf("cleaned body = %q", bc.CleanedBody)
	}

	bc = o.PrepareContext("@operations check the vendor list", "telegram:direct:5", "", "")
	if strings.Contains(bc.CleanedBody, "@operations") {
		t.Errorf("mention not stripped: %q", bc.CleanedBody)
	}
}

func TestPrepareContext_SessionKeys(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})

	// General keeps the base conversation.
	bc := o.PrepareContext("hello", "telegram:direct:5", "", "")
	if bc.SessionKey != "telegram:direct:5" {
		t.Errorf("general session = %s, want base key", bc.SessionKey)
	}

	// Specialists get their own namespaced session in direct chats.
	bc = o.PrepareContext("@finance runway?", "telegram:direct:5", "", "")
	if bc.SessionKey != "board:finance" {
		t.Errorf("specialist direct session = %s", bc.SessionKey)
	}

	// Group conversations keep the group suffix per role.
	bc = o.PrepareContext("@finance runway?", "telegram:group:9", "", "")
	if bc.SessionKey != "board:finance:telegram:group:9" {
		t.Errorf("specialist group session = %s", bc.SessionKey)
	}
}

func TestPrepareContext_ModelOverrides(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})

	bc := o.PrepareContext("@technology pick a database", "telegram:direct:5", "", "")
	if bc.ModelOverride != "openai/gpt-5" || bc.ThinkingOverride != "high" {
		t.Errorf("overrides = %q/%q", bc.ModelOverride, bc.ThinkingOverride)
	}
}

func TestComposeSystemPrompt(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})

	general := o.ComposeSystemPrompt(RoleGeneral, "extra instructions")
	if !strings.Contains(general, "[[board_meeting]]") {
		t.Error("general prompt must carry the meeting protocol")
	}
	if !strings.Contains(general, "[[consult:") {
		t.Error("general prompt must carry the consultation protocol")
	}
	if !strings.Contains(general, "extra instructions") {
		t.Error("caller prompt not appended")
	}
	// Roster lists colleagues but not the agent itself.
	if !strings.Contains(general, "(finance)") || strings.Contains(general, "(general)") {
		t.Error("roster wrong for general")
	}

	specialist := o.ComposeSystemPrompt(RoleFinance, "")
	if strings.Contains(specialist, "[[board_meeting]]") {
		t.Error("specialists must not get the meeting protocol")
	}
	if !strings.Contains(specialist, "Marcus") {
		t.Error("specialist prompt missing built-in persona")
	}
}

func TestLoadSoul_FileOverridesBuiltin(t *testing.T) {
	o := newTestOrchestrator(t, &stubEngine{})
	soulPath := filepath.Join(o.workspace, "souls", "finance.md")
	if err := os.MkdirAll(filepath.Dir(soulPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(soulPath, []byte("You are Greta, a frugal CFO."), 0o644); err != nil {
		t.Fatal(err)
	}
	o.cfg.Board.Agents[0].SoulFile = "souls/finance.md"

	if got := o.loadSoul(RoleFinance); got != "You are Greta, a frugal CFO." {
		t.Errorf("soul = %q, want file content", got)
	}
	// Missing file falls back to the built-in persona.
	if got := o.loadSoul(RoleMarketing); !strings.Contains(got, "Sofia") {
		t.Errorf("builtin fallback wrong: %q", got)
	}
}
