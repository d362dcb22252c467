package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/providers"
)

// EventType discriminates session log records.
type EventType string

const (
	EventUser       EventType = "user"
	EventAssistant  EventType = "assistant"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventSystem     EventType = "system"
	EventBranch     EventType = "branch"  // compaction anchor
	EventAborted    EventType = "aborted" // partial assistant text from a cancelled turn
)

// ToolResultRecord is the persisted shape of a tool outcome.
type ToolResultRecord struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// LogEvent is one append-only session log record.
type LogEvent struct {
	Type       EventType                 `json:"type"`
	Timestamp  time.Time                 `json:"timestamp"`
	Role       string                    `json:"role,omitempty"`
	Content    string                    `json:"content,omitempty"`
	Images     []providers.ImageContent  `json:"images,omitempty"`
	ToolCall   *providers.ToolCall       `json:"toolCall,omitempty"`
	ToolResult *ToolResultRecord         `json:"toolResult,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Provider   string                    `json:"provider,omitempty"`
	Model      string                    `json:"model,omitempty"`
}

// Store manages session logs on disk: one JSONL file per session.
type Store struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]*Session
}

// NewStore opens (or creates) the sessions directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir, sessions: make(map[string]*Session)}, nil
}

// Open returns the session for a key, loading its log from disk on first use.
func (s *Store) Open(key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}

	sess := &Session{
		key:  key,
		path: filepath.Join(s.dir, sanitizeFilename(key)+".jsonl"),
	}
	if err := sess.load(); err != nil {
		return nil, err
	}
	s.sessions[key] = sess
	return sess, nil
}

// Session is one append-only conversation log. The log file is the single
// source of truth; the in-memory slice mirrors it exactly.
//
// During a turn the session is exclusively owned by the lane holder; the
// internal lock only protects against concurrent readers (listing, audit).
type Session struct {
	mu     sync.RWMutex
	key    string
	path   string
	events []LogEvent
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// load reads the JSONL file, discarding a torn final record (crash mid-write)
// and skipping corrupt interior lines with a warning.
func (s *Session) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var events []LogEvent
	lineNo := 0
	var lastBad bool
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev LogEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			lastBad = true
			slog.Warn("session log: unparseable record", "session", s.key, "line", lineNo, "error", err)
			continue
		}
		lastBad = false
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read session log: %w", err)
	}
	if lastBad {
		// The torn record was the final line: a crash mid-append. The
		// partial record is dropped; everything before it is intact.
		slog.Warn("session log: discarded partial trailing record", "session", s.key)
	}
	s.events = events
	return nil
}

// Append writes events to the log. Each record is a full JSON line followed
// by a sync, so a crash leaves at most one torn trailing record.
// Zero timestamps are stamped with the current time; timestamps are
// monotone non-decreasing within the log.
func (s *Session) Append(events ...LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var last time.Time
	if n := len(s.events); n > 0 {
		last = s.events[n-1].Timestamp
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session log for append: %w", err)
	}
	defer f.Close()

	for i := range events {
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
		if events[i].Timestamp.Before(last) {
			events[i].Timestamp = last
		}
		last = events[i].Timestamp

		line, err := json.Marshal(events[i])
		if err != nil {
			return fmt.Errorf("encode session event: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append session event: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session log: %w", err)
	}

	s.events = append(s.events, events...)
	return nil
}

// Events returns a copy of the full log (all branches).
func (s *Session) Events() []LogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEvent, len(s.events))
	copy(out, s.events)
	return out
}

// BranchCount returns the number of branches (compactions + 1).
func (s *Session) BranchCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 1
	for _, ev := range s.events {
		if ev.Type == EventBranch {
			n++
		}
	}
	return n
}

// BranchEvents returns the events of branch idx (0 = oldest). Prior branches
// stay retrievable after compaction for audit.
func (s *Session) BranchEvents(idx int) []LogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch := 0
	var out []LogEvent
	for _, ev := range s.events {
		if ev.Type == EventBranch {
			branch++
			continue
		}
		if branch == idx {
			out = append(out, ev)
		}
	}
	return out
}

// activeBranch returns the events after the last branch marker.
// Caller holds at least a read lock.
func (s *Session) activeBranch() []LogEvent {
	start := 0
	for i, ev := range s.events {
		if ev.Type == EventBranch {
			start = i + 1
		}
	}
	return s.events[start:]
}

func sanitizeFilename(key string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
}
