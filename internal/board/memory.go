package board

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	defaultMemoryEntries = 20
	maxKeyFacts          = 8
	maxSummaryChars      = 400
)

// MemoryEntry is one persisted takeaway from a completed task.
type MemoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"taskId,omitempty"`
	Summary   string    `json:"summary"`
	KeyFacts  []string  `json:"keyFacts,omitempty"`
}

// AgentMemory is one role's append-only JSONL memory file. Retention is
// applied on read, never by rewriting the file.
type AgentMemory struct {
	mu   sync.Mutex
	path string
}

// NewAgentMemory opens (lazily) the memory file for a role under dir.
func NewAgentMemory(dir, role string) *AgentMemory {
	return &AgentMemory{path: filepath.Join(dir, role+".jsonl")}
}

// Append writes one entry. Zero timestamps are stamped.
func (m *AgentMemory) Append(e MemoryEntry) error {
	if e.Summary == "" {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode memory entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append memory entry: %w", err)
	}
	return nil
}

// Recent returns the last n entries (n <= 0 uses the default of 20).
// Corrupt lines are skipped.
func (m *AgentMemory) Recent(n int) ([]MemoryEntry, error) {
	if n <= 0 {
		n = defaultMemoryEntries
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	var entries []MemoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e MemoryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("memory: skipping corrupt entry", "path", m.path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read memory file: %w", err)
	}

	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// PromptBlock renders recent memory for a system prompt, or "" when empty.
func (m *AgentMemory) PromptBlock() string {
	entries, err := m.Recent(0)
	if err != nil {
		slog.Warn("memory: failed to load for prompt", "path", m.path, "error", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent memory from your past work:\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Summary)
		b.WriteString("\n")
		for _, fact := range e.KeyFacts {
			b.WriteString("  - ")
			b.WriteString(fact)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var bulletLine = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)

// ExtractMemoryEntry distills a task's final result: the first paragraph
// becomes the summary, bullet or numbered lines become key facts (capped).
func ExtractMemoryEntry(taskID, result string) MemoryEntry {
	entry := MemoryEntry{TaskID: taskID}

	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		return entry
	}

	paragraphs := strings.SplitN(trimmed, "\n\n", 2)
	summary := strings.TrimSpace(paragraphs[0])
	summary = strings.TrimLeft(summary, "# ")
	summary = strings.ReplaceAll(summary, "\n", " ")
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars] + "..."
	}
	entry.Summary = summary

	for _, line := range strings.Split(trimmed, "\n") {
		if m := bulletLine.FindStringSubmatch(line); m != nil {
			entry.KeyFacts = append(entry.KeyFacts, strings.TrimSpace(m[1]))
			if len(entry.KeyFacts) == maxKeyFacts {
				break
			}
		}
	}
	return entry
}
