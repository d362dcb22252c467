package board

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAgentMemory_AppendAndRecent(t *testing.T) {
	mem := NewAgentMemory(t.TempDir(), RoleFinance)

	for i := 0; i < 25; i++ {
		err := mem.Append(MemoryEntry{Summary: fmt.Sprintf("task %d", i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := mem.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != defaultMemoryEntries {
		t.Fatalf("len = %d, want %d", len(entries), defaultMemoryEntries)
	}
	// Oldest entries fall off; order is preserved.
	if entries[0].Summary != "task 5" || entries[19].Summary != "task 24" {
		t.Errorf("window = %s .. %s", entries[0].Summary, entries[19].Summary)
	}

	entries, err = mem.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Summary != "task 22" {
		t.Errorf("Recent(3) = %+v", entries)
	}
}

func TestAgentMemory_SkipsEmptyAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	mem := NewAgentMemory(dir, RoleStrategy)

	if err := mem.Append(MemoryEntry{Summary: ""}); err != nil {
		t.Fatal(err)
	}
	if err := mem.Append(MemoryEntry{Summary: "good"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn write in the middle of the file.
	f, err := os.OpenFile(filepath.Join(dir, "strategy.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{\"summary\": \"torn\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := mem.Append(MemoryEntry{Summary: "after"}); err != nil {
		t.Fatal(err)
	}

	entries, err := mem.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Summary != "good" || entries[1].Summary != "after" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestAgentMemory_RecentMissingFile(t *testing.T) {
	mem := NewAgentMemory(t.TempDir(), RoleOperations)
	entries, err := mem.Recent(0)
	if err != nil || entries != nil {
		t.Errorf("got %v, %v; want nil, nil", entries, err)
	}
	if block := mem.PromptBlock(); block != "" {
		t.Errorf("prompt block = %q, want empty", block)
	}
}

func TestExtractMemoryEntry(t *testing.T) {
	result := "# Market analysis complete\n\n" +
		"Detailed findings:\n" +
		"- EU expansion is viable in Q2\n" +
		"* Regulatory cost is ~40k EUR\n" +
		"1. Hire a local counsel first\n" +
		"not a bullet\n"

	entry := ExtractMemoryEntry("task-1", result)
	if entry.TaskID != "task-1" {
		t.Errorf("task id = %s", entry.TaskID)
	}
	if entry.Summary != "Market analysis complete" {
		t.Errorf("summary = %q", entry.Summary)
	}
	want := []string{"EU expansion is viable in Q2", "Regulatory cost is ~40k EUR", "Hire a local counsel first"}
	if len(entry.KeyFacts) != len(want) {
		t.Fatalf("key facts = %+v", entry.KeyFacts)
	}
	for i, w := range want {
		if entry.KeyFacts[i] != w {
			t.Errorf("fact %d = %q, want %q", i, entry.KeyFacts[i], w)
		}
	}
}

func TestExtractMemoryEntry_Caps(t *testing.T) {
	long := strings.Repeat("x", maxSummaryChars+50)
	var bullets strings.Builder
	for i := 0; i < maxKeyFacts+4; i++ {
		fmt.Fprintf(&bullets, "- fact %d\n", i)
	}

	entry := ExtractMemoryEntry("t", long+"\n\n"+bullets.String())
	if len(entry.Summary) != maxSummaryChars+3 || !strings.HasSuffix(entry.Summary, "...") {
		t.Errorf("summary not capped: len=%d", len(entry.Summary))
	}
	if len(entry.KeyFacts) != maxKeyFacts {
		t.Errorf("key facts = %d, want %d", len(entry.KeyFacts), maxKeyFacts)
	}

	if empty := ExtractMemoryEntry("t", "   "); empty.Summary != "" {
		t.Errorf("blank result produced summary %q", empty.Summary)
	}
}

func TestAgentMemory_PromptBlock(t *testing.T) {
	mem := NewAgentMemory(t.TempDir(), RoleMarketing)
	err := mem.Append(MemoryEntry{
		Summary:  "Launched the newsletter",
		KeyFacts: []string{"open rate 42%"},
	})
	if err != nil {
		t.Fatal(err)
	}

	block := mem.PromptBlock()
	if !strings.Contains(block, "- Launched the newsletter") {
		t.Errorf("block = %q", block)
	}
	if !strings.Contains(block, "  - open rate 42%") {
		t.Errorf("facts missing: %q", block)
	}
}
