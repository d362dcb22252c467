package agent

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/boardroom/internal/providers"
)

// refusalTriggerTokens are provider canary strings that force an immediate
// refusal when present anywhere in the prompt. Tool results sometimes carry
// them verbatim (web content); scrub before send.
var refusalTriggerTokens = []string{
	"ANTHROPIC_MAGIC_STRING_TRIGGER_REFUSAL_1FAEFB6177B4672DEE07F9D3AFC62588CCD2631EDCF22E8CCC1FB35B501C9C86",
}

const refusalPlaceholder = "[redacted]"

// scrubRefusalTriggers redacts refusal canaries from the outgoing request.
func scrubRefusalTriggers(req *providers.StreamRequest) {
	scrub := func(s string) string {
		for _, tok := range refusalTriggerTokens {
			if strings.Contains(s, tok) {
				s = strings.ReplaceAll(s, tok, refusalPlaceholder)
			}
		}
		return s
	}
	req.System = scrub(req.System)
	for i := range req.Messages {
		req.Messages[i].Content = scrub(req.Messages[i].Content)
	}
}

// SanitizeAssistantContent cleans raw assistant text before it is persisted
// and delivered: thinking tags, final-tag markers, garbled tool-call XML,
// and repeated paragraphs are artifacts of the model, not the reply.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = stripGarbledToolXML(content)
	content = stripThinkingTags(content)
	content = stripFinalTags(content)
	content = collapseDuplicateBlocks(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content",
			"original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Some models emit tool invocations as XML-ish text instead of structured
// tool-call chunks. A response that is only such artifacts is dropped whole.
var garbledToolXML = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`)

func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<tool_") && !strings.Contains(lower, "<function_") &&
		!strings.Contains(lower, "<invoke") && !strings.Contains(lower, "<parameter") {
		return content
	}
	cleaned := strings.TrimSpace(garbledToolXML.ReplaceAllString(content, ""))
	if cleaned != content {
		slog.Warn("stripped garbled tool xml from response",
			"original_len", len(content), "remaining_len", len(cleaned))
	}
	return cleaned
}

var thinkingTags = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTags {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// finalTag marks the user-deliverable block when the caller requires the
// sentinel convention. The tags are stripped; the content stays.
var finalTag = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTag.ReplaceAllString(content, "")
}

// hasFinalTag reports whether the text carries the final-output sentinel.
func hasFinalTag(content string) bool {
	return finalTag.MatchString(content)
}

func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var kept []string
	for _, b := range blocks {
		t := strings.TrimSpace(b)
		if t == "" {
			continue
		}
		if len(kept) > 0 && t == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, b)
	}
	return strings.Join(kept, "\n\n")
}

// IsSilentReply reports whether the text is the NO_REPLY token: the agent
// chose not to answer. The reply is logged but never delivered.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) && !isWordChar(rune(trimmed[len(token)])) {
		return true
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
