package board

import (
	"regexp"
	"strings"
)

// Consultation is one parsed [[consult:<role>]] tag.
type Consultation struct {
	Role     string
	Question string
}

var (
	consultTagPattern = regexp.MustCompile(`\[\[consult:([a-z]+)\]\][ \t]*([^\n]*)`)
	meetingTagPattern = regexp.MustCompile(`\[\[board_meeting\]\][ \t]*([^\n]*)`)
)

// ParseResponse extracts consultation tags (any colleague including the
// general director; self-consultation is dropped) and, for the general role
// only, a board-meeting tag. All tags are stripped from the returned
// user-visible text regardless of who emitted them.
func ParseResponse(reply, agentRole string) (cleaned string, consults []Consultation, meetingTopic string) {
	for _, m := range consultTagPattern.FindAllStringSubmatch(reply, -1) {
		role := m[1]
		question := strings.TrimSpace(m[2])
		if !IsValidRole(role) || role == agentRole || question == "" {
			continue
		}
		consults = append(consults, Consultation{Role: role, Question: question})
	}

	if agentRole == RoleGeneral {
		if m := meetingTagPattern.FindStringSubmatch(reply); m != nil {
			meetingTopic = strings.TrimSpace(m[1])
		}
	}

	cleaned = consultTagPattern.ReplaceAllString(reply, "")
	cleaned = meetingTagPattern.ReplaceAllString(cleaned, "")
	cleaned = collapseBlankLines(strings.TrimSpace(cleaned))
	return cleaned, consults, meetingTopic
}

var multiBlank = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return multiBlank.ReplaceAllString(s, "\n\n")
}
