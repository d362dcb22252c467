// Package sessions — session key builder and parser.
//
// Session keys encode surface + conversation + optional board-role prefix:
//
//	DM:          {channel}:direct:{peerId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{topicId}
//	Board DM:    board:{role}
//	Board group: board:{role}:{channel}:group:{groupId}
//	Task:        task:{taskId}
//	Cron:        cron:{jobId}:run:{runId}
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the base session key for a channel conversation.
func BuildSessionKey(channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, kind, chatID)
}

// BuildGroupTopicSessionKey builds the session key for a forum group topic.
func BuildGroupTopicSessionKey(channel, chatID, topicID string) string {
	return fmt.Sprintf("%s:group:%s:topic:%s", channel, chatID, topicID)
}

// BuildBoardSessionKey namespaces a session under a board role.
// The general role preserves the base key for direct chats; specialists get
// their own session. Group conversations keep the group suffix so one role
// holds separate context per group.
func BuildBoardSessionKey(role, baseKey string, isGroup bool) string {
	if isGroup {
		return fmt.Sprintf("board:%s:%s", role, baseKey)
	}
	return fmt.Sprintf("board:%s", role)
}

// BuildTaskSessionKey builds the session key for an autonomous task.
func BuildTaskSessionKey(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

// BuildCronSessionKey builds the session key for a cron job run.
//
// Guards against double-prefixing: if jobID already carries the cron prefix
// only its tail is used.
func BuildCronSessionKey(jobID, runID string) string {
	jobID = strings.TrimPrefix(jobID, "cron:")
	return fmt.Sprintf("cron:%s:run:%s", jobID, runID)
}

// IsBoardSession checks whether a key is namespaced under a board role.
func IsBoardSession(key string) bool {
	return strings.HasPrefix(key, "board:")
}

// IsCronSession checks whether a key belongs to a cron run.
func IsCronSession(key string) bool {
	return strings.HasPrefix(key, "cron:")
}

// IsTaskSession checks whether a key belongs to an autonomous task.
func IsTaskSession(key string) bool {
	return strings.HasPrefix(key, "task:")
}

// BoardRoleFromKey extracts the role from a board session key ("" if none).
func BoardRoleFromKey(key string) string {
	if !IsBoardSession(key) {
		return ""
	}
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
