package agent

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want Reason
	}{
		{"prompt is too long: 210000 tokens > 200000 maximum", ReasonContextOverflow},
		{"This model's maximum context length is 128000 tokens", ReasonContextOverflow},
		{"messages: roles must alternate between user and assistant", ReasonRoleOrdering},
		{"image exceeds 5 MB maximum: 7.2 MB", ReasonImageSize},
		{"image dimensions 9000x4000 exceed max allowed pixels", ReasonImageDimension},
		{"rate limit exceeded, please retry after 30s", ReasonRateLimit},
		{"429 Too Many Requests", ReasonRateLimit},
		{"overloaded_error: the API is temporarily overloaded", ReasonRateLimit},
		{"401 Unauthorized", ReasonAuth},
		{"invalid x-api-key", ReasonAuth},
		{"your credit balance is too low", ReasonAuth},
		{"request timed out waiting for first byte", ReasonTimeout},
		{"context deadline exceeded", ReasonTimeout},
		{"extended thinking is not supported on this model", reasonBadThinking},
		{"something else entirely", ReasonUnknown},
	}

	for _, tt := range tests {
		if got := classifyError(tt.msg); got != tt.want {
			t.Errorf("classifyError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestFailoverErrorStatus(t *testing.T) {
	tests := []struct {
		reason Reason
		status int
	}{
		{ReasonRateLimit, 429},
		{ReasonTimeout, 408},
		{ReasonAuth, 401},
		{ReasonUnknown, 500},
		{ReasonContextOverflow, 500},
	}
	for _, tt := range tests {
		fe := NewFailoverError(tt.reason, "anthropic/claude-sonnet-4-5", errors.New("boom"))
		if fe.Status != tt.status {
			t.Errorf("status for %s = %d, want %d", tt.reason, fe.Status, tt.status)
		}
	}
}

func TestAsFailoverError_Wrapped(t *testing.T) {
	fe := NewFailoverError(ReasonRateLimit, "openai/gpt-5", errors.New("429"))
	wrapped := fmt.Errorf("turn failed: %w", fe)

	got, ok := AsFailoverError(wrapped)
	if !ok {
		t.Fatal("FailoverError not found through wrapping")
	}
	if got.Reason != ReasonRateLimit || got.Model != "openai/gpt-5" {
		t.Errorf("unexpected unwrapped error: %+v", got)
	}

	if _, ok := AsFailoverError(errors.New("plain")); ok {
		t.Error("plain error must not match FailoverError")
	}
}
