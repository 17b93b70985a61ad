package memory

import (
	"strings"
	"testing"

	"github.com/rakunlabs/brain/internal/store"
)

func TestParseObserverCandidates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []observerCandidate
	}{
		{
			name: "category prefixed lines",
			text: "preferences: likes dark roast coffee\nhomelab: runs a 3-node cluster",
			want: []observerCandidate{
				{Content: "likes dark roast coffee", Category: "preferences"},
				{Content: "runs a 3-node cluster", Category: "homelab"},
			},
		},
		{
			name: "line without category falls back to general",
			text: "prefers short answers",
			want: []observerCandidate{
				{Content: "prefers short answers", Category: "general"},
			},
		},
		{
			name: "blank lines skipped",
			text: "\n\nwork: ships on fridays\n\n",
			want: []observerCandidate{
				{Content: "ships on fridays", Category: "work"},
			},
		},
		{
			name: "empty response yields nothing",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseObserverCandidates(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("candidate[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRecentWindow(t *testing.T) {
	msgs := make([]store.Message, 5)
	for i := range msgs {
		msgs[i] = store.Message{Content: strings.Repeat("x", i+1)}
	}

	if got := recentWindow(msgs, 10); len(got) != 5 {
		t.Errorf("window larger than history: got %d messages, want 5", len(got))
	}

	got := recentWindow(msgs, 2)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Content != "xxxx" || got[1].Content != "xxxxx" {
		t.Errorf("window did not keep the most recent messages: %+v", got)
	}
}

func TestBuildObserverPromptIncludesEveryTurn(t *testing.T) {
	prompt := buildObserverPrompt([]store.Message{
		{Role: "user", Content: "my dog is called Pixel"},
		{Role: "assistant", Content: "Noted!"},
	})

	if !strings.Contains(prompt, "user: my dog is called Pixel") {
		t.Error("prompt missing user turn")
	}
	if !strings.Contains(prompt, "assistant: Noted!") {
		t.Error("prompt missing assistant turn")
	}
}
