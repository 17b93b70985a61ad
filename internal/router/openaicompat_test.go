package router

import "testing"

func TestExpandBlocksAssistantToolUse(t *testing.T) {
	blocks := []ContentBlock{
		{Type: "text", Text: "let me check"},
		{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: map[string]any{"city": "nyc"}},
	}

	msgs := expandBlocks("assistant", blocks)
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}

	m := msgs[0]
	if m["role"] != "assistant" {
		t.Errorf("role = %v, want assistant", m["role"])
	}
	if m["content"] != "let me check" {
		t.Errorf("content = %v, want %q", m["content"], "let me check")
	}
	calls, ok := m["tool_calls"].([]map[string]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("tool_calls = %v, want one entry", m["tool_calls"])
	}
	if calls[0]["id"] != "call_1" {
		t.Errorf("tool_calls[0][id] = %v, want call_1", calls[0]["id"])
	}
}

func TestExpandBlocksToolResults(t *testing.T) {
	blocks := []ContentBlock{
		{Type: "tool_result", ToolUseID: "call_1", Content: "72F and sunny"},
		{Type: "tool_result", ToolUseID: "call_2", Content: "done"},
	}

	msgs := expandBlocks("user", blocks)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	for i, want := range []string{"call_1", "call_2"} {
		if msgs[i]["role"] != "tool" {
			t.Errorf("msgs[%d][role] = %v, want tool", i, msgs[i]["role"])
		}
		if msgs[i]["tool_call_id"] != want {
			t.Errorf("msgs[%d][tool_call_id] = %v, want %v", i, msgs[i]["tool_call_id"], want)
		}
	}
}

func TestOpenAITurnsPassthrough(t *testing.T) {
	out := openaiTurns([]Message{{Role: "user", Content: "hello"}})
	if len(out) != 1 || out[0]["role"] != "user" || out[0]["content"] != "hello" {
		t.Errorf("openaiTurns(plain string) = %+v", out)
	}
}

func TestBuildAnthropicRequestExtractsSystem(t *testing.T) {
	req := buildAnthropicRequest("claude-sonnet-4-5", []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}, []Tool{{Name: "t1", InputSchema: map[string]any{"type": "object"}}})

	if req.System != "be terse" {
		t.Errorf("System = %q, want the extracted system text", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v, want only the user turn", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "t1" {
		t.Errorf("Tools = %+v", req.Tools)
	}
}

func TestAnthropicContentMapsBlocks(t *testing.T) {
	wire := anthropicContent([]ContentBlock{
		{Type: "text", Text: "hm"},
		{Type: "tool_use", ID: "c1", Name: "run", Input: map[string]any{"x": 1}},
		{Type: "tool_result", ToolUseID: "c1", Content: "ok"},
	})

	blocks, ok := wire.([]map[string]any)
	if !ok || len(blocks) != 3 {
		t.Fatalf("wire = %#v, want 3 blocks", wire)
	}
	if blocks[1]["type"] != "tool_use" || blocks[1]["id"] != "c1" {
		t.Errorf("tool_use block = %v", blocks[1])
	}
	if blocks[2]["tool_use_id"] != "c1" {
		t.Errorf("tool_result block = %v", blocks[2])
	}

	if s := anthropicContent("plain"); s != "plain" {
		t.Errorf("string content mutated: %v", s)
	}
}
