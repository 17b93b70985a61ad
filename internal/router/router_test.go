package router

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

type fakeProvider struct {
	resp *LLMResponse
	err  error
}

func (f fakeProvider) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*LLMResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f fakeProvider) ChatStream(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: f.resp.Content, FinishReason: "stop"}
	close(ch)
	return ch, nil, nil
}

func newTestRouter(providers map[string]Provider, roles map[string][]string) *Router {
	r := &Router{
		providers: make(map[string]*boundProvider),
		roles:     roles,
	}
	for key, p := range providers {
		r.providers[key] = &boundProvider{key: key, provider: p}
	}
	return r
}

func TestRouter_ChatResolvesRole(t *testing.T) {
	r := newTestRouter(
		map[string]Provider{"main": fakeProvider{resp: &LLMResponse{Content: "hi", Finished: true}}},
		map[string][]string{"agent": {"main/claude-sonnet-4-5"}},
	)

	resp, err := r.Chat(context.Background(), "agent", nil, nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("Content = %q, want %q", resp.Content, "hi")
	}
}

func TestRouter_ChatUnknownRole(t *testing.T) {
	r := newTestRouter(nil, map[string][]string{})

	if _, err := r.Chat(context.Background(), "nonexistent", nil, nil); err == nil {
		t.Fatal("expected error for unconfigured role")
	}
}

func TestRouter_ChatFallsBackOnFailure(t *testing.T) {
	r := newTestRouter(
		map[string]Provider{
			"primary":  fakeProvider{err: errors.New("upstream down")},
			"fallback": fakeProvider{resp: &LLMResponse{Content: "recovered", Finished: true}},
		},
		map[string][]string{"agent": {"primary/model-a", "fallback/model-b"}},
	)

	resp, err := r.Chat(context.Background(), "agent", nil, nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Content = %q, want fallback response", resp.Content)
	}
}

func TestRouter_ChatAllProvidersFail(t *testing.T) {
	r := newTestRouter(
		map[string]Provider{"primary": fakeProvider{err: errors.New("down")}},
		map[string][]string{"agent": {"primary/model-a"}},
	)

	if _, err := r.Chat(context.Background(), "agent", nil, nil); err == nil {
		t.Fatal("expected error when all providers fail")
	}
}

func TestRouter_AddRemoveProvider(t *testing.T) {
	r := newTestRouter(nil, nil)

	r.mu.Lock()
	r.providers["x"] = &boundProvider{key: "x", provider: fakeProvider{resp: &LLMResponse{Content: "ok"}}}
	r.mu.Unlock()

	r.RemoveProvider("x")

	r.mu.RLock()
	_, ok := r.providers["x"]
	r.mu.RUnlock()
	if ok {
		t.Error("expected provider to be removed")
	}
}

func TestResolveRef(t *testing.T) {
	key, model := resolveRef("anthropic-main/claude-sonnet-4-5")
	if key != "anthropic-main" || model != "claude-sonnet-4-5" {
		t.Errorf("resolveRef() = (%q, %q)", key, model)
	}

	key, model = resolveRef("bare-key")
	if key != "bare-key" || model != "" {
		t.Errorf("resolveRef(no slash) = (%q, %q)", key, model)
	}
}
