// Package router implements the Model Router: role → model resolution,
// provider selection, fallback chains and usage accounting. One wire
// client per provider format (anthropic.go, openaicompat.go) implements
// the Provider interface directly against the router's own types.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/crypto"
)

// Message is a single turn in a conversation passed to a provider.
// Content is either a string or a provider-native content-block slice
// (already-shaped []map[string]any).
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Tool is a JSON-Schema tool definition offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one block of a multi-part message: plain text, a model's
// tool_use request, or a tool_result reply. The agent loop builds these
// when continuing a conversation across a tool-use turn; each wire client
// maps the block array onto its own format.
type ContentBlock struct {
	Type             string         `json:"type"`
	Text             string         `json:"text,omitempty"`
	ID               string         `json:"id,omitempty"`
	Name             string         `json:"name,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	ToolUseID        string         `json:"tool_use_id,omitempty"`
	Content          string         `json:"content,omitempty"`
	ThoughtSignature string         `json:"thought_signature,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any

	// ThoughtSignature carries provider-specific continuation state
	// (e.g. Gemini's thought signatures) that must be echoed back on the
	// next turn; opaque to the router.
	ThoughtSignature string
}

// Usage is token accounting for a single provider call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMResponse is the non-streaming result of a Chat call.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Finished  bool // true iff stop_reason != tool_use
	Usage     Usage
	Header    http.Header
}

// StreamChunk is one increment of a streaming Chat call.
type StreamChunk struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
	Error        error
}

// Provider is implemented by every wire client. Chat is synchronous;
// ChatStream yields StreamChunks.
type Provider interface {
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*LLMResponse, error)
	ChatStream(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error)
}

// boundProvider pairs a live Provider with its configured model list and
// provider-type tag for the models/config read surface.
type boundProvider struct {
	key      string
	kind     string // anthropic | openai
	provider Provider
	models   []string
}

// Router resolves a role to a provider/model and walks the fallback chain
// on upstream failure, accumulating usage per call.
type Router struct {
	mu        sync.RWMutex
	providers map[string]*boundProvider
	roles     map[string][]string // role -> ["providerKey/model", ...]
	cipher    *crypto.Cipher
}

// New builds a Router from configuration, constructing one provider client
// per entry in cfg.Providers. cipher opens encrypted provider credentials;
// nil means they are stored in the clear.
func New(cfg config.Router, cipher *crypto.Cipher) (*Router, error) {
	r := &Router{
		providers: make(map[string]*boundProvider),
		roles:     cfg.Roles,
		cipher:    cipher,
	}

	for key, pc := range cfg.Providers {
		if err := r.AddProvider(key, pc); err != nil {
			return nil, fmt.Errorf("provider %q: %w", key, err)
		}
	}

	return r, nil
}

// AddProvider constructs and registers (or replaces) a provider client.
// Hot-swappable: safe to call while the router is serving requests.
func (r *Router) AddProvider(key string, pc config.ProviderConfig) error {
	decrypted, err := r.cipher.OpenProviderConfig(pc)
	if err != nil {
		return fmt.Errorf("decrypt provider config: %w", err)
	}

	var p Provider
	switch decrypted.Type {
	case "anthropic":
		p, err = newAnthropicClient(decrypted)
	case "openai", "":
		p, err = newOpenAIClient(decrypted, nil)
	case "copilot":
		// GitHub Copilot speaks the OpenAI chat-completions wire format but
		// authenticates with a short-lived token exchanged from a personal
		// access token, rather than a static bearer API key.
		p, err = newOpenAIClient(decrypted, NewCopilotTokenSource(decrypted.APIKey))
	default:
		return fmt.Errorf("unsupported provider type %q", decrypted.Type)
	}
	if err != nil {
		return fmt.Errorf("build %q provider: %w", decrypted.Type, err)
	}

	r.mu.Lock()
	r.providers[key] = &boundProvider{key: key, kind: decrypted.Type, provider: p, models: decrypted.Models}
	r.mu.Unlock()

	return nil
}

// RemoveProvider drops a provider from the registry.
func (r *Router) RemoveProvider(key string) {
	r.mu.Lock()
	delete(r.providers, key)
	r.mu.Unlock()
}

// ProviderInfo is the models/config read surface's per-provider summary —
// never exposes the decrypted API key.
type ProviderInfo struct {
	Key    string   `json:"key"`
	Type   string   `json:"type"`
	Models []string `json:"models"`
}

// Providers lists the currently registered providers for the HTTP Surface's
// GET /models/config endpoint.
func (r *Router) Providers() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(r.providers))
	for key, bp := range r.providers {
		out = append(out, ProviderInfo{Key: key, Type: bp.kind, Models: bp.models})
	}
	return out
}

// Roles returns the configured role → fallback-chain map.
func (r *Router) Roles() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.roles))
	for k, v := range r.roles {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// resolveRef splits "providerKey/model" into its parts.
func resolveRef(ref string) (key, model string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}

// Chat resolves role to its configured fallback chain and calls providers
// in order until one succeeds. The first successful response is returned.
func (r *Router) Chat(ctx context.Context, role string, messages []Message, tools []Tool) (*LLMResponse, error) {
	refs, err := r.chain(role)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ref := range refs {
		key, model := resolveRef(ref)

		r.mu.RLock()
		bp, ok := r.providers[key]
		r.mu.RUnlock()
		if !ok {
			lastErr = fmt.Errorf("provider %q not configured", key)
			continue
		}

		resp, err := bp.provider.Chat(ctx, model, messages, tools)
		if err != nil {
			slog.Warn("router: provider call failed, trying fallback", "role", role, "provider", key, "error", err)
			lastErr = err
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("role %q: all providers in fallback chain failed: %w", role, lastErr)
}

// ChatStream is the streaming counterpart of Chat. Fallback only applies
// before the first chunk is read; once a provider starts streaming the
// router commits to it; there is no mid-stream provider switch.
func (r *Router) ChatStream(ctx context.Context, role string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error) {
	refs, err := r.chain(role)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, ref := range refs {
		key, model := resolveRef(ref)

		r.mu.RLock()
		bp, ok := r.providers[key]
		r.mu.RUnlock()
		if !ok {
			lastErr = fmt.Errorf("provider %q not configured", key)
			continue
		}

		ch, header, err := bp.provider.ChatStream(ctx, model, messages, tools)
		if err != nil {
			slog.Warn("router: provider stream failed, trying fallback", "role", role, "provider", key, "error", err)
			lastErr = err
			continue
		}

		return ch, header, nil
	}

	return nil, nil, fmt.Errorf("role %q: all providers in fallback chain failed: %w", role, lastErr)
}

func (r *Router) chain(role string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := r.roles[role]
	if len(refs) == 0 {
		return nil, fmt.Errorf("no provider fallback chain configured for role %q", role)
	}

	return refs, nil
}
