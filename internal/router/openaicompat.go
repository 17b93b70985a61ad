package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/brain/internal/config"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1/chat/completions"

// openaiClient speaks the OpenAI chat-completions wire format, which is
// also what Gemini's compatibility endpoint, Ollama, GitHub Models and
// Copilot accept. Like anthropicClient it maps the router's Message/Tool
// types straight onto the wire with no DTO layer in between. A non-nil
// tokens source replaces the static API key per request (Copilot's
// short-lived JWTs).
type openaiClient struct {
	model  string
	tokens TokenSource
	client *klient.Client
}

func newOpenAIClient(cfg config.ProviderConfig, tokens TokenSource) (*openaiClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if cfg.APIKey != "" && tokens == nil {
		headers["Authorization"] = []string{"Bearer " + cfg.APIKey}
	}
	for k, v := range cfg.ExtraHeaders {
		headers[k] = []string{v}
	}

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if cfg.Proxy != "" {
		opts = append(opts, klient.WithProxy(cfg.Proxy))
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, klient.WithInsecureSkipVerify(true))
	}

	cl, err := klient.New(opts...)
	if err != nil {
		return nil, err
	}

	return &openaiClient{model: cfg.Model, tokens: tokens, client: cl}, nil
}

// ─── wire shapes ───

type openaiRequest struct {
	Model         string           `json:"model"`
	Messages      []map[string]any `json:"messages"`
	Tools         []openaiTool     `json:"tools,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions map[string]any   `json:"stream_options,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"` // always "function"
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openaiWireCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiWireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiWireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openaiCompletion struct {
	Error   *openaiWireError `json:"error,omitempty"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiWireCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiWireUsage `json:"usage,omitempty"`
}

// buildOpenAIRequest assembles the request body. Tool schemas pass through
// SanitizeSchema because restrictive compatibility endpoints (Gemini, some
// local models) reject JSON Schema keywords like $schema and
// additionalProperties.
func buildOpenAIRequest(model string, messages []Message, tools []Tool) openaiRequest {
	req := openaiRequest{Model: model, Messages: openaiTurns(messages)}

	for _, t := range tools {
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  SanitizeSchema(t.InputSchema),
			},
		})
	}

	return req
}

// openaiTurns flattens the router's message list into OpenAI wire
// messages. Turns whose Content is a ContentBlock array (the agent loop's
// tool-use continuation shape) expand: an assistant turn's tool_use blocks
// become one message with a tool_calls array, a user turn's tool_result
// blocks become individual role:"tool" messages.
func openaiTurns(messages []Message) []map[string]any {
	var out []map[string]any
	for _, m := range messages {
		blocks, ok := m.Content.([]ContentBlock)
		if !ok {
			out = append(out, map[string]any{"role": m.Role, "content": m.Content})
			continue
		}
		out = append(out, expandBlocks(m.Role, blocks)...)
	}
	return out
}

func expandBlocks(role string, blocks []ContentBlock) []map[string]any {
	if role == "assistant" {
		var text string
		var calls []map[string]any
		for _, b := range blocks {
			switch b.Type {
			case "text":
				text += b.Text
			case "tool_use":
				args, _ := json.Marshal(b.Input)
				call := map[string]any{
					"id":   b.ID,
					"type": "function",
					"function": map[string]any{
						"name":      b.Name,
						"arguments": string(args),
					},
				}
				if b.ThoughtSignature != "" {
					call["thought_signature"] = b.ThoughtSignature
				}
				calls = append(calls, call)
			}
		}

		msg := map[string]any{"role": "assistant"}
		if text != "" {
			msg["content"] = text
		}
		if len(calls) > 0 {
			msg["tool_calls"] = calls
		}
		return []map[string]any{msg}
	}

	var out []map[string]any
	var text string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_result":
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": b.ToolUseID,
				"content":      b.Content,
			})
		}
	}
	if text != "" {
		out = append([]map[string]any{{"role": role, "content": text}}, out...)
	}
	return out
}

// authorize swaps in a fresh token when a token source is configured.
// klient's transport only applies default headers that aren't already set,
// so setting the header here overrides the static key.
func (c *openaiClient) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *openaiClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*LLMResponse, error) {
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(buildOpenAIRequest(model, messages, tools))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	var wire openaiCompletion
	var header http.Header
	if err := c.client.Do(req, func(r *http.Response) error {
		header = r.Header
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(raw))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if wire.Error != nil {
		return &LLMResponse{
			Content:  fmt.Sprintf("Error from provider: %s", wire.Error.Message),
			Finished: true,
		}, nil
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("no response choices from provider")
	}

	choice := wire.Choices[0]
	resp := &LLMResponse{
		Content:  choice.Message.Content,
		Finished: choice.FinishReason != "tool_calls",
		Header:   header,
	}
	if wire.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}

	for _, call := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("parse tool call arguments: %w", err)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
	}

	return resp, nil
}

// ─── streaming ───

type openaiStreamChunk struct {
	Error   *openaiWireError `json:"error,omitempty"`
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openaiWireCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiWireUsage `json:"usage,omitempty"`
}

func (c *openaiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error) {
	if model == "" {
		model = c.model
	}

	wireReq := buildOpenAIRequest(model, messages, tools)
	wireReq.Stream = true
	wireReq.StreamOptions = map[string]any{"include_usage": true}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, nil, err
	}

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(raw))
	}

	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		err := scanSSE(resp.Body, func(data string) bool {
			if data == "[DONE]" {
				return false
			}

			var sc openaiStreamChunk
			if err := json.Unmarshal([]byte(data), &sc); err != nil {
				ch <- StreamChunk{Error: fmt.Errorf("parse SSE chunk: %w", err)}
				return false
			}
			if sc.Error != nil {
				ch <- StreamChunk{Error: fmt.Errorf("provider error: %s", sc.Error.Message)}
				return false
			}

			// With include_usage set, the final chunk has empty choices and
			// populated usage.
			if len(sc.Choices) == 0 {
				if sc.Usage != nil {
					ch <- StreamChunk{Usage: &Usage{
						PromptTokens:     sc.Usage.PromptTokens,
						CompletionTokens: sc.Usage.CompletionTokens,
						TotalTokens:      sc.Usage.TotalTokens,
					}}
				}
				return true
			}

			choice := sc.Choices[0]
			chunk := StreamChunk{Content: choice.Delta.Content}
			for _, call := range choice.Delta.ToolCalls {
				var args map[string]any
				if call.Function.Arguments != "" {
					json.Unmarshal([]byte(call.Function.Arguments), &args)
				}
				chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
			}
			if choice.FinishReason != nil {
				chunk.FinishReason = *choice.FinishReason
			}

			ch <- chunk
			return true
		})
		if err != nil {
			ch <- StreamChunk{Error: fmt.Errorf("stream read error: %w", err)}
		}
	}()

	return ch, resp.Header, nil
}
