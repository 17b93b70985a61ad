package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/brain/internal/config"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// anthropicClient speaks Anthropic's native Messages API. It builds the
// wire request straight from the router's Message/Tool types and decodes
// responses straight into LLMResponse/StreamChunk, so no intermediate DTO
// layer exists between the agent loop and the wire.
type anthropicClient struct {
	model  string
	client *klient.Client
}

func newAnthropicClient(cfg config.ProviderConfig) (*anthropicClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{cfg.APIKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
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

	return &anthropicClient{model: cfg.Model, client: cl}, nil
}

// ─── wire shapes ───

type anthropicRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []anthropicTurn `json:"messages"`
	Tools     []anthropicTool `json:"tools,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

type anthropicTurn struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []map[string]any of wire blocks
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u anthropicUsage) toUsage() Usage {
	return Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Type       string           `json:"type"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
	Error      anthropicError   `json:"error"`
}

// buildAnthropicRequest assembles the request body. Anthropic wants system
// text as a top-level parameter, so system turns are pulled out of the
// message list; the agent loop's ContentBlock turns map onto Anthropic's
// own content-block array almost one to one.
func buildAnthropicRequest(model string, messages []Message, tools []Tool) anthropicRequest {
	req := anthropicRequest{Model: model, MaxTokens: 4096}

	for _, m := range messages {
		if m.Role == "system" {
			if text, ok := m.Content.(string); ok {
				if req.System != "" {
					req.System += "\n"
				}
				req.System += text
			}
			continue
		}
		req.Messages = append(req.Messages, anthropicTurn{Role: m.Role, Content: anthropicContent(m.Content)})
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return req
}

func anthropicContent(content any) any {
	blocks, ok := content.([]ContentBlock)
	if !ok {
		return content
	}

	wire := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			wire = append(wire, map[string]any{"type": "text", "text": b.Text})
		case "tool_use":
			wire = append(wire, map[string]any{"type": "tool_use", "id": b.ID, "name": b.Name, "input": b.Input})
		case "tool_result":
			wire = append(wire, map[string]any{"type": "tool_result", "tool_use_id": b.ToolUseID, "content": b.Content})
		}
	}
	return wire
}

func (c *anthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*LLMResponse, error) {
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(buildAnthropicRequest(model, messages, tools))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var wire anthropicResponse
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

	resp := &LLMResponse{
		Finished: wire.StopReason != "tool_use",
		Header:   header,
	}

	if wire.Type == "error" {
		resp.Content = fmt.Sprintf("Error from Anthropic: %s", wire.Error.Message)
		return resp, nil
	}

	resp.Usage = wire.Usage.toUsage()
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	return resp, nil
}

// ─── streaming ───

// anthropicEvent is the union of every SSE event shape the Messages API
// emits; one decode per data line covers them all.
type anthropicEvent struct {
	Type string `json:"type"`

	// message_start nests initial usage (input_tokens) under message.
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`

	// content_block_start announces the block, including tool_use id/name.
	ContentBlock *anthropicBlock `json:"content_block"`

	// content_block_delta and message_delta payloads.
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	// message_delta carries output_tokens as a sibling of delta.
	Usage *anthropicUsage `json:"usage"`

	Error anthropicError `json:"error"`
}

func (c *anthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error) {
	if model == "" {
		model = c.model
	}

	wireReq := buildAnthropicRequest(model, messages, tools)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(raw))
	}

	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Tool input arrives as partial JSON fragments spread across
		// content_block_delta events; accumulate per block and parse at
		// content_block_stop.
		var toolID, toolName string
		var toolJSON strings.Builder
		var usage anthropicUsage

		err := scanSSE(resp.Body, func(data string) bool {
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				ch <- StreamChunk{Error: fmt.Errorf("parse SSE event: %w", err)}
				return false
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
				}

			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					toolID = ev.ContentBlock.ID
					toolName = ev.ContentBlock.Name
					toolJSON.Reset()
				}

			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					ch <- StreamChunk{Content: ev.Delta.Text}
				case "input_json_delta":
					toolJSON.WriteString(ev.Delta.PartialJSON)
				}

			case "content_block_stop":
				if toolID != "" {
					var args map[string]any
					if toolJSON.Len() > 0 {
						json.Unmarshal([]byte(toolJSON.String()), &args)
					}
					ch <- StreamChunk{ToolCalls: []ToolCall{{ID: toolID, Name: toolName, Arguments: args}}}
					toolID, toolName = "", ""
					toolJSON.Reset()
				}

			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
				if ev.Delta.StopReason != "" {
					reason := "stop"
					if ev.Delta.StopReason == "tool_use" {
						reason = "tool_calls"
					}
					ch <- StreamChunk{FinishReason: reason}
				}

			case "message_stop":
				u := usage.toUsage()
				ch <- StreamChunk{Usage: &u}
				return false

			case "error":
				ch <- StreamChunk{Error: fmt.Errorf("anthropic error: %s", ev.Error.Message)}
				return false
			}

			return true
		})
		if err != nil {
			ch <- StreamChunk{Error: fmt.Errorf("stream read error: %w", err)}
		}
	}()

	return ch, resp.Header, nil
}
