// Package agent implements the Agent Loop and System Prompt
// Assembly: conversation resolution, parallel prompt/memory/tool
// preparation, the bounded tool-use iteration loop, and both a synchronous
// Run and a streaming RunStream entry point.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/rakunlabs/brain/internal/memory"
	"github.com/rakunlabs/brain/internal/registry"
	"github.com/rakunlabs/brain/internal/router"
	"github.com/rakunlabs/brain/internal/store"
)

// maxToolIterations bounds the tool-use loop per request.
const maxToolIterations = 10

// toolResultSummaryLen truncates a tool_result stream event's summary text.
const toolResultSummaryLen = 200

// Chatter is the narrow Model Router surface the agent loop needs.
type Chatter interface {
	Chat(ctx context.Context, role string, messages []router.Message, tools []router.Tool) (*router.LLMResponse, error)
	ChatStream(ctx context.Context, role string, messages []router.Message, tools []router.Tool) (<-chan router.StreamChunk, http.Header, error)
}

// Memories is the narrow Memory Service surface the agent loop needs.
type Memories interface {
	Search(ctx context.Context, query string, limit int) ([]memory.Entry, error)
	RecordTurn(ctx context.Context, conversationID, userText, assistantText string)
}

// Tools is the narrow Tool Registry surface the agent loop needs.
type Tools interface {
	Resolve(ctx context.Context) ([]registry.ToolDef, error)
	Execute(ctx context.Context, name string, input map[string]any) (result string, jobID *string, err error)
}

// Result is the outcome of a synchronous Run call.
type Result struct {
	Text           string
	ConversationID string
	JobIDs         []string
	ToolCallCount  int
}

// EventType identifies the kind of stream event yielded by RunStream.
type EventType string

const (
	EventDelta      EventType = "delta"
	EventThinking   EventType = "thinking"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one increment of a streamed agent turn.
type Event struct {
	Type EventType

	// delta
	Text string

	// thinking
	Tool  string
	Input map[string]any

	// tool_result
	Summary string

	// done
	ConversationID string
	JobIDs         []string
	ToolCallCount  int

	// error
	Message string
}

// Loop is the Agent Loop: one instance is shared across all requests.
type Loop struct {
	chatter  Chatter
	memories Memories
	tools    Tools
	store    store.Store

	agentName      string
	personalityDir string

	prompt promptCache
}

// New wires the Agent Loop to its dependencies.
func New(chatter Chatter, memories Memories, tools Tools, st store.Store, agentName, personalityDir string) *Loop {
	return &Loop{
		chatter:        chatter,
		memories:       memories,
		tools:          tools,
		store:          st,
		agentName:      agentName,
		personalityDir: personalityDir,
	}
}

// turnContext is everything the iteration loop needs, assembled once at the
// start of a request from the parallel prompt/memory/tool resolution.
type turnContext struct {
	conversationID string
	systemBlocks   []string
	toolDefs       []registry.ToolDef
	messages       []router.Message
}

func (l *Loop) prepareTurn(ctx context.Context, conversationID, userMessage string) (*turnContext, error) {
	conv, err := l.resolveConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var (
		wg                 sync.WaitGroup
		staticPrompt       string
		memEntries         []memory.Entry
		toolDefs           []registry.ToolDef
		staticErr, memErr, toolErr error
	)

	wg.Add(3)
	go func() { defer wg.Done(); staticPrompt, staticErr = l.staticPrompt(ctx) }()
	go func() { defer wg.Done(); memEntries, memErr = l.memories.Search(ctx, userMessage, 5) }()
	go func() { defer wg.Done(); toolDefs, toolErr = l.tools.Resolve(ctx) }()
	wg.Wait()

	if staticErr != nil {
		return nil, staticErr
	}
	// Memory retrieval and tool resolution recover locally: a turn with
	// empty context or a thinner tool list is better than no turn at all.
	if memErr != nil {
		slog.Warn("agent: memory retrieval failed, continuing without context", "error", memErr)
		memEntries = nil
	}
	if toolErr != nil {
		slog.Warn("agent: tool resolution failed, continuing with partial tool list", "error", toolErr)
	}

	// The dynamic block needs the resolved tool count and must run exactly
	// once per request: delivering an undelivered changelog entry marks it
	// delivered, so a speculative parallel build would consume it.
	dynamicPrompt, err := l.dynamicPrompt(ctx, len(toolDefs))
	if err != nil {
		return nil, err
	}

	systemBlocks := []string{staticPrompt, dynamicPrompt}
	if len(memEntries) > 0 {
		var sb strings.Builder
		sb.WriteString("## Relevant memories\n\n")
		for _, e := range memEntries {
			fmt.Fprintf(&sb, "- (%s) %s\n", e.Category, e.Content)
		}
		systemBlocks = append(systemBlocks, sb.String())
	}

	history, err := l.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("agent: load conversation history: %w", err)
	}

	messages := make([]router.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, router.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, router.Message{Role: "user", Content: userMessage})

	return &turnContext{
		conversationID: conv.ID,
		systemBlocks:   systemBlocks,
		messages:       messages,
		toolDefs:       toolDefs,
	}, nil
}

func (l *Loop) resolveConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	if conversationID != "" {
		conv, err := l.store.GetConversation(ctx, conversationID)
		if err == nil && conv != nil {
			return conv, nil
		}
	}

	conv, err := l.store.CreateConversation(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("agent: create conversation: %w", err)
	}
	if _, err := l.store.GetOrCreateMemoryState(ctx, conv.ID); err != nil {
		return nil, fmt.Errorf("agent: init memory state: %w", err)
	}
	return conv, nil
}

func toRouterTools(defs []registry.ToolDef) []router.Tool {
	out := make([]router.Tool, len(defs))
	for i, d := range defs {
		out[i] = router.Tool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return out
}

// Run executes a request synchronously to completion.
func (l *Loop) Run(ctx context.Context, conversationID, userMessage string) (*Result, error) {
	tc, err := l.prepareTurn(ctx, conversationID, userMessage)
	if err != nil {
		return nil, err
	}

	tools := toRouterTools(tc.toolDefs)

	system := strings.Join(tc.systemBlocks, "\n\n")
	messages := tc.messages

	var jobIDs []string
	var toolCallCount int
	var finalText string

	for i := 0; i < maxToolIterations; i++ {
		messages = withSystem(messages, system)

		resp, err := l.chatter.Chat(ctx, "agent", messages, tools)
		if err != nil {
			return nil, fmt.Errorf("agent: model call failed: %w", err)
		}

		assistantBlocks := buildAssistantBlocks(resp)
		messages = append(messages, router.Message{Role: "assistant", Content: assistantBlocks})

		if resp.Finished {
			finalText = resp.Content
			l.persistTurn(ctx, tc.conversationID, userMessage, finalText)
			return &Result{
				Text:           finalText,
				ConversationID: tc.conversationID,
				JobIDs:         jobIDs,
				ToolCallCount:  toolCallCount,
			}, nil
		}

		resultBlocks := make([]router.ContentBlock, 0, len(resp.ToolCalls))
		for _, tc2 := range resp.ToolCalls {
			toolCallCount++
			result, jobID, err := l.tools.Execute(ctx, tc2.Name, tc2.Arguments)
			if err != nil {
				result = fmt.Sprintf("Error: %v", err)
			}
			if jobID != nil {
				jobIDs = append(jobIDs, *jobID)
			}
			resultBlocks = append(resultBlocks, router.ContentBlock{
				Type:      "tool_result",
				ToolUseID: tc2.ID,
				Content:   redactSensitive(result),
			})
		}
		messages = append(messages, router.Message{Role: "user", Content: resultBlocks})
	}

	finalText = "Reached maximum tool-use iterations"
	l.persistTurn(ctx, tc.conversationID, userMessage, finalText)
	return &Result{
		Text:           finalText,
		ConversationID: tc.conversationID,
		JobIDs:         jobIDs,
		ToolCallCount:  toolCallCount,
	}, nil
}

// withSystem rebuilds the message slice with a leading system message,
// replacing any previous one.
func withSystem(messages []router.Message, system string) []router.Message {
	if len(messages) > 0 && messages[0].Role == "system" {
		messages[0] = router.Message{Role: "system", Content: system}
		return messages
	}
	return append([]router.Message{{Role: "system", Content: system}}, messages...)
}

func buildAssistantBlocks(resp *router.LLMResponse) []router.ContentBlock {
	var blocks []router.ContentBlock
	if resp.Content != "" {
		blocks = append(blocks, router.ContentBlock{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, router.ContentBlock{
			Type:             "tool_use",
			ID:               tc.ID,
			Name:             tc.Name,
			Input:            tc.Arguments,
			ThoughtSignature: tc.ThoughtSignature,
		})
	}
	return blocks
}

// persistTurn writes the user + assistant turn and fires the memory
// workers. Only reached for a turn that actually completed (successfully
// or by exhausting iterations); a model-call error returns before this
// point and persists nothing.
func (l *Loop) persistTurn(ctx context.Context, conversationID, userText, assistantText string) {
	if _, err := l.store.AppendMessage(ctx, conversationID, "user", userText); err != nil {
		return
	}
	if _, err := l.store.AppendMessage(ctx, conversationID, "assistant", assistantText); err != nil {
		return
	}
	l.memories.RecordTurn(ctx, conversationID, userText, assistantText)
}
