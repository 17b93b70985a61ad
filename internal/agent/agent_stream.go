package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/brain/internal/router"
)

// RunStream executes a request as a lazy sequence of stream events.
// The returned channel is closed after a done or error event.
func (l *Loop) RunStream(ctx context.Context, conversationID, userMessage string) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		tc, err := l.prepareTurn(ctx, conversationID, userMessage)
		if err != nil {
			events <- Event{Type: EventError, Message: err.Error()}
			return
		}

		tools := toRouterTools(tc.toolDefs)
		system := strings.Join(tc.systemBlocks, "\n\n")
		messages := tc.messages

		var jobIDs []string
		var toolCallCount int
		var finalText string

		for i := 0; i < maxToolIterations; i++ {
			messages = withSystem(messages, system)

			chunks, _, err := l.chatter.ChatStream(ctx, "agent", messages, tools)
			if err != nil {
				events <- Event{Type: EventError, Message: fmt.Sprintf("model call failed: %v", err)}
				return
			}

			var content string
			var toolCalls []router.ToolCall
			var streamErr error
			for chunk := range chunks {
				if chunk.Error != nil {
					streamErr = chunk.Error
					break
				}
				if chunk.Content != "" {
					content += chunk.Content
					events <- Event{Type: EventDelta, Text: chunk.Content}
				}
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if streamErr != nil {
				events <- Event{Type: EventError, Message: fmt.Sprintf("model call failed: %v", streamErr)}
				return
			}

			finished := len(toolCalls) == 0

			assistantBlocks := buildAssistantBlocks(&router.LLMResponse{Content: content, ToolCalls: toolCalls})
			messages = append(messages, router.Message{Role: "assistant", Content: assistantBlocks})

			if finished {
				finalText = content
				l.persistTurn(ctx, tc.conversationID, userMessage, finalText)
				events <- Event{
					Type:           EventDone,
					ConversationID: tc.conversationID,
					JobIDs:         jobIDs,
					ToolCallCount:  toolCallCount,
				}
				return
			}

			resultBlocks := make([]router.ContentBlock, 0, len(toolCalls))
			for _, call := range toolCalls {
				toolCallCount++
				events <- Event{Type: EventThinking, Tool: call.Name, Input: call.Arguments}

				result, jobID, err := l.tools.Execute(ctx, call.Name, call.Arguments)
				if err != nil {
					result = fmt.Sprintf("Error: %v", err)
				}
				if jobID != nil {
					jobIDs = append(jobIDs, *jobID)
				}

				result = redactSensitive(result)
				events <- Event{Type: EventToolResult, Tool: call.Name, Summary: truncate(result, toolResultSummaryLen)}

				resultBlocks = append(resultBlocks, router.ContentBlock{
					Type:      "tool_result",
					ToolUseID: call.ID,
					Content:   result,
				})
			}
			messages = append(messages, router.Message{Role: "user", Content: resultBlocks})
		}

		finalText = "Reached maximum tool-use iterations"
		l.persistTurn(ctx, tc.conversationID, userMessage, finalText)
		events <- Event{
			Type:           EventDone,
			ConversationID: tc.conversationID,
			JobIDs:         jobIDs,
			ToolCallCount:  toolCallCount,
		}
	}()

	return events
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
