package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/brain/internal/agent"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type chatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId"`
}

// handleChat implements POST /chat: the synchronous tool-use loop.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		httpResponse(w, "message is required", http.StatusBadRequest)
		return
	}

	result, err := s.loop.Run(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, chatResponse{
		Response:       result.Text,
		ConversationID: result.ConversationID,
	}, http.StatusOK)
}

// streamEvent is the SSE wire shape for one agent.Event.
type streamEvent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Tool  string         `json:"tool,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	Summary string `json:"summary,omitempty"`

	ConversationID string   `json:"conversationId,omitempty"`
	JobIDs         []string `json:"jobIds,omitempty"`
	ToolCallCount  int      `json:"toolCallCount,omitempty"`

	Message string `json:"message,omitempty"`
}

func toStreamEvent(e agent.Event) streamEvent {
	return streamEvent{
		Type:           string(e.Type),
		Text:           e.Text,
		Tool:           e.Tool,
		Input:          e.Input,
		Summary:        e.Summary,
		ConversationID: e.ConversationID,
		JobIDs:         e.JobIDs,
		ToolCallCount:  e.ToolCallCount,
		Message:        e.Message,
	}
}

// handleChatStream implements POST /chat/stream: an SSE relay of the
// Agent Loop's stream events, one data line per event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		httpResponse(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpResponse(w, "streaming not supported by this server", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := s.loop.RunStream(r.Context(), req.ConversationID, req.Message)
	for e := range events {
		writeSSEEvent(w, flusher, toStreamEvent(e))
		if e.Type == agent.EventDone || e.Type == agent.EventError {
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, e streamEvent) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
