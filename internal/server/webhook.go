package server

import (
	"fmt"
	"net/http"

	"github.com/rakunlabs/brain/internal/registry"
)

// handleWebhook implements POST /hooks/:plugin: an arbitrary
// TriggerEvent forwarded to the named plugin's OnTrigger, if it implements
// Triggerable.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("plugin")

	p, ok := s.registry.Plugin(name)
	if !ok {
		httpResponse(w, fmt.Sprintf("plugin %q not found", name), http.StatusNotFound)
		return
	}

	triggerable, ok := p.(registry.Triggerable)
	if !ok {
		httpResponse(w, fmt.Sprintf("plugin %q does not accept webhook triggers", name), http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := decodeJSON(r, &payload); err != nil {
		httpResponse(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	result, err := triggerable.OnTrigger(r.Context(), registry.TriggerEvent{Plugin: name, Payload: payload})
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, map[string]any{"result": result}, http.StatusOK)
}
