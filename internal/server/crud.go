package server

import (
	"fmt"
	"net/http"

	"github.com/rakunlabs/brain/internal/store"
)

// ─── Conversations ───

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, convs, http.StatusOK)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), body.Title)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, conv, http.StatusCreated)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponseJSON(w, conv, http.StatusOK)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Messages ───

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	msgs, err := s.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponseJSON(w, msgs, http.StatusOK)
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	msg, err := s.store.AppendMessage(r.Context(), conversationID, body.Role, body.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponseJSON(w, msg, http.StatusCreated)
}

// ─── Jobs ───
// Read-only: jobs are created by the dispatcher, never over HTTP.

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, jobs, http.StatusOK)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponseJSON(w, job, http.StatusOK)
}

// ─── Memories ───

func (s *Server) searchMemories(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 10

	entries, err := s.memory.Search(r.Context(), query, limit)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, entries, http.StatusOK)
}

func (s *Server) createMemory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	entry, err := s.memory.Store(r.Context(), body.Content, body.Category)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, entry, http.StatusCreated)
}

func (s *Server) deleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.memory.Remove(r.Context(), id); err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Secrets ───
// Values never round-trip in full over HTTP: list/get always mask.

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecretsMasked(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, secrets, http.StatusOK)
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	secret, err := s.store.PutSecret(r.Context(), body.Key, body.Value)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, secret, http.StatusOK)
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.store.DeleteSecret(r.Context(), key); err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// restartSecrets implements POST /secrets/restart: a rolling restart of
// downstream workloads after a secret rotation. What "downstream workloads"
// means is deployment-specific; the hook is left to whatever the deployer
// wires in (e.g. a task-pod recipe, a process manager call).
func (s *Server) restartSecrets(w http.ResponseWriter, r *http.Request) {
	if s.restarter == nil {
		httpResponse(w, "no restart hook configured", http.StatusNotImplemented)
		return
	}
	if err := s.restarter(r.Context()); err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "restart triggered", http.StatusOK)
}

// ─── Skills ───

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.store.ListSkills(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, skills, http.StatusOK)
}

func (s *Server) createSkill(w http.ResponseWriter, r *http.Request) {
	var sk store.SkillRow
	if err := decodeJSON(r, &sk); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	created, err := s.store.CreateSkill(r.Context(), sk)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.registry.InvalidateCache()
	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) updateSkill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var sk store.SkillRow
	if err := decodeJSON(r, &sk); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	sk.ID = id

	updated, err := s.store.UpdateSkill(r.Context(), sk)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.registry.InvalidateCache()
	s.registry.ReconnectSkill(id)
	httpResponseJSON(w, updated, http.StatusOK)
}

func (s *Server) deleteSkill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSkill(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.registry.InvalidateCache()
	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Schedules ───

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		httpResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	httpResponseJSON(w, schedules, http.StatusOK)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sc store.ScheduleRow
	if err := decodeJSON(r, &sc); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	created, err := s.scheduler.Create(r.Context(), sc)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var sc store.ScheduleRow
	if err := decodeJSON(r, &sc); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	sc.ID = id

	updated, err := s.scheduler.Update(r.Context(), sc)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Models config ───
// A thin read/hot-reload surface over the Model Router's provider
// registry; secrets are never echoed back, only the provider
// key/type/model list.

func (s *Server) getModelsConfig(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{
		"providers": s.router.Providers(),
		"roles":     s.router.Roles(),
	}, http.StatusOK)
}

func (s *Server) putModelsConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var cfg providerConfigBody
	if err := decodeJSON(r, &cfg); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.router.AddProvider(key, cfg.toConfig()); err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	httpResponse(w, "provider configured", http.StatusOK)
}

func (s *Server) deleteModelsConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.router.RemoveProvider(key)
	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Voice config ───
// The voice pipeline itself is out of scope; what
// the HTTP Surface owns here is just the config blob a voice relay reads
// on startup, held in memory for the lifetime of this process.

func (s *Server) getVoiceConfig(w http.ResponseWriter, r *http.Request) {
	s.voiceConfigMu.RLock()
	defer s.voiceConfigMu.RUnlock()
	httpResponseJSON(w, s.voiceConfig, http.StatusOK)
}

func (s *Server) putVoiceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg map[string]any
	if err := decodeJSON(r, &cfg); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	s.voiceConfigMu.Lock()
	s.voiceConfig = cfg
	s.voiceConfigMu.Unlock()

	httpResponse(w, "updated", http.StatusOK)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if err == store.ErrNotFound {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}
	if err == store.ErrVersionConflict {
		httpResponse(w, "version conflict", http.StatusConflict)
		return
	}
	httpResponse(w, err.Error(), http.StatusInternalServerError)
}
