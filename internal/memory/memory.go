// Package memory implements the Memory Service: a vector-store-backed
// store/search/remove API over semantic memory entries, approximate
// conversation token accounting, and the observer/reflector triggers that
// fire from the agent loop after every assistant turn.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rakunlabs/brain/internal/config"
	"github.com/rakunlabs/brain/internal/router"
	"github.com/rakunlabs/brain/internal/store"
)

// Entry is a memory entry as returned by Search, combining the vector
// store's similarity score with the metadata mirrored in the state store.
type Entry struct {
	ID       string
	Content  string
	Category string
	Score    float32
}

// Chatter is the narrow Model Router surface the observer needs: a single
// non-streaming call under the "observer" role. Passed in at construction
// rather than importing the whole router package's concrete type.
type Chatter interface {
	Chat(ctx context.Context, role string, messages []router.Message, tools []router.Tool) (*router.LLMResponse, error)
}

// Service is the Memory Service.
type Service struct {
	store    store.Store
	vectors  *VectorStore
	embedder *Embedder
	chatter  Chatter

	minScore           float32
	observerThreshold  int
	reflectorThreshold int

	enc *tiktoken.Tiktoken
}

// New wires the Memory Service to its vector store, embedder and state
// store. chatter may be nil if the observer should stay disabled (e.g. in
// tests); in that case the observer trigger logs and skips extraction.
func New(cfg config.Memory, st store.Store, vs *VectorStore, emb *Embedder, chatter Chatter) *Service {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("memory: failed to load tiktoken encoding, falling back to word-count approximation", "error", err)
		enc = nil
	}

	return &Service{
		store:              st,
		vectors:            vs,
		embedder:           emb,
		chatter:            chatter,
		minScore:           cfg.MinScore,
		observerThreshold:  cfg.ObserverThreshold,
		reflectorThreshold: cfg.ReflectorThreshold,
		enc:                enc,
	}
}

const defaultCategory = "general"

// Store embeds content and persists it in both the vector store and the
// metadata table. Rejects on embedder failure.
func (s *Service) Store(ctx context.Context, content, category string) (*Entry, error) {
	if category == "" {
		category = defaultCategory
	}

	vector, err := s.embedder.EmbedDocument(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("memory store: embed: %w", err)
	}

	meta, err := s.store.CreateMemoryEntryMeta(ctx, content, category)
	if err != nil {
		return nil, fmt.Errorf("memory store: persist metadata: %w", err)
	}

	if err := s.vectors.Insert(ctx, meta.ID, content, category, vector); err != nil {
		return nil, fmt.Errorf("memory store: insert vector: %w", err)
	}

	return &Entry{ID: meta.ID, Content: content, Category: category}, nil
}

// Search embeds query and returns up to limit entries ordered by descending
// similarity, filtered to scores at or above the configured minimum.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory search: embed query: %w", err)
	}

	hits, err := s.vectors.Search(ctx, vector, limit, "")
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	out := make([]Entry, 0, len(hits))
	for _, h := range hits {
		if h.Score < s.minScore {
			continue
		}
		out = append(out, Entry{ID: h.ID, Content: h.Content, Category: h.Category, Score: h.Score})
	}

	return out, nil
}

// Remove deletes an entry from both stores.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.vectors.Delete(ctx, id); err != nil {
		return fmt.Errorf("memory remove: vector: %w", err)
	}
	return s.store.DeleteMemoryEntryMeta(ctx, id)
}

// ApproxTokenCount estimates the token count of text using the same
// tokenizer family the router's usage accounting assumes, falling back to
// a word-count heuristic if the encoder failed to load.
func (s *Service) ApproxTokenCount(text string) int {
	if s.enc == nil {
		return len(text) / 4
	}
	return len(s.enc.Encode(text, nil, nil))
}

// RecordTurn is called by the agent loop after every assistant turn. It
// increments the conversation's memory-state counters under the optimistic
// lock and fires the observer/reflector triggers if their thresholds are
// crossed. Both triggers are fire-and-forget: failures are logged only,
// never surfaced to the caller.
func (s *Service) RecordTurn(ctx context.Context, conversationID, userText, assistantText string) {
	tokens := s.ApproxTokenCount(userText) + s.ApproxTokenCount(assistantText)

	state, err := s.store.GetOrCreateMemoryState(ctx, conversationID)
	if err != nil {
		slog.Error("memory: failed to load memory state", "conversationId", conversationID, "error", err)
		return
	}

	updated, err := s.store.UpdateMemoryState(ctx, conversationID, state.Version, func(ms *store.MemoryState) {
		ms.UnobservedTokenCount += tokens
		ms.TurnsSinceReflection++
	})
	if err != nil {
		// Optimistic-lock contention: another in-flight request updated the
		// row first. The caller re-reads on its own next turn; nothing to
		// retry here since this accounting is best-effort.
		slog.Warn("memory: turn accounting lost a race, skipping this turn", "conversationId", conversationID, "error", err)
		return
	}

	if updated.UnobservedTokenCount >= s.observerThreshold {
		go s.runObserver(context.Background(), conversationID, *updated)
	}
	if updated.TurnsSinceReflection >= s.reflectorThreshold {
		go s.runReflector(context.Background(), conversationID, *updated)
	}
}

// runObserver extracts candidate long-term facts from the recent
// conversational window via the cheaper "observer" model role and writes
// surviving ones via Store. Resets unobserved_token_count under the
// optimistic lock on success.
func (s *Service) runObserver(ctx context.Context, conversationID string, state store.MemoryState) {
	if s.chatter == nil {
		slog.Debug("memory: observer triggered but no chatter configured, skipping", "conversationId", conversationID)
		return
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		slog.Error("memory: observer: failed to load messages", "conversationId", conversationID, "error", err)
		return
	}

	window := recentWindow(messages, 20)
	if len(window) == 0 {
		return
	}

	prompt := buildObserverPrompt(window)
	resp, err := s.chatter.Chat(ctx, "observer", []router.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		slog.Error("memory: observer call failed", "conversationId", conversationID, "error", err)
		return
	}

	candidates := parseObserverCandidates(resp.Content)
	for _, c := range candidates {
		if _, err := s.Store(ctx, c.Content, c.Category); err != nil {
			slog.Error("memory: observer: failed to store candidate", "error", err)
		}
	}

	if _, err := s.store.UpdateMemoryState(ctx, conversationID, state.Version, func(ms *store.MemoryState) {
		ms.UnobservedTokenCount = 0
		now := time.Now().UTC()
		ms.LastObserverAt = &now
	}); err != nil {
		slog.Warn("memory: observer: reset lost a race, will retry at next threshold crossing", "conversationId", conversationID, "error", err)
	}
}

// runReflector is the reflector trigger: the
// compaction algorithm for older conversational state is left to a future
// implementation. The conservative default is a no-op that only logs that
// reflection was due and clears the counter so it doesn't fire every turn.
func (s *Service) runReflector(ctx context.Context, conversationID string, state store.MemoryState) {
	slog.Info("memory: reflection due (no-op: compaction policy unimplemented)", "conversationId", conversationID, "turnsSinceReflection", state.TurnsSinceReflection)

	if _, err := s.store.UpdateMemoryState(ctx, conversationID, state.Version, func(ms *store.MemoryState) {
		ms.TurnsSinceReflection = 0
		now := time.Now().UTC()
		ms.LastReflectorAt = &now
	}); err != nil {
		slog.Warn("memory: reflector: reset lost a race", "conversationId", conversationID, "error", err)
	}
}

// observerCandidate is one fact the observer proposes to persist.
type observerCandidate struct {
	Content  string
	Category string
}

func recentWindow(messages []store.Message, n int) []store.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func buildObserverPrompt(window []store.Message) string {
	prompt := "Extract any durable facts about the user worth remembering long-term " +
		"from this conversation window. Reply with one fact per line, each line " +
		"formatted as \"category: fact\". If nothing is worth remembering, reply " +
		"with an empty response.\n\n"
	for _, m := range window {
		prompt += m.Role + ": " + m.Content + "\n"
	}
	return prompt
}

func parseObserverCandidates(text string) []observerCandidate {
	var out []observerCandidate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		category, content, ok := strings.Cut(line, ":")
		if !ok {
			out = append(out, observerCandidate{Content: line, Category: defaultCategory})
			continue
		}
		out = append(out, observerCandidate{Content: strings.TrimSpace(content), Category: strings.TrimSpace(category)})
	}
	return out
}
