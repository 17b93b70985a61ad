// Package registry implements the unified Tool Registry: a single
// execute(name, input) dispatcher over four tool classes — built-ins,
// self-management (agent-owned skill CRUD), MCP skill tools (stdio or
// streamable-HTTP child servers), and in-process plugins. Each tool source
// is modelled as a variant behind a uniform interface.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rakunlabs/brain/internal/store"
	"github.com/rakunlabs/brain/pkg/mcp"
)

// ToolDef is a JSON-Schema tool definition as surfaced to the Model Router.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Handler implements a built-in or self-management tool. jobID is non-nil
// when the tool dispatched an asynchronous job (e.g. dispatch_job) so the
// agent loop can collect it into the turn's job id list.
type Handler func(ctx context.Context, input map[string]any) (result string, jobID *string, err error)

// Plugin is an in-process module contributing tools to the registry and,
// optionally, reacting to webhook-triggered events.
type Plugin interface {
	Name() string
	Tools() []ToolDef
	Execute(ctx context.Context, tool string, input map[string]any) (string, error)
}

// TriggerEvent is the payload POSTed to /hooks/:plugin.
type TriggerEvent struct {
	Plugin  string
	Payload map[string]any
}

// Triggerable is implemented by plugins that accept webhook events.
type Triggerable interface {
	OnTrigger(ctx context.Context, event TriggerEvent) (string, error)
}

// mcpSkill binds one enabled non-instruction skill to a live MCP client and
// its (lazily fetched, cached) tool list.
type mcpSkill struct {
	skillID string
	client  mcp.Client

	mu    sync.Mutex
	tools []mcp.Tool
	ready bool
}

// Registry aggregates every tool source behind a single dispatcher. Safe
// for concurrent use; mutation paths (skill CRUD, plugin registration)
// invalidate the resolved-tool cache under mu.
type Registry struct {
	store store.Store

	mu sync.RWMutex

	builtins    map[string]Handler
	builtinDefs []ToolDef

	selfMgmt    map[string]Handler
	selfMgmtDefs []ToolDef

	mcpSkills map[string]*mcpSkill // skill id -> client

	// extensions are externally announced MCP servers, bound by extension
	// id. Kept separate from mcpSkills so a skill reload never tears down
	// an extension session and vice versa.
	extensions map[string]*mcpSkill

	plugins       map[string]Plugin // unified plugin layer
	legacyPlugins map[string]Plugin // kept for backward-compatible name lookups

	resolved      []ToolDef
	resolvedValid bool
}

// New constructs an empty Registry; built-ins are registered by the caller
// (typically the agent package's wiring) via RegisterBuiltin /
// RegisterSelfManagement.
func New(st store.Store) *Registry {
	return &Registry{
		store:         st,
		builtins:      make(map[string]Handler),
		selfMgmt:      make(map[string]Handler),
		mcpSkills:     make(map[string]*mcpSkill),
		extensions:    make(map[string]*mcpSkill),
		plugins:       make(map[string]Plugin),
		legacyPlugins: make(map[string]Plugin),
	}
}

// RegisterBuiltin adds a built-in tool.
func (r *Registry) RegisterBuiltin(def ToolDef, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[def.Name] = h
	r.builtinDefs = append(r.builtinDefs, def)
	r.resolvedValid = false
}

// RegisterSelfManagement adds a self-management tool — these take
// precedence over every other tool source on name collision.
func (r *Registry) RegisterSelfManagement(def ToolDef, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfMgmt[def.Name] = h
	r.selfMgmtDefs = append(r.selfMgmtDefs, def)
	r.resolvedValid = false
}

// RegisterPlugin adds an in-process plugin. Name conflicts with an
// already-registered plugin are rejected with a warning.
func (r *Registry) RegisterPlugin(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Name()]; exists {
		slog.Warn("registry: plugin name conflict, ignoring", "plugin", p.Name())
		return fmt.Errorf("plugin %q already registered", p.Name())
	}

	r.plugins[p.Name()] = p
	r.resolvedValid = false
	return nil
}

// Plugin looks up a registered plugin by name, for the /hooks/:plugin
// webhook trigger endpoint.
func (r *Registry) Plugin(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// InvalidateCache clears the resolved-tool-list cache. Called by the
// self-management tools and any skill-mutation path.
func (r *Registry) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvedValid = false
}

// LoadSkills (re)binds an MCP client for every enabled non-instruction
// skill row. Existing clients for skills no longer enabled are closed.
// Instruction-tier skills have no MCP client; the agent's system-prompt
// assembly reads them directly from the store.
func (r *Registry) LoadSkills(ctx context.Context) error {
	rows, err := r.store.ListSkills(ctx)
	if err != nil {
		return fmt.Errorf("registry: load skills: %w", err)
	}

	want := make(map[string]store.SkillRow)
	for _, sk := range rows {
		if sk.Enabled && sk.Tier != store.SkillTierInstruction {
			want[sk.ID] = sk
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ms := range r.mcpSkills {
		if _, ok := want[id]; !ok {
			ms.client.Close()
			delete(r.mcpSkills, id)
		}
	}

	for id, sk := range want {
		if _, ok := r.mcpSkills[id]; ok {
			continue
		}
		client, err := newSkillClient(sk)
		if err != nil {
			slog.Error("registry: failed to bind skill client", "skill", sk.Name, "error", err)
			continue
		}
		r.mcpSkills[id] = &mcpSkill{skillID: id, client: client}
	}

	r.resolvedValid = false
	return nil
}

func newSkillClient(sk store.SkillRow) (mcp.Client, error) {
	switch sk.Tier {
	case store.SkillTierStdio:
		var args []string
		if sk.StdioArgs != "" {
			if err := json.Unmarshal([]byte(sk.StdioArgs), &args); err != nil {
				// Defensive fallback: bad JSON in stdio_args decodes as empty,
				// matching the roundtrip invariant for malformed config columns.
				args = nil
			}
		}
		return mcp.NewStdio(sk.StdioCommand, args)
	case store.SkillTierSidecar, store.SkillTierService:
		if sk.HTTPURL == "" {
			return nil, fmt.Errorf("skill %q: http_url required for tier %q", sk.Name, sk.Tier)
		}
		return mcp.NewHTTP(sk.HTTPURL), nil
	default:
		return nil, fmt.Errorf("skill %q: unsupported tier %q for an MCP client", sk.Name, sk.Tier)
	}
}

// toolNamespace builds the `<skill_id>__<tool_name>` prefix that prevents
// collisions between skills exposing tools of the same name.
func toolNamespace(skillID, toolName string) string {
	return skillID + "__" + toolName
}

func (ms *mcpSkill) resolve(ctx context.Context) ([]mcp.Tool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ready {
		return ms.tools, nil
	}

	if err := ms.client.Initialize(ctx); err != nil {
		return nil, err
	}
	tools, err := ms.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	ms.tools = tools
	ms.ready = true
	return tools, nil
}

func (ms *mcpSkill) invalidate() {
	ms.mu.Lock()
	ms.ready = false
	ms.mu.Unlock()
}

// Resolve returns every tool currently offered by the registry, rebuilding
// and caching the list if it was invalidated since the last call.
func (r *Registry) Resolve(ctx context.Context) ([]ToolDef, error) {
	r.mu.RLock()
	if r.resolvedValid {
		defer r.mu.RUnlock()
		return r.resolved, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock: another goroutine may have rebuilt
	// the cache while this one was waiting.
	if r.resolvedValid {
		return r.resolved, nil
	}

	var out []ToolDef
	out = append(out, r.selfMgmtDefs...)
	out = append(out, r.builtinDefs...)

	for _, group := range []map[string]*mcpSkill{r.mcpSkills, r.extensions} {
		for _, ms := range group {
			tools, err := ms.resolve(ctx)
			if err != nil {
				slog.Warn("registry: failed to resolve skill tools, skipping", "skill", ms.skillID, "error", err)
				continue
			}
			for _, t := range tools {
				out = append(out, ToolDef{
					Name:        toolNamespace(ms.skillID, t.Name),
					Description: t.Description,
					InputSchema: t.InputSchema,
				})
			}
		}
	}

	for _, p := range r.plugins {
		out = append(out, p.Tools()...)
	}
	for _, p := range r.legacyPlugins {
		out = append(out, p.Tools()...)
	}

	r.resolved = out
	r.resolvedValid = true
	return out, nil
}

// Execute dispatches name to whichever tool source binds it, honoring the
// precedence order self-management > unified (skills + plugins) > legacy
// plugin map > built-ins. An unknown tool is not an error: it
// returns "Unknown tool: <name>" as plain tool-result content, visible to
// the model.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (string, *string, error) {
	r.mu.RLock()
	selfHandler, isSelf := r.selfMgmt[name]
	r.mu.RUnlock()
	if isSelf {
		return selfHandler(ctx, input)
	}

	if result, ok, err := r.executeSkillTool(ctx, name, input); ok {
		return result, nil, err
	}

	if result, ok, err := r.executePlugin(ctx, r.plugins, name, input); ok {
		return result, nil, err
	}

	if result, ok, err := r.executePlugin(ctx, r.legacyPlugins, name, input); ok {
		return result, nil, err
	}

	r.mu.RLock()
	builtinHandler, isBuiltin := r.builtins[name]
	r.mu.RUnlock()
	if isBuiltin {
		return builtinHandler(ctx, input)
	}

	return fmt.Sprintf("Unknown tool: %s", name), nil, nil
}

func (r *Registry) executeSkillTool(ctx context.Context, name string, input map[string]any) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, group := range []map[string]*mcpSkill{r.mcpSkills, r.extensions} {
		for id, ms := range group {
			prefix := id + "__"
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			toolName := strings.TrimPrefix(name, prefix)
			result, err := ms.client.CallTool(ctx, toolName, input)
			if err != nil {
				return "", true, err
			}
			return joinToolContent(result), true, nil
		}
	}
	return "", false, nil
}

func (r *Registry) executePlugin(ctx context.Context, plugins map[string]Plugin, name string, input map[string]any) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range plugins {
		for _, t := range p.Tools() {
			if t.Name == name {
				result, err := p.Execute(ctx, name, input)
				return result, true, err
			}
		}
	}
	return "", false, nil
}

func joinToolContent(res *mcp.ToolCallResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range res.Content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// BindExtension opens a streamable-HTTP MCP session to an announced
// extension server and exposes its tools under the <id>__ namespace.
// Rebinding an id replaces the previous session, so an extension that
// dropped offline and reappeared gets a fresh session and tool list.
func (r *Registry) BindExtension(id, mcpURL string) error {
	if id == "" || mcpURL == "" {
		return fmt.Errorf("registry: extension bind needs id and mcp url")
	}

	client := mcp.NewHTTP(mcpURL)

	r.mu.Lock()
	if prev, ok := r.extensions[id]; ok {
		prev.client.Close()
	}
	r.extensions[id] = &mcpSkill{skillID: id, client: client}
	r.resolvedValid = false
	r.mu.Unlock()

	return nil
}

// UnbindExtension drops an extension's session and tools, typically because
// it went offline. Unknown ids are a no-op.
func (r *Registry) UnbindExtension(id string) {
	r.mu.Lock()
	ms, ok := r.extensions[id]
	delete(r.extensions, id)
	r.resolvedValid = false
	r.mu.Unlock()

	if ok {
		ms.client.Close()
	}
}

// ReconnectSkill forces a skill's MCP client to re-fetch its tool list on
// next Resolve, matching the "tool list ... re-fetched on skill mutation or
// reconnection" contract.
func (r *Registry) ReconnectSkill(skillID string) {
	r.mu.RLock()
	ms, ok := r.mcpSkills[skillID]
	r.mu.RUnlock()
	if ok {
		ms.invalidate()
	}
	r.InvalidateCache()
}
