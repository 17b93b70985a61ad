package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rakunlabs/brain/internal/dispatcher"
	"github.com/rakunlabs/brain/internal/memory"
	"github.com/rakunlabs/brain/internal/store"
)

// JobDispatcher is the narrow Dispatcher surface the built-in job tools
// need, passed in at construction to avoid an import cycle.
type JobDispatcher interface {
	Dispatch(ctx context.Context, jobType, source string, spec dispatcher.JobSpec) (string, error)
}

// TaskDispatcher is the narrow Ephemeral Task Manager surface the
// dispatch_task_pod built-in needs.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, recipe, toolbox, mode, goal string, mounts []string, timeoutSeconds int) (taskID string, err error)
}

// SystemInfo is what get_system_info reports back to the model.
type SystemInfo struct {
	AgentName string
	Version   string
	StartedAt time.Time
}

// RegisterBuiltins wires the always-present built-in tool set
// into the registry: job dispatch/status, memory CRUD, skill management,
// tool-registry search, system info, and ephemeral task/companion dispatch.
func RegisterBuiltins(r *Registry, st store.Store, jobs JobDispatcher, mem *memory.Service, tasks TaskDispatcher, info SystemInfo) {
	r.RegisterBuiltin(ToolDef{
		Name:        "dispatch_job",
		Description: "Dispatch an asynchronous job (command, http request, or sub-agent conversation) to a worker and return its job id immediately.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":    map[string]any{"type": "string", "enum": []string{"command", "http", "agent"}},
				"command": map[string]any{"type": "string"},
				"url":     map[string]any{"type": "string"},
				"method":  map[string]any{"type": "string"},
				"headers": map[string]any{"type": "object"},
				"job":     map[string]any{"type": "object"},
			},
			"required": []string{"type"},
		},
	}, dispatchJobHandler(jobs, "agent"))

	r.RegisterBuiltin(ToolDef{
		Name:        "get_job_status",
		Description: "Look up the current status and result of a previously dispatched job.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"jobId": map[string]any{"type": "string"}},
			"required":   []string{"jobId"},
		},
	}, getJobStatusHandler(st))

	r.RegisterBuiltin(ToolDef{
		Name:        "list_jobs",
		Description: "List recently dispatched jobs and their statuses.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, listJobsHandler(st))

	r.RegisterBuiltin(ToolDef{
		Name:        "memory_store",
		Description: "Persist a fact or note as a long-term memory entry.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content":  map[string]any{"type": "string"},
				"category": map[string]any{"type": "string"},
			},
			"required": []string{"content"},
		},
	}, memoryStoreHandler(mem))

	r.RegisterBuiltin(ToolDef{
		Name:        "memory_search",
		Description: "Search long-term memory for entries relevant to a query.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		},
	}, memorySearchHandler(mem))

	r.RegisterBuiltin(ToolDef{
		Name:        "memory_delete",
		Description: "Delete a long-term memory entry by id.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "string"}},
			"required":   []string{"id"},
		},
	}, memoryDeleteHandler(mem))

	r.RegisterBuiltin(ToolDef{
		Name:        "manage_skill",
		Description: "Create, update, delete, enable or disable an agent-owned skill. System-owned skills cannot be modified; agents cannot create sidecar-tier skills.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action":      map[string]any{"type": "string", "enum": []string{"create", "update", "delete", "enable", "disable"}},
				"id":          map[string]any{"type": "string"},
				"name":        map[string]any{"type": "string"},
				"tier":        map[string]any{"type": "string", "enum": []string{"instruction", "stdio", "service"}},
				"description": map[string]any{"type": "string"},
				"config":      map[string]any{"type": "string"},
			},
			"required": []string{"action"},
		},
	}, manageSkillHandler(st, r))

	r.RegisterBuiltin(ToolDef{
		Name:        "list_skills",
		Description: "List every registered skill, its tier, owner, and enabled state.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, listSkillsHandler(st))

	r.RegisterBuiltin(ToolDef{
		Name:        "search_registry",
		Description: "Search the names and descriptions of every currently resolvable tool for a keyword.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	}, searchRegistryHandler(r))

	r.RegisterBuiltin(ToolDef{
		Name:        "get_system_info",
		Description: "Report the agent's name, build version, uptime, and runtime counts.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, getSystemInfoHandler(info))

	r.RegisterBuiltin(ToolDef{
		Name:        "dispatch_task_pod",
		Description: "Dispatch an isolated, ephemeral task pod to run a recipe or free-form goal in a sandboxed workload.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recipe":  map[string]any{"type": "string"},
				"toolbox": map[string]any{"type": "string"},
				"mode":    map[string]any{"type": "string", "enum": []string{"agent", "script"}},
				"goal":    map[string]any{"type": "string"},
				"mounts":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"timeout": map[string]any{"type": "integer"},
			},
			"required": []string{"toolbox", "mode", "goal"},
		},
	}, dispatchTaskPodHandler(tasks))

	r.RegisterBuiltin(ToolDef{
		Name:        "dispatch_companion",
		Description: "Delegate a goal to a companion sub-agent conversation and return its job id; use for work that benefits from its own tool-use loop rather than inline tool calls.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"goal": map[string]any{"type": "string"}},
			"required":   []string{"goal"},
		},
	}, dispatchJobHandler(jobs, "companion"))
}

func asString(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func asInt(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func dispatchJobHandler(jobs JobDispatcher, source string) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		if goal := asString(input, "goal"); goal != "" && input["type"] == nil {
			// dispatch_companion's shape: a goal, not a raw job/command/url.
			input = map[string]any{"type": "agent", "job": map[string]any{"goal": goal}}
		}

		spec := dispatcher.JobSpec{
			Command: asString(input, "command"),
			URL:     asString(input, "url"),
			Method:  asString(input, "method"),
		}
		if job, ok := input["job"].(map[string]any); ok {
			spec.Job = job
		}
		if headers, ok := input["headers"].(map[string]any); ok {
			spec.Headers = make(map[string]string, len(headers))
			for k, v := range headers {
				spec.Headers[k], _ = v.(string)
			}
		}

		jobType := asString(input, "type")
		if jobType == "" {
			jobType = store.JobTypeAgent
		}

		jobID, err := jobs.Dispatch(ctx, jobType, source, spec)
		if err != nil {
			return "", nil, fmt.Errorf("dispatch job: %w", err)
		}
		return fmt.Sprintf("Dispatched job %s", jobID), &jobID, nil
	}
}

func getJobStatusHandler(st store.Store) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		jobID := asString(input, "jobId")
		if jobID == "" {
			return "", nil, fmt.Errorf("get_job_status: jobId is required")
		}
		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			return "", nil, fmt.Errorf("get job %q: %w", jobID, err)
		}
		return summarizeJSON(job), nil, nil
	}
}

func listJobsHandler(st store.Store) Handler {
	return func(ctx context.Context, _ map[string]any) (string, *string, error) {
		jobs, err := st.ListJobs(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("list jobs: %w", err)
		}
		return summarizeJSON(jobs), nil, nil
	}
}

func memoryStoreHandler(mem *memory.Service) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		content := asString(input, "content")
		if content == "" {
			return "", nil, fmt.Errorf("memory_store: content is required")
		}
		entry, err := mem.Store(ctx, content, asString(input, "category"))
		if err != nil {
			return "", nil, fmt.Errorf("memory store: %w", err)
		}
		return fmt.Sprintf("Stored memory %s", entry.ID), nil, nil
	}
}

func memorySearchHandler(mem *memory.Service) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		query := asString(input, "query")
		if query == "" {
			return "", nil, fmt.Errorf("memory_search: query is required")
		}
		entries, err := mem.Search(ctx, query, asInt(input, "limit", 5))
		if err != nil {
			return "", nil, fmt.Errorf("memory search: %w", err)
		}
		return summarizeJSON(entries), nil, nil
	}
}

func memoryDeleteHandler(mem *memory.Service) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		id := asString(input, "id")
		if id == "" {
			return "", nil, fmt.Errorf("memory_delete: id is required")
		}
		if err := mem.Remove(ctx, id); err != nil {
			return "", nil, fmt.Errorf("memory remove: %w", err)
		}
		return fmt.Sprintf("Deleted memory %s", id), nil, nil
	}
}

// manageSkillHandler implements skill self-management under the single
// always-present built-in name: an agent may only touch rows it owns, and
// may never create a sidecar-tier skill (reserved for system-installed
// HTTP sidecars).
func manageSkillHandler(st store.Store, r *Registry) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		action := asString(input, "action")

		switch action {
		case "create":
			tier := asString(input, "tier")
			if tier == store.SkillTierSidecar {
				return "", nil, fmt.Errorf("manage_skill: agents may not create sidecar-tier skills")
			}
			sk, err := st.CreateSkill(ctx, store.SkillRow{
				Name:        asString(input, "name"),
				Tier:        tier,
				Description: asString(input, "description"),
				Config:      asString(input, "config"),
				Owner:       store.SkillOwnerAgent,
				Enabled:     true,
			})
			if err != nil {
				return "", nil, fmt.Errorf("create skill: %w", err)
			}
			r.InvalidateCache()
			return fmt.Sprintf("Created skill %s", sk.ID), nil, nil

		case "update", "enable", "disable":
			id := asString(input, "id")
			if id == "" {
				return "", nil, fmt.Errorf("manage_skill: id is required for %q", action)
			}
			sk, err := st.GetSkill(ctx, id)
			if err != nil {
				return "", nil, fmt.Errorf("get skill %q: %w", id, err)
			}
			if sk.Owner != store.SkillOwnerAgent {
				return "", nil, fmt.Errorf("manage_skill: skill %q is system-owned and cannot be modified", id)
			}

			switch action {
			case "enable":
				sk.Enabled = true
			case "disable":
				sk.Enabled = false
			case "update":
				if desc := asString(input, "description"); desc != "" {
					sk.Description = desc
				}
				if cfg := asString(input, "config"); cfg != "" {
					sk.Config = cfg
				}
			}

			if _, err := st.UpdateSkill(ctx, *sk); err != nil {
				return "", nil, fmt.Errorf("update skill %q: %w", id, err)
			}
			r.ReconnectSkill(id)
			return fmt.Sprintf("Updated skill %s", id), nil, nil

		case "delete":
			id := asString(input, "id")
			if id == "" {
				return "", nil, fmt.Errorf("manage_skill: id is required for delete")
			}
			sk, err := st.GetSkill(ctx, id)
			if err != nil {
				return "", nil, fmt.Errorf("get skill %q: %w", id, err)
			}
			if sk.Owner != store.SkillOwnerAgent {
				return "", nil, fmt.Errorf("manage_skill: skill %q is system-owned and cannot be deleted", id)
			}
			if err := st.DeleteSkill(ctx, id); err != nil {
				return "", nil, fmt.Errorf("delete skill %q: %w", id, err)
			}
			r.ReconnectSkill(id)
			return fmt.Sprintf("Deleted skill %s", id), nil, nil

		default:
			return "", nil, fmt.Errorf("manage_skill: unknown action %q", action)
		}
	}
}

func listSkillsHandler(st store.Store) Handler {
	return func(ctx context.Context, _ map[string]any) (string, *string, error) {
		skills, err := st.ListSkills(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("list skills: %w", err)
		}
		return summarizeJSON(skills), nil, nil
	}
}

func searchRegistryHandler(r *Registry) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		query := asString(input, "query")
		defs, err := r.Resolve(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("search registry: %w", err)
		}

		var matches []ToolDef
		for _, d := range defs {
			if query == "" || containsFold(d.Name, query) || containsFold(d.Description, query) {
				matches = append(matches, d)
			}
		}
		return summarizeJSON(matches), nil, nil
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func getSystemInfoHandler(info SystemInfo) Handler {
	return func(ctx context.Context, _ map[string]any) (string, *string, error) {
		out := map[string]any{
			"agentName":  info.AgentName,
			"version":    info.Version,
			"uptime":     time.Since(info.StartedAt).String(),
			"goroutines": runtime.NumGoroutine(),
		}
		return summarizeJSON(out), nil, nil
	}
}

func dispatchTaskPodHandler(tasks TaskDispatcher) Handler {
	return func(ctx context.Context, input map[string]any) (string, *string, error) {
		if tasks == nil {
			return "", nil, fmt.Errorf("dispatch_task_pod: ephemeral task manager is not configured")
		}

		var mounts []string
		if raw, ok := input["mounts"].([]any); ok {
			for _, m := range raw {
				if s, ok := m.(string); ok {
					mounts = append(mounts, s)
				}
			}
		}

		taskID, err := tasks.Dispatch(ctx,
			asString(input, "recipe"),
			asString(input, "toolbox"),
			asString(input, "mode"),
			asString(input, "goal"),
			mounts,
			asInt(input, "timeout", 1800),
		)
		if err != nil {
			return "", nil, fmt.Errorf("dispatch task pod: %w", err)
		}
		return fmt.Sprintf("Dispatched task pod %s", taskID), &taskID, nil
	}
}

func summarizeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
