// Package taskpod implements the Ephemeral Task Manager: isolated,
// time-boxed workloads dispatched by an agent to run a recipe or a one-off
// goal away from the main conversation loop. A workload runs under tight
// constraints (read-only rootfs, dropped capabilities, non-root uid, a
// default seccomp profile, cpu/memory caps, an active deadline) and reports
// its outcome back over the bus instead of blocking the caller.
package taskpod

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/brain/internal/bus"
	"github.com/rakunlabs/brain/internal/store"
)

const (
	defaultActiveDeadline = 1800 * time.Second
	postFinishTTL         = 300 * time.Second
)

// GoalRunner executes an agent-mode goal outside the caller's own
// conversation. cmd/brain wires this to a fresh, throwaway conversation on
// the same agent.Loop so task-pod runs never pollute the dispatching
// conversation's history.
type GoalRunner interface {
	Run(ctx context.Context, goal string) (string, error)
}

// Mount is a single granted mount, parsed from the "path[:perm,...]" strings
// the caller supplies (e.g. "/data/reports:write"). Absence of "write" or
// "delete" means the mount is read-only.
type Mount struct {
	Path      string
	Writable  bool
	Deletable bool
}

// ParseMount splits a "path[:perm1,perm2]" request string into a Mount.
func ParseMount(spec string) Mount {
	path, perms, _ := strings.Cut(spec, ":")
	m := Mount{Path: path}
	for _, p := range strings.Split(perms, ",") {
		switch strings.TrimSpace(p) {
		case "write":
			m.Writable = true
		case "delete":
			m.Deletable = true
		}
	}
	return m
}

// WorkloadSpec is the isolated-workload request handed to a
// ContainerOrchestrator. Every field is one of the hardening constraints
// applied to every task pod.
type WorkloadSpec struct {
	TaskID         string
	Recipe         string
	Toolbox        string
	Mode           string // agent | script
	Goal           string
	Mounts         []Mount
	ReadOnlyRootFS bool
	DropAllCaps    bool
	NonRootUID     bool
	SeccompDefault bool
	ActiveDeadline time.Duration
	PostFinishTTL  time.Duration
	RestartPolicy  string // always "Never": task pods do not restart
}

// Result is what a ContainerOrchestrator reports back once a workload
// finishes, matching the tasks.result.<taskId> bus payload.
type Result struct {
	TaskID       string   `json:"taskId"`
	Status       string   `json:"status"` // completed | failed
	Output       string   `json:"output"`
	Error        string   `json:"error,omitempty"`
	DurationMs   int64    `json:"durationMs"`
	FilesChanged []string `json:"filesChanged,omitempty"`
}

// ContainerOrchestrator creates and tears down isolated workloads. The
// orchestrator owns execution: it runs the workload asynchronously and
// publishes the Result to tasks.result.<taskId> itself, exactly as a real
// container runtime's sidecar would report completion back to the bus.
type ContainerOrchestrator interface {
	CreateWorkload(ctx context.Context, spec WorkloadSpec) error
	DeleteWorkload(ctx context.Context, taskID string) error
}

// Manager dispatches and tracks task-pod executions.
type Manager struct {
	store          store.Store
	bus            *bus.Client
	orchestrator   ContainerOrchestrator
	mountAllowlist []string
	defaultTimeout time.Duration

	mu   sync.Mutex
	subs map[string]func()
}

// New builds a Manager. mountAllowlist is taken from config.TaskPod:
// an empty allowlist denies every mount request outright.
func New(st store.Store, b *bus.Client, orchestrator ContainerOrchestrator, mountAllowlist []string, defaultTimeout time.Duration) *Manager {
	timeout := defaultActiveDeadline
	if defaultTimeout > 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		store:          st,
		bus:            b,
		orchestrator:   orchestrator,
		mountAllowlist: mountAllowlist,
		defaultTimeout: timeout,
		subs:           make(map[string]func()),
	}
}

// Dispatch validates and launches a task pod, satisfying the
// registry.TaskDispatcher interface used by the dispatch_task_pod built-in.
func (m *Manager) Dispatch(ctx context.Context, recipe, toolbox, mode, goal string, mounts []string, timeoutSeconds int) (string, error) {
	parsedMounts, err := m.validateMounts(mounts)
	if err != nil {
		return "", err
	}

	if mode != store.JobTypeAgent && mode != "script" {
		return "", fmt.Errorf("taskpod: unknown mode %q, want agent or script", mode)
	}

	taskID := uuid.NewString()

	timeout := m.defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	mountsJSON, err := json.Marshal(parsedMounts)
	if err != nil {
		return "", fmt.Errorf("marshal mounts: %w", err)
	}

	row := store.TaskPodRow{
		TaskID:  taskID,
		Recipe:  recipe,
		Toolbox: toolbox,
		Mode:    mode,
		Goal:    goal,
		Mounts:  string(mountsJSON),
		Status:  store.JobStatusRunning,
	}
	if _, err := m.store.CreateTaskPodRow(ctx, row); err != nil {
		return "", fmt.Errorf("persist task pod row: %w", err)
	}

	m.subscribeResult(taskID)

	spec := WorkloadSpec{
		TaskID:         taskID,
		Recipe:         recipe,
		Toolbox:        toolbox,
		Mode:           mode,
		Goal:           goal,
		Mounts:         parsedMounts,
		ReadOnlyRootFS: true,
		DropAllCaps:    true,
		NonRootUID:     true,
		SeccompDefault: true,
		ActiveDeadline: timeout,
		PostFinishTTL:  postFinishTTL,
		RestartPolicy:  "Never",
	}

	if err := m.orchestrator.CreateWorkload(ctx, spec); err != nil {
		_, _ = m.store.UpdateTaskPodRow(ctx, store.TaskPodRow{
			TaskID: taskID,
			Status: store.JobStatusFailed,
			Error:  err.Error(),
		})
		m.unsubscribe(taskID)
		return "", fmt.Errorf("create workload: %w", err)
	}

	return taskID, nil
}

// Cancel tears down a running task pod ahead of its deadline.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	if err := m.orchestrator.DeleteWorkload(ctx, taskID); err != nil {
		return fmt.Errorf("delete workload %s: %w", taskID, err)
	}
	m.unsubscribe(taskID)

	_, err := m.store.UpdateTaskPodRow(ctx, store.TaskPodRow{
		TaskID: taskID,
		Status: store.JobStatusFailed,
		Error:  "cancelled",
	})
	return err
}

// validateMounts rejects any requested mount whose path isn't prefixed by a
// configured allowlist entry. An empty allowlist denies every mount.
func (m *Manager) validateMounts(mounts []string) ([]Mount, error) {
	if len(mounts) == 0 {
		return nil, nil
	}
	if len(m.mountAllowlist) == 0 {
		return nil, fmt.Errorf("taskpod: mounts requested but mount allowlist is empty")
	}

	parsed := make([]Mount, 0, len(mounts))
	for _, raw := range mounts {
		mnt := ParseMount(raw)
		if !mountAllowed(mnt.Path, m.mountAllowlist) {
			return nil, fmt.Errorf("taskpod: mount %q is not in the allowlist", mnt.Path)
		}
		parsed = append(parsed, mnt)
	}
	return parsed, nil
}

func mountAllowed(path string, allowlist []string) bool {
	for _, prefix := range allowlist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// subscribeResult listens for the one result message a task pod publishes
// and persists the terminal TaskPodRow it describes.
func (m *Manager) subscribeResult(taskID string) {
	sub, err := m.bus.Subscribe(bus.TaskResultSubject(taskID), bus.SubscribeOpts{
		Durable: "taskpod-result-" + taskID,
	}, func(msg *bus.Message) {
		var result Result
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			_ = msg.Nak()
			return
		}
		m.handleResult(result)
		_ = msg.Ack()
	})
	if err != nil {
		return
	}

	m.mu.Lock()
	m.subs[taskID] = func() { _ = sub.Unsubscribe() }
	m.mu.Unlock()
}

func (m *Manager) handleResult(result Result) {
	filesChanged, _ := json.Marshal(result.FilesChanged)

	_, _ = m.store.UpdateTaskPodRow(context.Background(), store.TaskPodRow{
		TaskID:       result.TaskID,
		Status:       result.Status,
		Result:       result.Output,
		Error:        result.Error,
		DurationMs:   result.DurationMs,
		FilesChanged: string(filesChanged),
	})
	m.unsubscribe(result.TaskID)
}

func (m *Manager) unsubscribe(taskID string) {
	m.mu.Lock()
	cancel, ok := m.subs[taskID]
	delete(m.subs, taskID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
