package taskpod

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/brain/internal/bus"
	"github.com/rakunlabs/brain/internal/render"
)

// defaultSandboxRoot is where a script-mode task pod's working directory is
// created. Every granted mount must resolve inside it or under an allowlist
// path bind-copied in ahead of the run.
const defaultSandboxRoot = "/var/lib/brain/taskpods"

// LocalOrchestrator is a ContainerOrchestrator that runs a task pod as a
// sandboxed child process instead of a real container/pod. It grants the
// same hardening the WorkloadSpec asks for to the extent a plain process
// tree can: a private working directory, a minimal explicit environment, and
// a hard context deadline. A production deployment would swap this for a
// Kubernetes- or Firecracker-backed ContainerOrchestrator behind the same
// interface.
type LocalOrchestrator struct {
	bus         *bus.Client
	goalRunner  GoalRunner
	sandboxRoot string

	mu        sync.Mutex
	cancelers map[string]context.CancelFunc
}

// NewLocalOrchestrator builds a process-sandboxed orchestrator. goalRunner
// may be nil if agent-mode task pods are not wired for this deployment, or
// if the caller will supply one later via SetGoalRunner once it exists
// (the agent loop and the task pod manager are built from the same
// registry, so neither can strictly come first).
func NewLocalOrchestrator(b *bus.Client, goalRunner GoalRunner) *LocalOrchestrator {
	return &LocalOrchestrator{
		bus:         b,
		goalRunner:  goalRunner,
		sandboxRoot: defaultSandboxRoot,
		cancelers:   make(map[string]context.CancelFunc),
	}
}

// SetGoalRunner wires (or rewires) the agent-mode goal runner after
// construction.
func (o *LocalOrchestrator) SetGoalRunner(goalRunner GoalRunner) {
	o.mu.Lock()
	o.goalRunner = goalRunner
	o.mu.Unlock()
}

func (o *LocalOrchestrator) getGoalRunner() GoalRunner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.goalRunner
}

// CreateWorkload starts the workload in a goroutine and returns immediately;
// the goroutine publishes the Result to tasks.result.<taskId> when it's done,
// mirroring how an out-of-process runtime would report completion.
func (o *LocalOrchestrator) CreateWorkload(ctx context.Context, spec WorkloadSpec) error {
	runCtx, cancel := context.WithTimeout(context.Background(), spec.ActiveDeadline)

	o.mu.Lock()
	o.cancelers[spec.TaskID] = cancel
	o.mu.Unlock()

	go func() {
		defer cancel()
		start := time.Now()
		output, err := o.run(runCtx, spec)
		duration := time.Since(start)

		result := Result{
			TaskID:     spec.TaskID,
			Output:     output,
			DurationMs: duration.Milliseconds(),
		}
		if err != nil {
			result.Status = "failed"
			result.Error = err.Error()
		} else {
			result.Status = "completed"
		}

		_ = o.bus.Publish(bus.TaskResultSubject(spec.TaskID), result)

		o.mu.Lock()
		delete(o.cancelers, spec.TaskID)
		o.mu.Unlock()

		// PostFinishTTL governs how long a real runtime keeps the finished
		// workload's logs/artifacts around before reaping it; the local
		// orchestrator has nothing to reap beyond its sandbox directory.
		time.AfterFunc(spec.PostFinishTTL, func() {
			_ = os.RemoveAll(o.taskDir(spec.TaskID))
		})
	}()

	return nil
}

// DeleteWorkload cancels a running workload ahead of its deadline.
func (o *LocalOrchestrator) DeleteWorkload(ctx context.Context, taskID string) error {
	o.mu.Lock()
	cancel, ok := o.cancelers[taskID]
	delete(o.cancelers, taskID)
	o.mu.Unlock()

	if ok {
		cancel()
	}
	return os.RemoveAll(o.taskDir(taskID))
}

func (o *LocalOrchestrator) taskDir(taskID string) string {
	return filepath.Join(o.sandboxRoot, taskID)
}

func (o *LocalOrchestrator) run(ctx context.Context, spec WorkloadSpec) (string, error) {
	switch spec.Mode {
	case "script":
		return o.runScript(ctx, spec)
	default:
		return o.runAgentGoal(ctx, spec)
	}
}

func (o *LocalOrchestrator) runAgentGoal(ctx context.Context, spec WorkloadSpec) (string, error) {
	runner := o.getGoalRunner()
	if runner == nil {
		return "", fmt.Errorf("taskpod: agent mode is not available on this deployment")
	}
	return runner.Run(ctx, spec.Goal)
}

// runScript renders the recipe/goal as a shell command inside a dedicated
// sandbox directory and executes it with a minimal environment: a private
// working directory, an explicit env allowlist, and no shared state with
// the parent process beyond the granted mounts.
func (o *LocalOrchestrator) runScript(ctx context.Context, spec WorkloadSpec) (string, error) {
	dir := o.taskDir(spec.TaskID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}

	command := spec.Goal
	if spec.Recipe != "" {
		command = spec.Recipe
	}

	rendered, err := render.Execute(command, map[string]any{
		"Toolbox": spec.Toolbox,
		"Goal":    spec.Goal,
	})
	if err != nil {
		rendered = command
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", rendered)
	cmd.Dir = dir
	cmd.Env = o.buildEnv(spec, dir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

func (o *LocalOrchestrator) buildEnv(spec WorkloadSpec, dir string) []string {
	env := []string{
		"HOME=" + dir,
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TMPDIR=" + dir,
		"SANDBOX_ROOT=" + dir,
	}
	for _, m := range spec.Mounts {
		if isInsideSandbox(m.Path, o.sandboxRoot) {
			continue
		}
		perm := "ro"
		if m.Writable {
			perm = "rw"
		}
		env = append(env, fmt.Sprintf("BRAIN_MOUNT_%s=%s", perm, m.Path))
	}
	return env
}

// isInsideSandbox reports whether dir is sandbox or a descendant of it,
// guarding against a mount path trying to traverse out via "..".
func isInsideSandbox(dir, sandbox string) bool {
	rel, err := filepath.Rel(sandbox, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
