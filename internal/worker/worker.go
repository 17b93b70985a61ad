// Package worker implements the Worker Executor: the process-side
// consumer of jobs.dispatch. It drains the queue group, executes a job
// according to its type (command | http | agent), and reports every
// transition back over jobs.status.<jobId>, mirroring the Dispatcher +
// Status Tracker's wire contract.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/rakunlabs/brain/internal/bus"
	"github.com/rakunlabs/brain/internal/dispatcher"
)

// AgentRunner executes an agent-type job's goal as a fresh companion
// conversation, the same seam internal/taskpod uses for agent-mode task
// pods.
type AgentRunner interface {
	Run(ctx context.Context, goal string) (string, error)
}

// commandTimeout bounds a command-type job's execution; jobs don't carry
// their own timeout field today, so every command job gets the same
// conservative ceiling a worker would want regardless of caller.
const commandTimeout = 5 * time.Minute

// httpTimeout bounds an http-type job's round trip.
const httpTimeout = 30 * time.Second

// Worker consumes jobs.dispatch in a queue group shared with every other
// worker process, so a dispatched job lands on exactly one of them.
type Worker struct {
	bus   *bus.Client
	id    string
	agent AgentRunner
	http  *http.Client
	queue string
}

// defaultQueue is used when the caller doesn't configure one.
const defaultQueue = "brain-workers"

// New builds a Worker. agentRunner may be nil if this deployment doesn't
// route agent-type jobs to a worker process. queue is the NATS queue group
// every worker process in the deployment shares, so a dispatched job lands
// on exactly one of them; an empty string falls back to defaultQueue.
func New(b *bus.Client, workerID string, agentRunner AgentRunner, queue string) *Worker {
	if queue == "" {
		queue = defaultQueue
	}
	return &Worker{
		bus:   b,
		id:    workerID,
		agent: agentRunner,
		http:  &http.Client{Timeout: httpTimeout},
		queue: queue,
	}
}

// Start subscribes to jobs.dispatch as a queue-group consumer; handler
// invocations are serialized per message, concurrent across messages (NATS
// dispatches each queue-group delivery on its own goroutine).
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.bus.Subscribe(bus.SubjectJobsDispatch, bus.SubscribeOpts{
		Durable:    "brain-worker-pool",
		Queue:      w.queue,
		AckWait:    commandTimeout + httpTimeout,
		MaxDeliver: 3,
	}, func(msg *bus.Message) {
		w.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", bus.SubjectJobsDispatch, err)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) {
	var env dispatcher.JobDispatch
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		slog.Error("worker: invalid job envelope", "error", err)
		_ = msg.Ack()
		return
	}

	w.publishStatus(env.JobID, "received", "", "", 0)

	start := time.Now()
	w.publishStatus(env.JobID, "running", "", "", 0)

	result, execErr := w.execute(ctx, env)
	duration := time.Since(start).Milliseconds()

	if execErr != nil {
		w.publishStatus(env.JobID, "failed", "", execErr.Error(), duration)
	} else {
		w.publishStatus(env.JobID, "completed", result, "", duration)
	}

	if err := msg.Ack(); err != nil {
		slog.Warn("worker: ack failed", "jobId", env.JobID, "error", err)
	}
}

func (w *Worker) execute(ctx context.Context, env dispatcher.JobDispatch) (string, error) {
	switch env.Type {
	case "command":
		return w.runCommand(ctx, env.Command)
	case "http":
		return w.runHTTP(ctx, env)
	case "agent":
		return w.runAgent(ctx, env)
	default:
		return "", fmt.Errorf("worker: unknown job type %q", env.Type)
	}
}

// runCommand executes a shell command via /bin/sh -c, bounded by
// commandTimeout.
func (w *Worker) runCommand(ctx context.Context, command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("worker: command job has no command")
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// runHTTP performs the requested call against an arbitrary caller-supplied
// destination — there's no API client library to ground this on, since the
// target isn't a fixed service; plain net/http is the correct tool here.
func (w *Worker) runHTTP(ctx context.Context, env dispatcher.JobDispatch) (string, error) {
	if env.URL == "" {
		return "", fmt.Errorf("worker: http job has no url")
	}
	method := env.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, env.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range env.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return string(body), fmt.Errorf("http %d", resp.StatusCode)
	}
	return string(body), nil
}

func (w *Worker) runAgent(ctx context.Context, env dispatcher.JobDispatch) (string, error) {
	if w.agent == nil {
		return "", fmt.Errorf("worker: agent jobs are not configured on this worker")
	}
	goal, _ := env.Job["goal"].(string)
	if goal == "" {
		return "", fmt.Errorf("worker: agent job has no goal")
	}
	return w.agent.Run(ctx, goal)
}

func (w *Worker) publishStatus(jobID, status, result, errMsg string, durationMs int64) {
	st := dispatcher.JobStatus{
		JobID:      jobID,
		WorkerID:   w.id,
		Status:     status,
		Result:     result,
		Error:      errMsg,
		DurationMs: durationMs,
	}
	if err := w.bus.Publish(bus.JobsStatusSubject(jobID), st); err != nil {
		slog.Error("worker: publish status failed", "jobId", jobID, "status", status, "error", err)
	}
}
