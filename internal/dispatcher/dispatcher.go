// Package dispatcher implements the Dispatcher + Status Tracker:
// publishing job envelopes to the Durable Bus Client, persisting every
// status transition, and resolving synchronous wait-for-completion calls.
// It also runs the zombie reaper that force-fails jobs abandoned by a
// worker that vanished after a NACK.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/brain/internal/bus"
	"github.com/rakunlabs/brain/internal/store"
)

// JobSpec is the payload of a dispatched job, shaped to whichever of
// Job/Command/URL applies to jobType.
type JobSpec struct {
	Job     map[string]any    `json:"job,omitempty"`
	Command string            `json:"command,omitempty"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Vars    map[string]any    `json:"vars,omitempty"`
}

// JobDispatch is the wire envelope published to jobs.dispatch.
type JobDispatch struct {
	JobID        string            `json:"jobId"`
	Type         string            `json:"type"`
	CreatedAt    time.Time         `json:"createdAt"`
	Job          map[string]any    `json:"job,omitempty"`
	Command      string            `json:"command,omitempty"`
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Vars         map[string]any    `json:"vars,omitempty"`
	Source       string            `json:"source,omitempty"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

// JobStatus is the wire envelope a worker publishes to jobs.status.<jobId>.
type JobStatus struct {
	JobID      string `json:"jobId"`
	WorkerID   string `json:"workerId"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

const (
	reapInterval     = 60 * time.Second
	reapIdleThreshold = 2 * time.Minute
)

// Dispatcher publishes jobs, tracks their status, and resolves
// waitForCompletion calls as terminal updates arrive.
type Dispatcher struct {
	bus   *bus.Client
	store store.Store

	mu       sync.Mutex
	waiters  map[string][]chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires a Dispatcher to the bus and the state store. Callers must call
// Start to begin consuming jobs.status.* and running the zombie reaper.
func New(b *bus.Client, st store.Store) *Dispatcher {
	return &Dispatcher{
		bus:     b,
		store:   st,
		waiters: make(map[string][]chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to jobs.status.* and launches the zombie reaper. Both run
// until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.bus.Subscribe(bus.SubjectJobsStatusAll, bus.SubscribeOpts{
		Durable: "brain-status-tracker",
	}, d.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe to job status: %w", err)
	}

	go d.reapLoop(ctx)

	go func() {
		<-ctx.Done()
		d.stopOnce.Do(func() { close(d.stopCh) })
	}()

	return nil
}

// Dispatch assigns a fresh job id, persists status=dispatched, and publishes
// the envelope. It returns the job id immediately without waiting for a
// worker to pick it up.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType, source string, spec JobSpec) (string, error) {
	jobID := uuid.NewString()

	if _, err := d.store.CreateJob(ctx, jobID, jobType, source); err != nil {
		return "", fmt.Errorf("persist job %q: %w", jobID, err)
	}

	env := JobDispatch{
		JobID:     jobID,
		Type:      jobType,
		CreatedAt: time.Now().UTC(),
		Job:       spec.Job,
		Command:   spec.Command,
		URL:       spec.URL,
		Method:    spec.Method,
		Headers:   spec.Headers,
		Vars:      spec.Vars,
		Source:    source,
	}

	if err := d.bus.Publish(bus.SubjectJobsDispatch, env); err != nil {
		return "", fmt.Errorf("publish job %q: %w", jobID, err)
	}

	return jobID, nil
}

// handleStatus persists every update in received order and, on a terminal
// transition, wakes any local waiters for this job id.
func (d *Dispatcher) handleStatus(msg *bus.Message) {
	var st JobStatus
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		slog.Error("dispatcher: invalid job status payload", "error", err)
		msg.Ack()
		return
	}

	row, err := d.store.UpdateJobStatus(context.Background(), st.JobID, st.Status, st.WorkerID, st.Result, st.Error, st.DurationMs)
	if err != nil {
		// Already terminal (ErrVersionConflict) or not found: ack and drop,
		// redelivery would never succeed either.
		slog.Warn("dispatcher: failed to persist job status", "jobId", st.JobID, "status", st.Status, "error", err)
		msg.Ack()
		return
	}

	if err := msg.Ack(); err != nil {
		slog.Warn("dispatcher: ack failed", "jobId", st.JobID, "error", err)
	}

	if store.JobIsTerminal(row.Status) {
		d.wake(row.JobID)
	}
}

func (d *Dispatcher) wake(jobID string) {
	d.mu.Lock()
	chans := d.waiters[jobID]
	delete(d.waiters, jobID)
	d.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

func (d *Dispatcher) register(jobID string) chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.waiters[jobID] = append(d.waiters[jobID], ch)
	d.mu.Unlock()
	return ch
}

// WaitForCompletion resolves as soon as jobID reaches a terminal status.
// If the row is already terminal when called, it resolves synchronously
// (race protection against a status arriving between the check and the
// listener registration). On timeout the job is force-failed.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*store.JobRow, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	row, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if store.JobIsTerminal(row.Status) {
		return row, nil
	}

	ch := d.register(jobID)

	// Re-check after registering: the status may have turned terminal
	// between the GetJob above and the listener registration.
	row, err = d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if store.JobIsTerminal(row.Status) {
		d.wake(jobID)
		return row, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return d.store.GetJob(ctx, jobID)
	case <-timer.C:
		reason := fmt.Sprintf("did not complete within %ds", int(timeout.Seconds()))
		failed, ferr := d.store.UpdateJobStatus(ctx, jobID, store.JobStatusFailed, "", "", reason, 0)
		if ferr != nil {
			// Already terminal by the time the timer fired — fetch the real row.
			return d.store.GetJob(ctx, jobID)
		}
		d.wake(jobID)
		return failed, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reapLoop runs the zombie reaper: every reapInterval, any job stuck in a
// non-terminal status whose updated_at is older than reapIdleThreshold is
// force-failed.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapOnce(ctx)
		}
	}
}

func (d *Dispatcher) reapOnce(ctx context.Context) {
	jobs, err := d.store.ListJobs(ctx)
	if err != nil {
		slog.Error("dispatcher: zombie reap: list jobs failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-reapIdleThreshold)
	for _, j := range jobs {
		if store.JobIsTerminal(j.Status) {
			continue
		}
		if j.UpdatedAt.After(cutoff) {
			continue
		}

		slog.Warn("dispatcher: reaping zombie job", "jobId", j.JobID, "status", j.Status, "updatedAt", j.UpdatedAt)
		if _, err := d.store.UpdateJobStatus(ctx, j.JobID, store.JobStatusFailed, "", "", "reaped: stuck in status "+j.Status, 0); err != nil {
			slog.Error("dispatcher: failed to reap job", "jobId", j.JobID, "error", err)
			continue
		}
		d.wake(j.JobID)
	}
}
