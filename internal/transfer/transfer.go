// Package transfer implements the Transfer State Machine: the
// bus-based handoff handshake between an outgoing Brain instance and its
// successor, so deployments can roll without losing in-flight context.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/brain/internal/bus"
	"github.com/rakunlabs/brain/internal/store"
)

// State is one of the four permitted Transfer State Machine states.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateDraining State = "draining"
	StateShutdown State = "shutdown"
)

// Handshake timeouts.
const (
	DrainTimeout     = 60 * time.Second
	AckTimeout       = 30 * time.Second
	NoResponseTimeout = 120 * time.Second
)

// readyMsg / clearMsg / ackMsg / abortMsg are the wire envelopes for the
// four transfer subjects.
type readyMsg struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type clearMsg struct {
	HandoffNoteID string `json:"handoffNoteId"`
}

type ackMsg struct {
	ID string `json:"id"`
}

type abortMsg struct {
	Reason string `json:"reason"`
}

// ActiveSnapshot is what a draining instance captures into a HandoffNote.
type ActiveSnapshot struct {
	ActiveConversations []string `json:"activeConversations"`
	PendingSchedules    []string `json:"pendingSchedules"`
}

// SnapshotSource supplies the data a draining instance hands off to its
// successor. Implemented by the process wiring (cmd/brain), not by any one
// package, since it spans conversations + schedules.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (ActiveSnapshot, error)
}

// Machine runs one side of the handoff handshake. A single process acts as
// either the outgoing instance (Start as active) or the incoming one
// (Start as pending) — never both.
type Machine struct {
	bus   *bus.Client
	store store.Store
	id    string
	version string

	snapshot SnapshotSource

	mu    sync.RWMutex
	state State

	// acceptingRequests reflects the "pending will not accept requests;
	// draining refuses new requests but completes in-flight" rule.
	acceptingRequests bool
}

// New constructs a Machine. version identifies this build for the Ready
// envelope; id is this process instance's unique identifier.
func New(b *bus.Client, st store.Store, snapshot SnapshotSource, id, version string) *Machine {
	return &Machine{
		bus:      b,
		store:    st,
		id:       id,
		version:  version,
		snapshot: snapshot,
		state:    StatePending,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AcceptingRequests reports whether the HTTP Surface should currently serve
// new requests (false while pending or draining).
func (m *Machine) AcceptingRequests() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acceptingRequests
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	m.state = to
	m.acceptingRequests = to == StateActive
	m.mu.Unlock()
	slog.Info("transfer: state transition", "to", to)
}

// StartAsActive is used by the very first instance of a deployment: there
// is no predecessor to hand off from, so it activates immediately without
// running the handshake.
func (m *Machine) StartAsActive() {
	m.transition(StateActive)
}

// JoinAsPending runs the incoming side of the handoff handshake: subscribe to clear/abort, announce readiness, then either adopt
// the predecessor's HandoffNote or start fresh.
func (m *Machine) JoinAsPending(ctx context.Context) error {
	m.transition(StatePending)

	clearCh := make(chan clearMsg, 1)
	abortCh := make(chan abortMsg, 1)

	clearSub, err := m.bus.Subscribe(bus.SubjectTransferClear, bus.SubscribeOpts{}, func(msg *bus.Message) {
		defer msg.Ack()
		var cm clearMsg
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			slog.Error("transfer: bad clear payload", "error", err)
			return
		}
		select {
		case clearCh <- cm:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("transfer: subscribe clear: %w", err)
	}
	defer clearSub.Unsubscribe()

	abortSub, err := m.bus.Subscribe(bus.SubjectTransferAbort, bus.SubscribeOpts{}, func(msg *bus.Message) {
		defer msg.Ack()
		var am abortMsg
		if err := json.Unmarshal(msg.Data, &am); err != nil {
			slog.Error("transfer: bad abort payload", "error", err)
			return
		}
		select {
		case abortCh <- am:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("transfer: subscribe abort: %w", err)
	}
	defer abortSub.Unsubscribe()

	if err := m.bus.Publish(bus.SubjectTransferReady, readyMsg{ID: m.id, Version: m.version}); err != nil {
		return fmt.Errorf("transfer: publish ready: %w", err)
	}

	select {
	case cm := <-clearCh:
		note, err := m.store.LatestHandoffNote(ctx)
		if err != nil || note == nil || note.ID != cm.HandoffNoteID {
			slog.Warn("transfer: clear referenced an unreadable handoff note, starting fresh", "handoffNoteId", cm.HandoffNoteID, "error", err)
			m.transition(StateActive)
			return nil
		}

		if err := m.bus.Publish(bus.SubjectTransferAck, ackMsg{ID: m.id}); err != nil {
			slog.Warn("transfer: failed to publish ack, activating anyway", "error", err)
		}
		m.transition(StateActive)
		return nil

	case <-abortCh:
		slog.Info("transfer: handoff aborted, activating as fresh start")
		m.transition(StateActive)
		return nil

	case <-time.After(NoResponseTimeout):
		slog.Info("transfer: no response within timeout, activating as fresh start")
		m.transition(StateActive)
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain runs the outgoing side of the handshake, triggered
// when this instance observes a TransferReady from a successor while active.
func (m *Machine) Drain(ctx context.Context, readyID string) error {
	if m.State() != StateActive {
		return fmt.Errorf("transfer: drain called from state %q, want active", m.State())
	}
	m.transition(StateDraining)

	// Allow in-flight requests to finish, bounded by DrainTimeout. The HTTP
	// Surface stops accepting new requests the instant acceptingRequests
	// flips false in transition(StateDraining) above.
	select {
	case <-time.After(DrainTimeout):
	case <-ctx.Done():
	}

	snap, err := m.snapshot.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("transfer: build snapshot: %w", err)
	}

	activeJSON, err := json.Marshal(snap.ActiveConversations)
	if err != nil {
		return fmt.Errorf("transfer: marshal active conversations: %w", err)
	}
	pendingJSON, err := json.Marshal(snap.PendingSchedules)
	if err != nil {
		return fmt.Errorf("transfer: marshal pending schedules: %w", err)
	}

	note, err := m.store.CreateHandoffNote(ctx, store.HandoffNote{
		FromVersion:         m.version,
		ActiveConversations: string(activeJSON),
		PendingSchedules:    string(pendingJSON),
	})
	if err != nil {
		return fmt.Errorf("transfer: persist handoff note: %w", err)
	}

	ackCh := make(chan ackMsg, 1)
	ackSub, err := m.bus.Subscribe(bus.SubjectTransferAck, bus.SubscribeOpts{}, func(msg *bus.Message) {
		defer msg.Ack()
		var am ackMsg
		if err := json.Unmarshal(msg.Data, &am); err == nil {
			select {
			case ackCh <- am:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("transfer: subscribe ack: %w", err)
	}
	defer ackSub.Unsubscribe()

	if err := m.bus.Publish(bus.SubjectTransferClear, clearMsg{HandoffNoteID: note.ID}); err != nil {
		return fmt.Errorf("transfer: publish clear: %w", err)
	}

	select {
	case <-ackCh:
		slog.Info("transfer: handoff acknowledged")
	case <-time.After(AckTimeout):
		slog.Warn("transfer: no ack within timeout, shutting down regardless")
	case <-ctx.Done():
	}

	m.transition(StateShutdown)
	return nil
}

// Abort publishes TransferAbort and shuts this instance down, for the
// "either side may abort" rule.
func (m *Machine) Abort(reason string) {
	if err := m.bus.Publish(bus.SubjectTransferAbort, abortMsg{Reason: reason}); err != nil {
		slog.Error("transfer: failed to publish abort", "error", err)
	}
	m.transition(StateShutdown)
}

// WatchForSuccessor subscribes to transfer.ready while active and starts
// Drain the moment a successor announces itself. Intended to run for the
// lifetime of an active instance; returns when ctx is cancelled or a drain
// completes.
func (m *Machine) WatchForSuccessor(ctx context.Context) error {
	readyCh := make(chan readyMsg, 1)
	sub, err := m.bus.Subscribe(bus.SubjectTransferReady, bus.SubscribeOpts{}, func(msg *bus.Message) {
		defer msg.Ack()
		var rm readyMsg
		if err := json.Unmarshal(msg.Data, &rm); err == nil && rm.ID != m.id {
			select {
			case readyCh <- rm:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("transfer: subscribe ready: %w", err)
	}
	defer sub.Unsubscribe()

	select {
	case rm := <-readyCh:
		return m.Drain(ctx, rm.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}
