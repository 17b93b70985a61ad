// Package extension tracks external MCP tool servers that announce
// themselves over the bus and keep themselves alive with heartbeats. An
// announced extension's tools are bound into the Tool Registry for as long
// as it stays online; one that misses three heartbeats is marked offline
// and unbound until it reappears. Registrations are transient, in-memory
// only — nothing about an extension is persisted, and the brain holds the
// weak side of the relationship (reconnect on reappearance).
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/brain/internal/bus"
)

const (
	// offlineAfter marks an extension offline after three missed
	// heartbeats at the announced 30s cadence.
	offlineAfter  = 90 * time.Second
	sweepInterval = 30 * time.Second
)

// Announce is the wire envelope an extension publishes to
// extensions.announce when it starts (and re-publishes after a restart).
type Announce struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	MCPURL      string   `json:"mcpUrl"`
	Transport   string   `json:"transport"` // always "streamable-http"
	Tools       []string `json:"tools,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Heartbeat is the wire envelope an extension publishes to
// extensions.<id>.heartbeat every 30 seconds.
type Heartbeat struct {
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	Uptime         int64  `json:"uptime"`
	ActiveRequests int    `json:"activeRequests"`
}

// Registration is the in-memory record of one known extension.
type Registration struct {
	ID          string
	Name        string
	Version     string
	Description string
	MCPURL      string
	Tools       []string
	Tags        []string
	LastSeen    time.Time
	Online      bool
}

// Binder is the Tool Registry surface the extension tracker drives:
// binding opens an MCP session to the extension's server, unbinding drops
// it and its tools.
type Binder interface {
	BindExtension(id, mcpURL string) error
	UnbindExtension(id string)
}

// Tracker consumes announce/heartbeat subjects and keeps the registry's
// extension bindings in sync with what is actually alive.
type Tracker struct {
	bus    *bus.Client
	binder Binder

	mu   sync.Mutex
	regs map[string]*Registration
}

// New builds a Tracker. Call Start to begin consuming announcements.
func New(b *bus.Client, binder Binder) *Tracker {
	return &Tracker{
		bus:    b,
		binder: binder,
		regs:   make(map[string]*Registration),
	}
}

// Start subscribes to the announce and heartbeat subjects and runs the
// offline sweep until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) error {
	_, err := t.bus.Subscribe(bus.SubjectExtAnnounce, bus.SubscribeOpts{}, func(msg *bus.Message) {
		defer msg.Ack()
		var ann Announce
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			slog.Error("extension: bad announce payload", "error", err)
			return
		}
		if err := t.handleAnnounce(ann, time.Now()); err != nil {
			slog.Error("extension: failed to bind announced extension", "extension", ann.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("extension: subscribe announce: %w", err)
	}

	_, err = t.bus.Subscribe("extensions.*.heartbeat", bus.SubscribeOpts{}, func(msg *bus.Message) {
		defer msg.Ack()
		var hb Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			slog.Error("extension: bad heartbeat payload", "subject", msg.Subject, "error", err)
			return
		}
		if hb.ID == "" {
			hb.ID = idFromHeartbeatSubject(msg.Subject)
		}
		t.handleHeartbeat(hb.ID, time.Now())
	})
	if err != nil {
		return fmt.Errorf("extension: subscribe heartbeats: %w", err)
	}

	go t.sweepLoop(ctx)

	return nil
}

// handleAnnounce records (or refreshes) a registration and binds the
// extension's MCP server into the registry. An announce from an already
// known extension rebinds it, picking up a changed URL or tool list.
func (t *Tracker) handleAnnounce(ann Announce, now time.Time) error {
	if ann.ID == "" {
		return fmt.Errorf("extension: announce without id")
	}

	if err := t.binder.BindExtension(ann.ID, ann.MCPURL); err != nil {
		return err
	}

	t.mu.Lock()
	t.regs[ann.ID] = &Registration{
		ID:          ann.ID,
		Name:        ann.Name,
		Version:     ann.Version,
		Description: ann.Description,
		MCPURL:      ann.MCPURL,
		Tools:       ann.Tools,
		Tags:        ann.Tags,
		LastSeen:    now,
		Online:      true,
	}
	t.mu.Unlock()

	slog.Info("extension: registered", "extension", ann.ID, "name", ann.Name, "url", ann.MCPURL)
	return nil
}

// handleHeartbeat refreshes LastSeen. A heartbeat from an extension that
// was swept offline brings it back: the session is rebound since the
// server may have restarted behind the same URL.
func (t *Tracker) handleHeartbeat(id string, now time.Time) {
	if id == "" {
		return
	}

	t.mu.Lock()
	reg, ok := t.regs[id]
	if !ok {
		// Heartbeat from an extension whose announce we never saw (e.g.
		// brain restarted after the announce). Nothing to bind to yet;
		// wait for its next announce.
		t.mu.Unlock()
		return
	}
	reg.LastSeen = now
	cameBack := !reg.Online
	reg.Online = true
	url := reg.MCPURL
	t.mu.Unlock()

	if cameBack {
		if err := t.binder.BindExtension(id, url); err != nil {
			slog.Error("extension: failed to rebind returning extension", "extension", id, "error", err)
		} else {
			slog.Info("extension: back online", "extension", id)
		}
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

// sweep marks every extension not seen within offlineAfter as offline and
// unbinds its tools. The registration itself is kept so a later heartbeat
// or announce can revive it.
func (t *Tracker) sweep(now time.Time) {
	var gone []string

	t.mu.Lock()
	for id, reg := range t.regs {
		if reg.Online && now.Sub(reg.LastSeen) > offlineAfter {
			reg.Online = false
			gone = append(gone, id)
		}
	}
	t.mu.Unlock()

	for _, id := range gone {
		slog.Warn("extension: offline, unbinding", "extension", id)
		t.binder.UnbindExtension(id)
	}
}

// List snapshots every known registration, online or not.
func (t *Tracker) List() []Registration {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Registration, 0, len(t.regs))
	for _, reg := range t.regs {
		out = append(out, *reg)
	}
	return out
}

// idFromHeartbeatSubject extracts the extension id from
// extensions.<id>.heartbeat for heartbeats that omit it in the payload.
func idFromHeartbeatSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}
