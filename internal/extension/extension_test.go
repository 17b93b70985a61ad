package extension

import (
	"sync"
	"testing"
	"time"
)

type fakeBinder struct {
	mu      sync.Mutex
	bound   map[string]string
	unbound []string
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{bound: make(map[string]string)}
}

func (f *fakeBinder) BindExtension(id, mcpURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[id] = mcpURL
	return nil
}

func (f *fakeBinder) UnbindExtension(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bound, id)
	f.unbound = append(f.unbound, id)
}

func TestAnnounceBindsExtension(t *testing.T) {
	binder := newFakeBinder()
	tr := New(nil, binder)

	now := time.Now()
	err := tr.handleAnnounce(Announce{
		ID:        "ext-1",
		Name:      "browser",
		MCPURL:    "http://127.0.0.1:9001/mcp",
		Transport: "streamable-http",
	}, now)
	if err != nil {
		t.Fatalf("handleAnnounce: %v", err)
	}

	if got := binder.bound["ext-1"]; got != "http://127.0.0.1:9001/mcp" {
		t.Fatalf("bound url = %q", got)
	}

	regs := tr.List()
	if len(regs) != 1 || !regs[0].Online {
		t.Fatalf("registrations = %+v", regs)
	}
}

func TestAnnounceWithoutIDRejected(t *testing.T) {
	tr := New(nil, newFakeBinder())
	if err := tr.handleAnnounce(Announce{MCPURL: "http://x"}, time.Now()); err == nil {
		t.Fatal("expected error for announce without id")
	}
}

func TestSweepMarksOfflineAfterMissedHeartbeats(t *testing.T) {
	binder := newFakeBinder()
	tr := New(nil, binder)

	start := time.Now()
	if err := tr.handleAnnounce(Announce{ID: "ext-1", MCPURL: "http://x"}, start); err != nil {
		t.Fatalf("handleAnnounce: %v", err)
	}

	// Two missed heartbeats: still online.
	tr.sweep(start.Add(61 * time.Second))
	if regs := tr.List(); !regs[0].Online {
		t.Fatal("extension went offline before the threshold")
	}

	// Three missed heartbeats: offline and unbound.
	tr.sweep(start.Add(91 * time.Second))
	regs := tr.List()
	if regs[0].Online {
		t.Fatal("extension still online past the threshold")
	}
	if len(binder.unbound) != 1 || binder.unbound[0] != "ext-1" {
		t.Fatalf("unbound = %v", binder.unbound)
	}
}

func TestHeartbeatKeepsExtensionAlive(t *testing.T) {
	binder := newFakeBinder()
	tr := New(nil, binder)

	start := time.Now()
	if err := tr.handleAnnounce(Announce{ID: "ext-1", MCPURL: "http://x"}, start); err != nil {
		t.Fatalf("handleAnnounce: %v", err)
	}

	tr.handleHeartbeat("ext-1", start.Add(60*time.Second))
	tr.sweep(start.Add(100 * time.Second))

	if regs := tr.List(); !regs[0].Online {
		t.Fatal("extension went offline despite a fresh heartbeat")
	}
	if len(binder.unbound) != 0 {
		t.Fatalf("unexpected unbinds: %v", binder.unbound)
	}
}

func TestHeartbeatRevivesOfflineExtension(t *testing.T) {
	binder := newFakeBinder()
	tr := New(nil, binder)

	start := time.Now()
	if err := tr.handleAnnounce(Announce{ID: "ext-1", MCPURL: "http://x"}, start); err != nil {
		t.Fatalf("handleAnnounce: %v", err)
	}

	tr.sweep(start.Add(2 * time.Minute))
	if _, ok := binder.bound["ext-1"]; ok {
		t.Fatal("extension still bound after going offline")
	}

	tr.handleHeartbeat("ext-1", start.Add(3*time.Minute))
	regs := tr.List()
	if !regs[0].Online {
		t.Fatal("extension not revived by heartbeat")
	}
	if got := binder.bound["ext-1"]; got != "http://x" {
		t.Fatalf("extension not rebound, bound = %v", binder.bound)
	}
}

func TestHeartbeatForUnknownExtensionIgnored(t *testing.T) {
	binder := newFakeBinder()
	tr := New(nil, binder)

	tr.handleHeartbeat("never-announced", time.Now())

	if len(tr.List()) != 0 {
		t.Fatal("heartbeat alone must not create a registration")
	}
	if len(binder.bound) != 0 {
		t.Fatal("heartbeat alone must not bind anything")
	}
}

func TestIDFromHeartbeatSubject(t *testing.T) {
	if got := idFromHeartbeatSubject("extensions.ext-9.heartbeat"); got != "ext-9" {
		t.Fatalf("got %q", got)
	}
	if got := idFromHeartbeatSubject("jobs.dispatch"); got != "" {
		t.Fatalf("got %q for non-heartbeat subject", got)
	}
}
