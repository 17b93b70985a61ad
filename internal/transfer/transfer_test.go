package transfer

import "testing"

// newBareMachine builds a Machine without a live bus connection, for
// exercising the pure state-transition logic. Handshake methods that touch
// m.bus are exercised against a real NATS deployment, not in this suite.
func newBareMachine() *Machine {
	return &Machine{state: StatePending}
}

func TestStartAsActive(t *testing.T) {
	m := newBareMachine()
	m.StartAsActive()

	if m.State() != StateActive {
		t.Errorf("State() = %q, want %q", m.State(), StateActive)
	}
	if !m.AcceptingRequests() {
		t.Error("AcceptingRequests() = false after StartAsActive, want true")
	}
}

func TestTransitionTogglesAcceptingRequests(t *testing.T) {
	m := newBareMachine()

	for _, tc := range []struct {
		state       State
		accepting   bool
	}{
		{StatePending, false},
		{StateActive, true},
		{StateDraining, false},
		{StateShutdown, false},
	} {
		m.transition(tc.state)
		if got := m.AcceptingRequests(); got != tc.accepting {
			t.Errorf("after transition(%q): AcceptingRequests() = %v, want %v", tc.state, got, tc.accepting)
		}
	}
}

func TestTimeoutConstants(t *testing.T) {
	if DrainTimeout > 60_000_000_000 {
		t.Errorf("DrainTimeout = %v, want <= 60s", DrainTimeout)
	}
	if AckTimeout != 30_000_000_000 {
		t.Errorf("AckTimeout = %v, want 30s", AckTimeout)
	}
	if NoResponseTimeout != 120_000_000_000 {
		t.Errorf("NoResponseTimeout = %v, want 120s", NoResponseTimeout)
	}
}
