package task

import (
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateQueued, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateRunning, false},
		{StateQueued, StateRunning, true},
		{StateQueued, StateCancelled, true},
		{StateQueued, StateCompleted, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateQueued, true}, // retry / lease expiry
		{StateRunning, StateCancelled, false},
		{StateRunning, StatePending, false},
		{StateCompleted, StateQueued, false},
		{StateFailed, StateRunning, false},
		{StateCancelled, StatePending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
		for _, to := range []State{StatePending, StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled} {
			if s.CanTransitionTo(to) {
				t.Errorf("terminal %s allows transition to %s", s, to)
			}
		}
	}
	for _, s := range []State{StatePending, StateQueued, StateRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestNewTask(t *testing.T) {
	tk := New("workflow_execute", "default", map[string]any{"workflow_id": "wf-1"})

	if tk.State != StatePending {
		t.Errorf("State = %q, want pending", tk.State)
	}
	if tk.ID.IsNil() {
		t.Error("ID not assigned")
	}
	if tk.Queue != "default" || tk.Type != "workflow_execute" {
		t.Errorf("Queue/Type = %q/%q", tk.Queue, tk.Type)
	}
	if tk.RunAt.IsZero() {
		t.Error("RunAt not set")
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tk := New("workflow_execute", "default", nil)
	if tk.LeaseExpired(now) {
		t.Error("pending task reported expired lease")
	}

	tk.State = StateRunning
	tk.LeaseExpiresAt = &future
	if tk.LeaseExpired(now) {
		t.Error("live lease reported expired")
	}

	tk.LeaseExpiresAt = &past
	if !tk.LeaseExpired(now) {
		t.Error("lapsed lease not reported expired")
	}

	tk.State = StateCompleted
	if tk.LeaseExpired(now) {
		t.Error("terminal task reported expired lease")
	}
}
