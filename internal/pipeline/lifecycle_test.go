package pipeline

import "testing"

func TestLifecycle_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []Phase
		valid bool
	}{
		{"av happy path", []Phase{PhaseDeviceReady, PhaseRunning, PhaseStopping, PhaseDestroyed}, true},
		{"data path without device", []Phase{PhaseRunning, PhaseStopping, PhaseDestroyed}, true},
		{"recreate after destroy", []Phase{PhaseRunning, PhaseStopping, PhaseDestroyed, PhaseRunning}, true},
		{"running cannot skip stopping", []Phase{PhaseRunning, PhaseDestroyed}, false},
		{"stopping cannot resume", []Phase{PhaseRunning, PhaseStopping, PhaseRunning}, false},
		{"no self transition", []Phase{PhaseRunning, PhaseRunning}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var changes int
			l := NewLifecycle(func(from, to Phase) { changes++ })

			var err error
			for _, p := range tt.path {
				if err = l.Transition(p); err != nil {
					break
				}
			}

			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Fatalf("expected an invalid transition in %v", tt.path)
			}
			if tt.valid && changes != len(tt.path) {
				t.Errorf("onChange called %d times, want %d", changes, len(tt.path))
			}
		})
	}
}

func TestLifecycle_TransitionFrom(t *testing.T) {
	l := NewLifecycle(nil)

	if l.TransitionFrom(PhaseRunning, PhaseStopping) {
		t.Error("TransitionFrom must not fire from a different phase")
	}
	l.Transition(PhaseRunning)
	if !l.TransitionFrom(PhaseRunning, PhaseStopping) {
		t.Error("TransitionFrom(running, stopping) failed")
	}
	if l.Phase() != PhaseStopping {
		t.Errorf("phase = %s, want stopping", l.Phase())
	}
}
