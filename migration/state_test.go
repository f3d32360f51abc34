package migration

import (
	"sync"
	"testing"
)

func TestAtomicStateNeverRegresses(t *testing.T) {
	a := NewAtomicState()
	if got := a.GetState(); got != TransferringData {
		t.Fatalf("initial state = %v, want TransferringData", got)
	}

	a.SetState(SwitchStarted)
	if got := a.GetState(); got != SwitchStarted {
		t.Fatalf("state = %v, want SwitchStarted", got)
	}

	a.SetState(PreSwitch)
	if got := a.GetState(); got != SwitchStarted {
		t.Fatalf("SetState(PreSwitch) regressed: state = %v, want SwitchStarted", got)
	}

	a.SetState(SwitchCommitted)
	if got := a.GetState(); got != SwitchCommitted {
		t.Fatalf("state = %v, want SwitchCommitted", got)
	}
}

func TestAtomicStateConcurrentSetStateConverges(t *testing.T) {
	a := NewAtomicState()
	targets := []State{PreSwitch, SwitchStarted, SwitchCommitted, PreSwitch, SwitchStarted}

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target State) {
			defer wg.Done()
			a.SetState(target)
		}(target)
	}
	wg.Wait()

	if got := a.GetState(); got != SwitchCommitted {
		t.Fatalf("final state = %v, want SwitchCommitted", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		TransferringData: "TransferringData",
		PreSwitch:        "PreSwitch",
		SwitchStarted:    "SwitchStarted",
		SwitchCommitted:  "SwitchCommitted",
		State(99):        "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
