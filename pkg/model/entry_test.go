package model

import "testing"

func TestIsAllowedTransition(t *testing.T) {
	cases := []struct {
		from, to ExecutionState
		want     bool
	}{
		{StatePending, StateAuthorized, true},
		{StatePending, StateDenied, true},
		{StateAuthorized, StateExecuting, true},
		{StateExecuting, StateCompleted, true},
		{StateExecuting, StateFailed, true},
		{StatePending, StateExecuting, false},
		{StateCompleted, StateExecuting, false},
		{StateDenied, StateAuthorized, false},
		{StatePending, StatePending, false}, // genesis loop, not a normal transition
	}
	for _, c := range cases {
		if got := IsAllowedTransition(c.from, c.to); got != c.want {
			t.Errorf("IsAllowedTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsGenesisSelfLoop(t *testing.T) {
	if !IsGenesisSelfLoop(StatePending, StatePending) {
		t.Error("expected PENDING->PENDING to be the genesis self-loop")
	}
	if IsGenesisSelfLoop(StatePending, StateAuthorized) {
		t.Error("PENDING->AUTHORIZED must not be reported as the genesis self-loop")
	}
}
