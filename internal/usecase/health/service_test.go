package health

import (
	"context"
	"errors"
	"testing"

	"github.com/kailas-cloud/callguard/internal/domain/circuit"
	"github.com/kailas-cloud/callguard/internal/domain/health"
)

// --- Mocks ---

type mockDBPinger struct {
	err error
}

func (m *mockDBPinger) Ping(_ context.Context) error { return m.err }

type mockCoordination struct {
	h health.Coordination
}

func (m *mockCoordination) Current() health.Coordination { return m.h }

type mockBreakers struct {
	states []circuit.State
}

func (m *mockBreakers) Snapshots(_ context.Context) []circuit.State { return m.states }

func green() *mockCoordination {
	return &mockCoordination{h: health.Coordination{Status: health.Green, Mode: health.Normal}}
}

// --- Tests ---

func TestCheck_AllHealthy(t *testing.T) {
	svc := New(&mockDBPinger{}, green(), &mockBreakers{states: []circuit.State{circuit.Initial("openai:llm")}})
	r := svc.Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	for _, name := range []string{"ledger", "coordination", "providers"} {
		if r.Checks[name] != CheckOK {
			t.Errorf("expected %s %q, got %q", name, CheckOK, r.Checks[name])
		}
	}
}

func TestCheck_LedgerError(t *testing.T) {
	svc := New(&mockDBPinger{err: errors.New("conn refused")}, green(), nil)
	r := svc.Check(context.Background())

	if r.Status != Degraded {
		t.Errorf("expected %q, got %q", Degraded, r.Status)
	}
	if r.Checks["ledger"] != CheckError {
		t.Errorf("expected ledger %q, got %q", CheckError, r.Checks["ledger"])
	}
	if _, ok := r.Checks["providers"]; ok {
		t.Error("providers check should be absent when breakers is nil")
	}
}

func TestCheck_StrictModeIsDegraded(t *testing.T) {
	coord := &mockCoordination{h: health.Coordination{Status: health.Green, Mode: health.Strict}}
	r := New(&mockDBPinger{}, coord, nil).Check(context.Background())

	if r.Status != Degraded || r.Checks["coordination"] != CheckDegraded {
		t.Errorf("got %q with coordination %q", r.Status, r.Checks["coordination"])
	}
}

func TestCheck_OpenBreaker(t *testing.T) {
	open := circuit.Initial("openai:stt")
	open.Phase = circuit.Open
	r := New(&mockDBPinger{}, green(), &mockBreakers{states: []circuit.State{circuit.Initial("openai:llm"), open}}).
		Check(context.Background())

	if r.Status != Degraded || r.Checks["providers"] != CheckDegraded {
		t.Errorf("got %q with providers %q", r.Status, r.Checks["providers"])
	}
}

func TestCheck_BothStoresDown(t *testing.T) {
	coord := &mockCoordination{h: health.Coordination{Status: health.Red, Mode: health.Strict, Degraded: true}}
	r := New(&mockDBPinger{err: errors.New("db down")}, coord, nil).Check(context.Background())

	if r.Status != Unhealthy {
		t.Errorf("expected %q, got %q", Unhealthy, r.Status)
	}
	if r.Checks["coordination"] != CheckError {
		t.Error("expected coordination error")
	}
}

func TestCheck_NoCoordination(t *testing.T) {
	r := New(&mockDBPinger{}, nil, nil).Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	if _, ok := r.Checks["coordination"]; ok {
		t.Error("coordination check should be absent when coordination is nil")
	}
}
