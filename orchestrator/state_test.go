package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"sourcewatch/types"
)

func TestManagerAdmitsOneRun(t *testing.T) {
	m := NewManager(zerolog.Nop())

	first, err := m.TryBegin("run-1")
	if err != nil {
		t.Fatalf("TryBegin: %v", err)
	}
	if first.Outcome != types.OutcomeRunning {
		t.Fatalf("unexpected outcome %s", first.Outcome)
	}
	if _, err := m.TryBegin("run-2"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	m.SetState(types.StateFetchingArticles)
	m.UpdateCounters(types.RunCounters{Candidates: 4})
	status := m.GetStatus()
	if !status.Running || status.State != types.StateFetchingArticles {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastRun == nil || status.LastRun.RunID != "run-1" || status.LastRun.Counters.Candidates != 4 {
		t.Fatalf("status should show the current run, got %+v", status.LastRun)
	}

	first.Outcome = types.OutcomeCompleted
	m.Finish(first)
	status = m.GetStatus()
	if status.Running || status.State != types.StateIdle {
		t.Fatalf("manager should be idle, got %+v", status)
	}
	if status.LastRun.Outcome != types.OutcomeCompleted || status.LastRun.FinishedAt == nil {
		t.Fatalf("unexpected last run %+v", status.LastRun)
	}

	if _, err := m.TryBegin("run-3"); err != nil {
		t.Fatalf("TryBegin after Finish: %v", err)
	}
}

func TestManagerLogRing(t *testing.T) {
	m := NewManager(zerolog.Nop())
	for i := 0; i < maxLogs+10; i++ {
		m.AddLog(fmt.Sprintf("line %d", i))
	}
	logs := m.GetStatus().Logs
	if len(logs) != maxLogs {
		t.Fatalf("expected %d logs, got %d", maxLogs, len(logs))
	}
	if logs[0].Message != "line 10" || logs[len(logs)-1].Message != fmt.Sprintf("line %d", maxLogs+9) {
		t.Fatalf("ring kept the wrong lines: first=%q last=%q", logs[0].Message, logs[len(logs)-1].Message)
	}

	logs[0].Message = "mutated"
	if m.GetStatus().Logs[0].Message == "mutated" {
		t.Fatal("GetStatus must return a copy of the logs")
	}
}

func TestOrchestrationFailureUnwraps(t *testing.T) {
	cause := errors.New("engine down")
	err := fmt.Errorf("wrapped: %w", &OrchestrationFailure{Stage: types.StateSummarizing, Committed: 3, Err: cause})

	var failure *OrchestrationFailure
	if !errors.As(err, &failure) || failure.Committed != 3 {
		t.Fatalf("errors.As failed for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("failure should unwrap to its cause")
	}
}
