package server

import (
	"testing"

	"github.com/mbrt/rres/bandwidth"
	"github.com/mbrt/rres/clock"
)

func newTestServer() *Server {
	p := Params{QMin: 10, Q: 20, P: 100}
	return New(1, p, 20, 0, 1000, 1000)
}

func TestValidateParamsRejectsShortPeriod(t *testing.T) {
	err := ValidateParams(Params{QMin: 1, Q: 1, P: MinPeriod - 1})
	if err == nil {
		t.Fatal("expected error for period below MinPeriod")
	}
}

func TestValidateParamsRejectsBudgetExceedingPeriod(t *testing.T) {
	err := ValidateParams(Params{QMin: 1, Q: 200, P: 100})
	if err == nil {
		t.Fatal("expected error for Q > P")
	}
}

func TestValidateParamsRejectsQMinExceedingQ(t *testing.T) {
	err := ValidateParams(Params{QMin: 50, Q: 20, P: 100})
	if err == nil {
		t.Fatal("expected error for QMin > Q")
	}
}

func TestValidateParamsAccepts(t *testing.T) {
	if err := ValidateParams(Params{QMin: 10, Q: 20, P: MinPeriod}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAttachDetachTask(t *testing.T) {
	s := newTestServer()
	if err := s.AttachTask("t1"); err != nil {
		t.Fatalf("AttachTask: %v", err)
	}
	if !s.HasReadyTasks() {
		t.Fatal("expected ready tasks after attach")
	}
	empty, err := s.DetachTask("t1")
	if err != nil {
		t.Fatalf("DetachTask: %v", err)
	}
	if !empty {
		t.Fatal("expected server to be empty after detaching only task")
	}
}

func TestAttachDuplicateRejected(t *testing.T) {
	s := newTestServer()
	if err := s.AttachTask("t1"); err != nil {
		t.Fatalf("AttachTask: %v", err)
	}
	if err := s.AttachTask("t1"); err == nil {
		t.Fatal("expected error attaching the same task twice")
	}
}

func TestNoMultiRejectsSecondTask(t *testing.T) {
	p := Params{QMin: 10, Q: 20, P: 100, Flags: FlagNoMulti}
	s := New(1, p, 20, 0, 0, 0)
	if err := s.AttachTask("t1"); err != nil {
		t.Fatalf("AttachTask: %v", err)
	}
	if err := s.AttachTask("t2"); err == nil {
		t.Fatal("expected NOMULTI to reject a second task")
	}
}

func TestDetachUnknownTaskFails(t *testing.T) {
	s := newTestServer()
	if _, err := s.DetachTask("ghost"); err == nil {
		t.Fatal("expected error detaching a task never attached")
	}
}

func TestOnTaskBlockUnblock(t *testing.T) {
	s := newTestServer()
	s.AttachTask("t1")
	if becameEmpty := s.OnTaskBlock("t1"); !becameEmpty {
		t.Fatal("expected server to have no ready tasks after blocking its only task")
	}
	if s.HasReadyTasks() {
		t.Fatal("task should no longer be ready")
	}
	if firstReady := s.OnTaskUnblock("t1"); !firstReady {
		t.Fatal("expected unblock to report first-ready transition")
	}
	if !s.HasReadyTasks() {
		t.Fatal("task should be ready again")
	}
}

func TestActivateResumesExistingInstanceBeforeDeadline(t *testing.T) {
	s := newTestServer()
	s.Deadline = 500
	s.Current = 7
	insert := s.Activate(100)
	if !insert {
		t.Fatal("expected Activate to request ready-queue insertion")
	}
	if s.Deadline != 500 || s.Current != 7 {
		t.Fatalf("expected existing instance preserved, got deadline=%d current=%d", s.Deadline, s.Current)
	}
	if s.State != Ready {
		t.Fatalf("expected Ready state, got %v", s.State)
	}
}

func TestActivateStartsFreshInstanceAfterDeadline(t *testing.T) {
	s := newTestServer()
	s.Deadline = 50
	insert := s.Activate(100)
	if !insert {
		t.Fatal("expected Activate to request ready-queue insertion")
	}
	if s.Deadline != 100+clock.Instant(s.Params.P) {
		t.Fatalf("expected fresh deadline now+P, got %d", s.Deadline)
	}
	if s.Current != s.MaxBudget {
		t.Fatalf("expected fresh budget = MaxBudget, got %d", s.Current)
	}
}

func TestActivateNestedDoesNotReinsert(t *testing.T) {
	s := newTestServer()
	s.Activate(0)
	if insert := s.Activate(0); insert {
		t.Fatal("nested Activate must not request a second ready-queue insertion")
	}
}

func TestDeactivateBecomesIdleOnlyAtZero(t *testing.T) {
	s := newTestServer()
	s.Activate(0)
	s.Activate(0)
	if idle := s.Deactivate(); idle {
		t.Fatal("should not be idle with one activation remaining")
	}
	if idle := s.Deactivate(); !idle {
		t.Fatal("should be idle once activations reach zero")
	}
	if s.State != Dormant {
		t.Fatalf("expected Dormant, got %v", s.State)
	}
}

func TestConsumeReportsExhaustion(t *testing.T) {
	s := newTestServer()
	s.Current = 10
	if exhausted := s.Consume(5); exhausted {
		t.Fatal("should not be exhausted yet")
	}
	if exhausted := s.Consume(5); !exhausted {
		t.Fatal("should be exhausted once current reaches 0")
	}
	if s.Stat.TotalExecTime != 10 {
		t.Fatalf("expected TotalExecTime=10, got %d", s.Stat.TotalExecTime)
	}
}

func TestRechargePostponesOverrunAndAdvancesDeadline(t *testing.T) {
	s := newTestServer()
	s.AttachTask("t1")
	s.Deadline = 100
	s.Current = -5 // overrun
	hasReady := s.Recharge(bandwidth.Full)
	if !hasReady {
		t.Fatal("expected hasReadyTasks true with an attached task")
	}
	if s.Current != s.MaxBudget-5 {
		t.Fatalf("expected overrun carried over, got %d", s.Current)
	}
	if s.Deadline != 100+clock.Instant(s.Params.P) {
		t.Fatalf("expected deadline advanced by one period, got %d", s.Deadline)
	}
	if s.Stat.RechargeCount != 1 {
		t.Fatalf("expected RechargeCount=1, got %d", s.Stat.RechargeCount)
	}
}

func TestRechargeClampsToMaxBudget(t *testing.T) {
	s := newTestServer()
	s.Current = s.MaxBudget // no overrun at all
	s.Recharge(bandwidth.Full)
	if s.Current != s.MaxBudget {
		t.Fatalf("expected budget clamped to MaxBudget, got %d", s.Current)
	}
}

func TestRechargeWithNoReadyTasksGoesDormant(t *testing.T) {
	s := newTestServer()
	hasReady := s.Recharge(bandwidth.Full)
	if hasReady {
		t.Fatal("expected hasReadyTasks false with no attached tasks")
	}
	if s.State != Dormant {
		t.Fatalf("expected Dormant, got %v", s.State)
	}
}

func TestApplyParamsPreservesFlags(t *testing.T) {
	p := Params{QMin: 1, Q: 2, P: 100, Flags: FlagPersistent}
	s := New(1, p, 2, 0, 0, 0)
	s.ApplyParams(Params{QMin: 1, Q: 2, P: 200, Flags: FlagSoft})
	if s.Params.Flags != FlagPersistent {
		t.Fatalf("expected flags unchanged, got %v", s.Params.Flags)
	}
	if s.Params.P != 200 {
		t.Fatalf("expected period updated, got %d", s.Params.P)
	}
}

func TestSetApprovedBudgetDoesNotTouchCurrent(t *testing.T) {
	s := newTestServer()
	s.Current = 5
	s.SetApprovedBudget(50)
	if s.Current != 5 {
		t.Fatalf("expected current budget untouched, got %d", s.Current)
	}
	if s.ApprovedBudget() != 50 {
		t.Fatalf("expected approved budget 50, got %d", s.ApprovedBudget())
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	s := newTestServer()
	s.AttachTask("t1")
	snap := s.Snapshot()
	if snap.ReadyCount != 1 {
		t.Fatalf("expected ReadyCount=1, got %d", snap.ReadyCount)
	}
	if snap.State != "Dormant" {
		t.Fatalf("expected Dormant before activation, got %s", snap.State)
	}
}
