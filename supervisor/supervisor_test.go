package supervisor

import (
	"testing"

	"github.com/mbrt/rres/bandwidth"
	"github.com/mbrt/rres/clock"
	"github.com/mbrt/rres/server"
)

func params(qMin, q, p int64) server.Params {
	return server.Params{QMin: clock.Duration(qMin), Q: clock.Duration(q), P: clock.Duration(p)}
}

func TestInitServerGrantsFullBandwidthWhenUncontended(t *testing.T) {
	s := New()
	approved, err := s.InitServer(1, 100, 100, params(10, 50, 100))
	if err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	if approved != 50 {
		t.Fatalf("expected full approval of 50, got %d", approved)
	}
}

func TestInitServerRejectsMinBudgetAboveConstraint(t *testing.T) {
	s := New()
	s.AddUserConstraint(100, Constraint{Level: 0, Weight: 1, MaxBw: bandwidth.FromQP(10, 100), MaxMinBw: bandwidth.FromQP(10, 100)})
	_, err := s.InitServer(1, 100, 100, params(50, 50, 100))
	if err == nil {
		t.Fatal("expected rejection: QMin/P exceeds the user's MaxMinBw constraint")
	}
}

func TestInitServerCompressesWhenUsersOversubscribe(t *testing.T) {
	s := New()
	// Two users, each asking for 60% with no guarantee floor (QMin=0);
	// together they oversubscribe the 95% ULub ceiling and must be
	// compressed proportionally.
	if _, err := s.InitServer(1, 1, 1, params(0, 60, 100)); err != nil {
		t.Fatalf("InitServer user1: %v", err)
	}
	approved2, err := s.InitServer(2, 2, 2, params(0, 60, 100))
	if err != nil {
		t.Fatalf("InitServer user2: %v", err)
	}
	if approved2 >= 60 {
		t.Fatalf("expected user2 to be compressed below its request of 60, got %d", approved2)
	}
	approved1 := s.ApprovedBudget(1)
	if approved1+approved2 > 100 {
		t.Fatalf("total approved %d+%d exceeds period", approved1, approved2)
	}
}

func TestCleanupServerReleasesGuaranteedBandwidth(t *testing.T) {
	s := New()
	if _, err := s.InitServer(1, 1, 1, params(40, 40, 100)); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	if err := s.CleanupServer(1); err != nil {
		t.Fatalf("CleanupServer: %v", err)
	}
	if s.totGuaBw != 0 {
		t.Fatalf("expected guaranteed bandwidth released, got %d", s.totGuaBw)
	}
	if _, err := s.InitServer(2, 1, 1, params(90, 90, 100)); err != nil {
		t.Fatalf("expected room for a fresh reservation after cleanup: %v", err)
	}
}

func TestSetRequiredBWSaturatesAtMaxUserBw(t *testing.T) {
	s := New()
	s.AddUserConstraint(1, Constraint{Level: 0, Weight: 1, MaxBw: bandwidth.FromQP(30, 100), MaxMinBw: bandwidth.FromQP(30, 100)})
	if _, err := s.InitServer(1, 1, 1, params(10, 10, 100)); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	if err := s.SetRequiredBW(1, bandwidth.FromQP(90, 100)); err != nil {
		t.Fatalf("SetRequiredBW: %v", err)
	}
	approved := s.ApprovedBudget(1)
	if approved > 30 {
		t.Fatalf("expected approval capped at the user's MaxBw of 30, got %d", approved)
	}
}

func TestReserveSpareRejectedAfterServerExists(t *testing.T) {
	s := New()
	if _, err := s.InitServer(1, 1, 1, params(1, 1, 100)); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	if err := s.ReserveSpare(bandwidth.FromQP(5, 100)); err == nil {
		t.Fatal("expected ReserveSpare to fail once a server exists")
	}
}

func TestAvailableGuaranteedBWAccountsForExistingReservation(t *testing.T) {
	s := New()
	if _, err := s.InitServer(1, 7, 42, params(20, 20, 100)); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	avail := s.AvailableGuaranteedBW(7, 42)
	wantMinBw := bandwidth.CeilFromQP(20, 100)
	if avail != bandwidth.Sub(ULub, wantMinBw) {
		t.Fatalf("unexpected available guaranteed bandwidth: %d", avail)
	}
}

func TestLastAddedUserConstraintWins(t *testing.T) {
	s := New()
	s.AddUserConstraint(1, Constraint{Level: 0, Weight: 1, MaxBw: bandwidth.FromQP(10, 100), MaxMinBw: bandwidth.FromQP(10, 100)})
	s.AddUserConstraint(1, Constraint{Level: 0, Weight: 1, MaxBw: bandwidth.FromQP(50, 100), MaxMinBw: bandwidth.FromQP(50, 100)})
	constr := s.findConstraint(1, 1)
	if constr.MaxBw != bandwidth.FromQP(50, 100) {
		t.Fatalf("expected the most recently added rule to win, got MaxBw=%d", constr.MaxBw)
	}
}

func TestInitServerRejectsDefaultFlagFromNonRootNonDefaultPrincipal(t *testing.T) {
	s := New()
	p := params(10, 10, 100)
	p.Flags = server.FlagDefault
	if _, err := s.InitServer(1, 100, 100, p); err == nil {
		t.Fatal("expected rejection: DEFAULT flag reserved for uid 0 or the configured default-service principal")
	}
}

func TestInitServerAllowsDefaultFlagFromConfiguredPrincipal(t *testing.T) {
	s := NewWithConfig(Config{DefaultServerUID: 100, DefaultServerGID: 100})
	p := params(10, 10, 100)
	p.Flags = server.FlagDefault
	if _, err := s.InitServer(1, 100, 100, p); err != nil {
		t.Fatalf("expected the configured default-service principal to succeed: %v", err)
	}
}

func TestInitServerRejectsSecondDefaultServer(t *testing.T) {
	s := New()
	p := params(10, 10, 100)
	p.Flags = server.FlagDefault
	if _, err := s.InitServer(1, 0, 0, p); err != nil {
		t.Fatalf("first DEFAULT server should be admitted: %v", err)
	}
	if _, err := s.InitServer(2, 0, 0, p); err == nil {
		t.Fatal("expected rejection: a DEFAULT server already exists")
	}
}

func TestCleanupServerFreesDefaultSlot(t *testing.T) {
	s := New()
	p := params(10, 10, 100)
	p.Flags = server.FlagDefault
	if _, err := s.InitServer(1, 0, 0, p); err != nil {
		t.Fatalf("InitServer: %v", err)
	}
	if err := s.CleanupServer(1); err != nil {
		t.Fatalf("CleanupServer: %v", err)
	}
	if _, err := s.InitServer(2, 0, 0, p); err != nil {
		t.Fatalf("expected the DEFAULT slot to be free after cleanup: %v", err)
	}
}
