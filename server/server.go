// Package server implements the reservation Server: the per-client EDF
// budget/period/deadline state machine described in spec.md §3–§4.4,
// adapted from the original qres_lib's server_t/qres_server_t and the
// Dormant/Ready/Running/Exhausted/Destroyed lifecycle it implements
// across recharge()/exhaust()/activate()/deactivate().
package server

import (
	"fmt"
	"sync"

	"github.com/mbrt/rres/bandwidth"
	"github.com/mbrt/rres/clock"
	"github.com/mbrt/rres/errs"
	"github.com/mbrt/rres/readyqueue"
)

// MinPeriod is the minimum allowed server period (I5), matching the
// original's MIN_SRV_PERIOD of 1000us.
const MinPeriod clock.Duration = 1000

// ID is a server identifier; never 0. scheduler.Registry allocates ids
// from a counter that does not hand out a destroyed server's id again
// (readyqueue.ID shares the same underlying type for reuse in the ready
// queue's entries).
type ID = readyqueue.ID

// Flags is a bitmask of server behavior modifiers (spec.md §3).
type Flags uint32

const (
	// FlagDefault marks the distinguished server hosting tasks not
	// otherwise reserved. At most one may exist (I7); reserved for a
	// configured default-service principal.
	FlagDefault Flags = 1 << iota
	// FlagSoft allows tasks to run best-effort outside the reservation
	// when budget is exhausted, with no change to RR accounting.
	FlagSoft
	// FlagNoMulti rejects attach() once the server already has a task.
	FlagNoMulti
	// FlagPersistent prevents automatic destruction when the task set
	// becomes empty.
	FlagPersistent
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Params are the user-submitted reservation parameters, mirroring
// qres_params_t. They are stored as submitted and are not rounded to
// bandwidth granularity; only the bandwidths the Supervisor derives from
// them are rounded.
type Params struct {
	QMin    clock.Duration // guaranteed minimum budget
	Q       clock.Duration // requested budget
	P       clock.Duration // period
	Flags   Flags
	Timeout clock.Duration // advisory; not interpreted by the core
}

// Stat tracks server lifetime statistics.
type Stat struct {
	RechargeCount  uint64
	TotalExecTime  clock.Duration
}

// TaskID identifies a host task attached to a server. The core treats it
// as an opaque comparable key; hostiface.TaskID is its concrete type.
type TaskID any

// State is the observable lifecycle state of a Server (spec.md §4.4).
type State int

const (
	Dormant State = iota
	Ready
	Running
	Exhausted
	Destroyed
)

func (s State) String() string {
	switch s {
	case Dormant:
		return "Dormant"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Exhausted:
		return "Exhausted"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// RechargeFn is the shape of a callback yielding the Supervisor-provided
// U_current for a server's next instance. Nothing in this module invokes
// one: scheduler.Registry.Tick passes U_current to Recharge directly. The
// Server never talks to the Supervisor itself (that coupling lives in
// scheduler.Registry), which keeps the recharge postponement arithmetic
// testable in isolation.
type RechargeFn func(srv *Server) bandwidth.Bw

// Server is the reservation server: budget/period/deadline state, task
// set, recharge, and activation bookkeeping (spec.md §3).
type Server struct {
	mu sync.Mutex

	ID       ID
	Params   Params
	ApprovedQ clock.Duration // Q currently granted by the Supervisor
	MaxBudget clock.Duration // approved_Q as a Duration
	Current   clock.Duration // c: current budget, may be transiently negative
	Deadline  clock.Instant
	UCurrent  bandwidth.Bw // bandwidth assigned for the next instance

	ready   map[TaskID]struct{}
	blocked map[TaskID]struct{}

	Activations int
	State       State

	ReadyHandle *readyqueue.Handle // opaque placeholder owned by the scheduler's ready queue

	Stat Stat

	OwnerUID int
	OwnerGID int

	// Weight is opaque scheduler-agnostic metadata (spec.md §9: "plumbed
	// but never consumed until a reclaimer is added"), settable/gettable
	// via set_weight/get_weight.
	Weight int
}

// New constructs a Server in the Dormant state. Validation and rounding
// against bandwidth granularity is the caller's (scheduler/supervisor)
// responsibility per spec.md §4.4 Init — this constructor never fails.
func New(id ID, params Params, approvedQ clock.Duration, now clock.Instant, ownerUID, ownerGID int) *Server {
	return &Server{
		ID:        id,
		Params:    params,
		ApprovedQ: approvedQ,
		MaxBudget: approvedQ,
		Current:   0,
		Deadline:  now,
		ready:     make(map[TaskID]struct{}),
		blocked:   make(map[TaskID]struct{}),
		State:     Dormant,
		OwnerUID:  ownerUID,
		OwnerGID:  ownerGID,
	}
}

// ValidateParams checks the structural constraints from spec.md §4.4 Init
// / set_params: P >= MinPeriod, Q_min <= Q <= P. It does not perform
// bandwidth-granularity rounding (bandwidth.CeilFromQP) — callers validate
// the raw values first and round afterwards, matching qres_init_server's
// order of checks before rounding and qres_set_params's checks also
// before rounding.
func ValidateParams(p Params) error {
	if p.P < MinPeriod {
		return errs.New(errs.InvalidParam, "server.ValidateParams", fmt.Sprintf("period %d below MinPeriod %d", p.P, MinPeriod))
	}
	if p.Q > p.P {
		return errs.New(errs.InvalidParam, "server.ValidateParams", fmt.Sprintf("budget %d exceeds period %d", p.Q, p.P))
	}
	if p.QMin > p.Q {
		return errs.New(errs.InvalidParam, "server.ValidateParams", fmt.Sprintf("minimum budget %d exceeds budget %d", p.QMin, p.Q))
	}
	if p.QMin < 0 || p.Q < 0 {
		return errs.New(errs.InvalidParam, "server.ValidateParams", "negative budget")
	}
	return nil
}

// HasReadyTasks reports whether the server currently has at least one
// runnable (not blocked) task.
func (s *Server) HasReadyTasks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) > 0
}

// TaskCount returns the total number of tasks attached (ready + blocked).
func (s *Server) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) + len(s.blocked)
}

// AttachTask adds tsk to the server's ready set (I6: callers must ensure
// the task does not already belong to another server before calling
// this). It returns only an error; it does not activate the server, which
// is left to the scheduler (scheduler.Registry activates on the first task).
func (s *Server) AttachTask(tsk TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Params.Flags.Has(FlagNoMulti) && (len(s.ready)+len(s.blocked)) > 0 {
		return errs.New(errs.Unauthorized, "server.AttachTask", "server has NOMULTI flag set and already has a task")
	}
	if _, ok := s.ready[tsk]; ok {
		return errs.New(errs.InvalidParam, "server.AttachTask", "task already attached")
	}
	if _, ok := s.blocked[tsk]; ok {
		return errs.New(errs.InvalidParam, "server.AttachTask", "task already attached")
	}
	s.ready[tsk] = struct{}{}
	return nil
}

// DetachTask removes tsk from the server's task sets. Returns nowEmpty
// so the caller (scheduler.Registry) can decide whether to call
// Deactivate and, if the task set became empty and PERSISTENT is
// unset, destroy the server outright (spec.md §4.4 detach).
func (s *Server) DetachTask(tsk TaskID) (nowEmpty bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, inReady := s.ready[tsk]
	_, inBlocked := s.blocked[tsk]
	if !inReady && !inBlocked {
		return false, errs.New(errs.NotFound, "server.DetachTask", "task not attached to this server")
	}
	delete(s.ready, tsk)
	delete(s.blocked, tsk)
	return len(s.ready)+len(s.blocked) == 0, nil
}

// OnTaskBlock moves tsk from ready to blocked. Returns true if the server
// has no more ready tasks as a result (caller should call Deactivate).
func (s *Server) OnTaskBlock(tsk TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ready[tsk]; !ok {
		return len(s.ready) == 0
	}
	delete(s.ready, tsk)
	s.blocked[tsk] = struct{}{}
	return len(s.ready) == 0
}

// OnTaskUnblock moves tsk from blocked to ready. Returns true if this is
// the server's first ready task (caller should call Activate).
func (s *Server) OnTaskUnblock(tsk TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocked[tsk]; !ok {
		return false
	}
	delete(s.blocked, tsk)
	wasEmpty := len(s.ready) == 0
	s.ready[tsk] = struct{}{}
	return wasEmpty
}

// ReadyTasks returns a snapshot of currently-ready task ids.
func (s *Server) ReadyTasks() []TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskID, 0, len(s.ready))
	for t := range s.ready {
		out = append(out, t)
	}
	return out
}

// Activate increments the activation counter. If this is the first
// activation of a dormant server it either resumes at the existing
// (deadline, c) or, if now has already passed deadline, recharges with a
// fresh instance starting now — spec.md §4.4 activate(). Returns true if
// the server should be (re-)inserted into the ready queue.
func (s *Server) Activate(now clock.Instant) (insertIntoReadyQueue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Activations++
	if s.Activations != 1 {
		return false
	}
	if s.State == Dormant {
		if !now.Before(s.Deadline) {
			s.Deadline = now.Add(s.Params.P)
			s.Current = s.MaxBudget
		}
	}
	s.State = Ready
	return true
}

// Deactivate decrements the activation counter. When it reaches zero the
// server must be removed from the ready queue by the caller (a later
// Activate at or after the deadline starts a fresh instance, so a
// resumption never inherits a stale deadline). Returns true if the server became idle (activations
// reached 0).
func (s *Server) Deactivate() (becameIdle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Activations > 0 {
		s.Activations--
	}
	if s.Activations == 0 {
		if s.State == Ready || s.State == Running {
			s.State = Dormant
		}
		return true
	}
	return false
}

// Consume debits dt from the current budget. Returns true if the server
// is now exhausted (c <= 0), in which case the caller must call Exhaust.
func (s *Server) Consume(dt clock.Duration) (exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Current -= dt
	s.Stat.TotalExecTime += dt
	return s.Current <= 0
}

// Exhaust marks the server Exhausted. The caller is responsible for
// removing it from the ready queue and for recharging it once the current
// deadline has passed (scheduler.Registry.Tick does both); deadline +=
// period happens in Recharge, not here (spec.md §4.4).
func (s *Server) Exhaust() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = Exhausted
}

// Recharge implements the CBS postponement: c += max_budget (so an
// overrun is paid for out of the next instance's budget), clamped to
// max_budget if it stayed positive; deadline advances by one period.
// uCurrent is the bandwidth the Supervisor has approved for the next
// instance, written to U_current. Returns true if the server has ready
// tasks and must be (re-)inserted into the ready queue.
func (s *Server) Recharge(uCurrent bandwidth.Bw) (hasReadyTasks bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Current += s.MaxBudget
	if s.Current > 0 && s.Current > s.MaxBudget {
		s.Current = s.MaxBudget
	}
	s.Deadline = s.Deadline.Add(s.Params.P)
	s.UCurrent = uCurrent
	s.Stat.RechargeCount++
	if len(s.ready) > 0 {
		s.State = Ready
		return true
	}
	s.State = Dormant
	return false
}

// SetApprovedBudget applies a new Supervisor-approved Q, updating
// MaxBudget (and the Duration view of it). Current budget is left
// untouched — it is refreshed at the next recharge, per spec.md §4.4
// set_params's "@note: Current budget is updated at the next recharge."
func (s *Server) SetApprovedBudget(q clock.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ApprovedQ = q
	s.MaxBudget = q
}

// ApplyParams atomically replaces Params after a successful set_params
// admission check. Flags are immutable — callers must reject a flags
// change before calling this (spec.md §4.4).
func (s *Server) ApplyParams(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Flags = s.Params.Flags // immutable
	s.Params = p
}

// CurrBudget returns the current budget (get_curr_budget).
func (s *Server) CurrBudget() clock.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Current
}

// NextBudget returns the budget implied by U_current for the next
// instance (get_next_budget).
func (s *Server) NextBudget() clock.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clock.Duration(bandwidth.QFromBw(s.UCurrent, int64(s.Params.P)))
}

// ApprovedBudget returns the currently approved Q (get_approved_budget).
func (s *Server) ApprovedBudget() clock.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ApprovedQ
}

// GetDeadline returns the server's absolute deadline.
func (s *Server) GetDeadline() clock.Instant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Deadline
}

// ExecTime returns the cumulative CPU time debited against this server
// over its lifetime (get_exec_time).
func (s *Server) ExecTime() clock.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stat.TotalExecTime
}

// SetWeight stores opaque scheduler metadata (set_weight).
func (s *Server) SetWeight(w int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Weight = w
}

// GetWeight returns the opaque scheduler metadata last set by SetWeight
// (get_weight); zero if never set.
func (s *Server) GetWeight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Weight
}

// Snapshot returns a consistent, copied view of observable state for
// introspection (no locks held by callers of this method are required).
type Snapshot struct {
	ID          ID
	State       string
	Params      Params
	ApprovedQ   clock.Duration
	Current     clock.Duration
	Deadline    clock.Instant
	UCurrent    bandwidth.Bw
	Activations int
	Stat        Stat
	ReadyCount  int
	BlockedCount int
	Weight      int
}

func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.ID,
		State:        s.State.String(),
		Params:       s.Params,
		ApprovedQ:    s.ApprovedQ,
		Current:      s.Current,
		Deadline:     s.Deadline,
		UCurrent:     s.UCurrent,
		Activations:  s.Activations,
		Stat:         s.Stat,
		ReadyCount:   len(s.ready),
		BlockedCount: len(s.blocked),
		Weight:       s.Weight,
	}
}
