// Package scheduler implements the global reservation registry: server
// lifecycle (create/destroy/attach/detach/set_params), the system-wide
// bandwidth admission test, EDF dispatch, and recharge/exhaustion
// handling, adapted from control_plane/scheduler's Scheduler type (a
// single RWMutex-guarded struct with Submit/Start/worker/processNextTask)
// and original_source/src/qres.c + rres.h for the domain semantics.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mbrt/rres/bandwidth"
	"github.com/mbrt/rres/clock"
	"github.com/mbrt/rres/errs"
	"github.com/mbrt/rres/hostiface"
	"github.com/mbrt/rres/observability"
	"github.com/mbrt/rres/readyqueue"
	"github.com/mbrt/rres/ruledb"
	"github.com/mbrt/rres/server"
	"github.com/mbrt/rres/supervisor"
)

// ID identifies a server in the registry.
type ID = server.ID

// toleranceNum/toleranceDen is the 1% admission slack the original adds
// on top of the Supervisor's ULub, so that rounding a server's bandwidth
// up to the next representable fraction never spuriously fails
// admission for an allocation that is really just barely at the limit.
const toleranceNum, toleranceDen = 1, 100

// ULub2 is the ceiling used by the scheduler's own system-wide bandwidth
// test (distinct from, and looser than, the Supervisor's per-user/level
// test), matching U_LUB2 = U_LUB + r2bw_c(1,100) from rres_server.h.
var ULub2 = bandwidth.Add(supervisor.ULub, bandwidth.FromQP(toleranceNum, toleranceDen))

type entry struct {
	srv *server.Server
	bw  bandwidth.Bw // this server's current contribution to uTot
}

// Registry is the scheduler core. A single mutex serializes every
// operation — server mutation, ready-queue edits, and dispatch — which
// is the concurrency model the original kernel module assumes with its
// generic_scheduler_lock (§5): short, non-blocking critical sections.
// The lock is held across the Dispatch/Stop calls dispatchLocked makes
// into the host.
type Registry struct {
	mu sync.Mutex

	clockSrc clock.Source
	sup      *supervisor.Supervisor
	host     hostiface.Collaborator

	servers map[ID]*entry
	queue   *readyqueue.Queue
	nextID  ID

	uTot bandwidth.Bw

	taskOwner map[hostiface.TaskID]ID

	running     ID // id of the server currently dispatched on the CPU, 0 if none
	runningTask hostiface.TaskID
	hasRunning  bool

	audit  ruledb.AuditSink
	events EventSink
	logger *log.Logger
}

// EventSink receives scheduling-decision notifications as they happen
// (dispatch/stop/recharge/exhaust/admission-reject), satisfied by
// introspect.Hub without this package needing to import it — the core
// never depends on how, or whether, those events get displayed.
type EventSink interface {
	Emit(kind string, serverID int, taskID string, detail string)
}

// SetEventSink installs a sink notified of every dispatch decision. Not
// set by default; the scheduler never pays for this when nothing is
// listening.
func (r *Registry) SetEventSink(sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = sink
}

func (r *Registry) emit(kind string, serverID int, taskID hostiface.TaskID, detail string) {
	if r.events == nil {
		return
	}
	r.events.Emit(kind, serverID, fmt.Sprint(taskID), detail)
}

// New returns an empty Registry. host may be nil for tests that only
// exercise admission/accounting and never reach dispatch. Admission and
// recharge events are discarded unless SetAuditSink installs a durable
// one.
func New(clockSrc clock.Source, sup *supervisor.Supervisor, host hostiface.Collaborator) *Registry {
	return &Registry{
		clockSrc:  clockSrc,
		sup:       sup,
		host:      host,
		servers:   make(map[ID]*entry),
		queue:     readyqueue.New(),
		taskOwner: make(map[hostiface.TaskID]ID),
		audit:     ruledb.NoopAuditSink{},
		logger:    log.New(os.Stderr, "scheduler: ", log.LstdFlags),
	}
}

// SetLogger replaces the Registry's diagnostic logger, used exclusively
// for hook invocations that must clamp state rather than propagate an
// error to the host (spec.md §4.4).
func (r *Registry) SetLogger(l *log.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l == nil {
		return
	}
	r.logger = l
}

// SetAuditSink installs a durable sink recording admission and recharge
// events as they happen, matching qres.c's behavior of never letting
// logging ability block a scheduling decision: a write failure here is
// never surfaced to the caller.
func (r *Registry) SetAuditSink(sink ruledb.AuditSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sink == nil {
		sink = ruledb.NoopAuditSink{}
	}
	r.audit = sink
}

// newServerIDLocked allocates the next server id, skipping the sentinel
// 0 and any id still in use, matching qres.c's new_server_id(): a
// monotonic counter that never resets and never reuses a live id, even
// right after a destroy.
func (r *Registry) newServerIDLocked() ID {
	for {
		r.nextID++
		if r.nextID == 0 {
			continue
		}
		if _, exists := r.servers[r.nextID]; !exists {
			return r.nextID
		}
	}
}

// CreateServer admits a new reservation for (uid, gid) with the given
// parameters, running the Supervisor's per-user/level admission test
// and then the scheduler's own system-wide bandwidth test against
// ULub2. On any rejection no state is left behind.
func (r *Registry) CreateServer(uid, gid int, params server.Params) (ID, error) {
	if err := server.ValidateParams(params); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newServerIDLocked()
	approvedQ, err := r.sup.InitServer(id, uid, gid, params)
	if err != nil {
		observability.AdmissionRejections.WithLabelValues(errs.CodeOf(err).String()).Inc()
		r.recordAdmissionLocked(id, uid, gid, ruledb.AdmissionRejected, errs.CodeOf(err), 0)
		r.emit("admission_reject", int(id), hostiface.TaskID{}, errs.CodeOf(err).String())
		return 0, err
	}

	newBw := bandwidth.CeilFromQP(int64(approvedQ), int64(params.P))
	if r.uTot+newBw > ULub2 {
		r.sup.CleanupServer(id)
		observability.AdmissionRejections.WithLabelValues(errs.SystemOverload.String()).Inc()
		r.recordAdmissionLocked(id, uid, gid, ruledb.AdmissionRejected, errs.SystemOverload, 0)
		r.emit("admission_reject", int(id), hostiface.TaskID{}, errs.SystemOverload.String())
		return 0, errs.New(errs.SystemOverload, "Registry.CreateServer", "system-wide bandwidth exhausted")
	}

	now := r.clockSrc.Now()
	srv := server.New(id, params, approvedQ, now, uid, gid)
	r.servers[id] = &entry{srv: srv, bw: newBw}
	r.uTot += newBw
	r.rebalanceLocked()
	observability.ServerCount.Set(float64(len(r.servers)))
	observability.TotalBandwidth.Set(float64(r.uTot) / float64(bandwidth.Scale))
	observability.ServerApprovedBandwidth.WithLabelValues(observability.ServerLabel(int(id))).Set(float64(newBw) / float64(bandwidth.Scale))
	r.recordAdmissionLocked(id, uid, gid, ruledb.AdmissionAccepted, errs.OK, int64(approvedQ))
	return id, nil
}

// recordAdmissionLocked fires off the audit write without holding up
// the caller: Postgres latency or unavailability must never slow down
// an admission decision already made.
func (r *Registry) recordAdmissionLocked(id ID, uid, gid int, outcome ruledb.AdmissionOutcome, code errs.Code, approvedQ int64) {
	sink := r.audit
	rec := ruledb.AdmissionRecord{
		ServerID:  int(id),
		UID:       uid,
		GID:       gid,
		Outcome:   outcome,
		ErrorCode: code,
		ApprovedQ: approvedQ,
		Timestamp: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sink.RecordAdmission(ctx, rec)
	}()
}

// DestroyServer tears down a server on behalf of callerUID (must own it
// or be root, spec.md §4.7): all its tasks must already have been
// detached (I6-adjacent — the registry does not silently orphan tasks).
// Recomputes every remaining server's approved bandwidth afterward,
// matching qres_update_bandwidths's full re-level on any create/destroy.
func (r *Registry) DestroyServer(callerUID int, id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok {
		return errs.New(errs.NotFound, "Registry.DestroyServer", "unknown server")
	}
	if err := Authorize(callerUID, e.srv.OwnerUID); err != nil {
		return err
	}
	return r.destroyServerLocked(id)
}

// destroyServerLocked performs DestroyServer's work assuming r.mu is
// already held and authorization (if any) already checked by the
// caller — shared by the authorized public DestroyServer and the
// automatic destruction of an emptied non-PERSISTENT server from
// DetachTask/OnTaskExit.
func (r *Registry) destroyServerLocked(id ID) error {
	e, ok := r.servers[id]
	if !ok {
		return errs.New(errs.NotFound, "Registry.DestroyServer", "unknown server")
	}
	if e.srv.TaskCount() > 0 {
		return errs.New(errs.InconsistentState, "Registry.DestroyServer", "server still has attached tasks")
	}
	r.removeFromQueueLocked(e.srv)
	if err := r.sup.CleanupServer(id); err != nil {
		return err
	}
	r.uTot = bandwidth.Sub(r.uTot, e.bw)
	delete(r.servers, id)
	if r.running == id {
		r.running = 0
	}
	r.rebalanceLocked()
	r.dispatchLocked()
	observability.ServerCount.Set(float64(len(r.servers)))
	observability.TotalBandwidth.Set(float64(r.uTot) / float64(bandwidth.Scale))
	return nil
}

// rebalanceLocked re-derives every server's approved budget from the
// Supervisor's current coefficients. Called after any admission event
// that can shift compression across the whole system (create, destroy,
// set_params).
func (r *Registry) rebalanceLocked() {
	for id, e := range r.servers {
		approvedBw := r.sup.ApprovedBW(id)
		approvedQ := clock.Duration(bandwidth.QFromBw(approvedBw, int64(e.srv.Params.P)))
		e.srv.SetApprovedBudget(approvedQ)
		observability.ServerApprovedBandwidth.WithLabelValues(observability.ServerLabel(int(id))).Set(float64(approvedBw) / float64(bandwidth.Scale))
	}
}

// Authorize implements the uid==0-or-match authorization rule used
// throughout qres.c's authorize_for_task/authorize_for_server: root may
// act on any server, everyone else only on their own.
func Authorize(callerUID, ownerUID int) error {
	if callerUID == 0 || callerUID == ownerUID {
		return nil
	}
	return errs.New(errs.Unauthorized, "Authorize", "caller does not own this server")
}

// AttachTask adds tsk to server id's ready set after authorizing
// callerUID against the server's owner. If this is the server's first
// task it is activated and inserted into the ready queue.
func (r *Registry) AttachTask(callerUID int, id ID, tsk hostiface.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok {
		return errs.New(errs.NotFound, "Registry.AttachTask", "unknown server")
	}
	if err := Authorize(callerUID, e.srv.OwnerUID); err != nil {
		return err
	}
	if _, exists := r.taskOwner[tsk]; exists {
		return errs.New(errs.InvalidParam, "Registry.AttachTask", "task already attached to a server")
	}
	if err := e.srv.AttachTask(tsk); err != nil {
		return err
	}
	r.taskOwner[tsk] = id
	if e.srv.TaskCount() == 1 {
		r.activateLocked(e.srv)
	}
	r.dispatchLocked()
	return nil
}

// DetachTask removes tsk from its owning server. If the server becomes
// empty and PERSISTENT is unset, the now-empty server is destroyed
// outright (spec.md §4.4 detach: "if task set becomes empty and
// PERSISTENT unset, request destruction"); a destroy failure here is
// clamped and logged rather than returned, since the detach itself
// already succeeded.
func (r *Registry) DetachTask(callerUID int, tsk hostiface.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.taskOwner[tsk]
	if !ok {
		return errs.New(errs.NotFound, "Registry.DetachTask", "task not attached to any server")
	}
	e := r.servers[id]
	if err := Authorize(callerUID, e.srv.OwnerUID); err != nil {
		return err
	}
	empty, err := e.srv.DetachTask(tsk)
	if err != nil {
		return err
	}
	delete(r.taskOwner, tsk)
	if empty {
		r.deactivateLocked(e.srv)
		if !e.srv.Params.Flags.Has(server.FlagPersistent) {
			if err := r.destroyServerLocked(id); err != nil {
				r.logger.Printf("DetachTask: auto-destroy of emptied non-persistent server %d failed: %v", id, err)
			}
			return nil
		}
	}
	r.dispatchLocked()
	return nil
}

// OnTaskBlock is called by the host when tsk blocks on I/O. If it was
// the server's last ready task, the server is deactivated and a new
// dispatch decision is made.
func (r *Registry) OnTaskBlock(tsk hostiface.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.taskOwner[tsk]
	if !ok {
		r.logger.Printf("OnTaskBlock: task %v not attached to any server, ignoring", tsk)
		return
	}
	e := r.servers[id]
	if becameEmpty := e.srv.OnTaskBlock(tsk); becameEmpty {
		r.deactivateLocked(e.srv)
	}
	r.dispatchLocked()
}

// OnTaskUnblock is called by the host when tsk becomes runnable again.
func (r *Registry) OnTaskUnblock(tsk hostiface.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.taskOwner[tsk]
	if !ok {
		r.logger.Printf("OnTaskUnblock: task %v not attached to any server, ignoring", tsk)
		return
	}
	e := r.servers[id]
	if firstReady := e.srv.OnTaskUnblock(tsk); firstReady {
		r.activateLocked(e.srv)
	}
	r.dispatchLocked()
}

// OnTaskExit is called by the host when tsk terminates on its own; it
// is equivalent to a DetachTask but never fails on an unknown task
// (exit races with explicit detach are expected) — errors are clamped
// and logged rather than propagated, since there is no caller left to
// report them to.
func (r *Registry) OnTaskExit(tsk hostiface.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.taskOwner[tsk]
	if !ok {
		r.logger.Printf("OnTaskExit: task %v not attached to any server, ignoring", tsk)
		return
	}
	e := r.servers[id]
	empty, err := e.srv.DetachTask(tsk)
	if err != nil {
		r.logger.Printf("OnTaskExit: task %v: %v, clamping stale ownership record", tsk, err)
		delete(r.taskOwner, tsk)
		return
	}
	delete(r.taskOwner, tsk)
	if empty {
		r.deactivateLocked(e.srv)
		if !e.srv.Params.Flags.Has(server.FlagPersistent) {
			if err := r.destroyServerLocked(id); err != nil {
				r.logger.Printf("OnTaskExit: auto-destroy of emptied non-persistent server %d failed: %v", id, err)
			}
			return
		}
	}
	r.dispatchLocked()
}

func (r *Registry) activateLocked(srv *server.Server) {
	now := r.clockSrc.Now()
	if insert := srv.Activate(now); insert {
		srv.ReadyHandle = r.queue.Push(srv.ID, srv.GetDeadline())
	}
}

func (r *Registry) deactivateLocked(srv *server.Server) {
	if idle := srv.Deactivate(); idle {
		r.removeFromQueueLocked(srv)
	}
}

func (r *Registry) removeFromQueueLocked(srv *server.Server) {
	if srv.ReadyHandle != nil {
		r.queue.Remove(srv.ReadyHandle)
		srv.ReadyHandle = nil
	}
}

// dispatchLocked picks the earliest-deadline ready server and, if it
// differs from whichever server is currently running, stops the old one
// and dispatches one of the new one's ready tasks. Tie-breaking between
// a server about to recharge and one about to be dispatched at the same
// instant is handled by Tick, which always processes exhaustion/recharge
// before calling dispatchLocked.
func (r *Registry) dispatchLocked() {
	if r.host == nil {
		return
	}
	h := r.queue.Peek()
	var want ID
	if h != nil {
		want = h.ID()
	}
	if want == r.running {
		return
	}
	if r.hasRunning {
		r.host.Stop(r.runningTask)
		r.emit("stop", int(r.running), r.runningTask, "")
		r.hasRunning = false
	}
	r.running = want
	if want != 0 {
		if e, ok := r.servers[want]; ok {
			e.srv.State = server.Running
			tasks := e.srv.ReadyTasks()
			if len(tasks) > 0 {
				t := tasks[0].(hostiface.TaskID)
				r.runningTask = t
				r.hasRunning = true
				r.host.Dispatch(t)
				r.emit("dispatch", int(want), t, "")
			}
		}
	}
}

// Tick advances scheduling to instant now: it consumes the elapsed
// budget of whichever server is running (exhausting it if the budget is
// used up), recharges every Exhausted or Ready server whose deadline has
// passed, and re-dispatches. Callers own the clock (cmd/rresd drives this
// from a periodic ticker; tests drive it directly off a FakeSource).
func (r *Registry) Tick(now clock.Instant, elapsed clock.Duration) {
	start := time.Now()
	defer func() {
		observability.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running != 0 {
		exhaustedID := r.running
		if e, ok := r.servers[r.running]; ok {
			if exhausted := e.srv.Consume(elapsed); exhausted {
				e.srv.Exhaust()
				r.removeFromQueueLocked(e.srv)
				r.running = 0
				r.emit("exhaust", int(exhaustedID), hostiface.TaskID{}, "")
			}
		}
	}

	for id, e := range r.servers {
		if !e.srv.GetDeadline().After(now) && (e.srv.State == server.Exhausted || e.srv.State == server.Ready) {
			uCurrent := r.sup.ApprovedBW(id)
			if hasReady := e.srv.Recharge(uCurrent); hasReady {
				e.srv.ReadyHandle = r.queue.Push(id, e.srv.GetDeadline())
			}
			observability.RechargeTotal.WithLabelValues(observability.ServerLabel(int(id))).Inc()
			r.recordRechargeLocked(id, e.srv.GetDeadline())
			r.emit("recharge", int(id), hostiface.TaskID{}, "")
		}
	}

	r.dispatchLocked()
	observability.ReadyQueueDepth.Set(float64(r.queue.Len()))
}

// SetParams re-validates and re-admits a parameter change on an existing
// server. Per qres_set_params, changing the flags is rejected outright;
// a change to QMin or P requires a full Supervisor re-admission
// (CleanupServer+InitServer), while any other change (just Q) only
// needs SetRequiredBW. Either way every server's approved budget is
// re-levelled afterward.
func (r *Registry) SetParams(callerUID int, id ID, newParams server.Params) error {
	if err := server.ValidateParams(newParams); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok {
		return errs.New(errs.NotFound, "Registry.SetParams", "unknown server")
	}
	if err := Authorize(callerUID, e.srv.OwnerUID); err != nil {
		return err
	}
	if newParams.Flags != e.srv.Params.Flags {
		return errs.New(errs.Unimplemented, "Registry.SetParams", "changing flags is not supported")
	}

	oldParams := e.srv.Params
	var approvedQ clock.Duration
	if newParams.QMin != oldParams.QMin || newParams.P != oldParams.P {
		if err := r.sup.CleanupServer(id); err != nil {
			return err
		}
		uid, gid := e.srv.OwnerUID, e.srv.OwnerGID
		var err error
		approvedQ, err = r.sup.InitServer(id, uid, gid, newParams)
		if err != nil {
			// Roll back: the supervisor record for id is gone while the
			// scheduler entry and its uTot contribution still assume the
			// prior params (spec.md §7: "a failed set_params leaves the
			// server running with prior parameters"). Re-admit under the
			// old params to restore it rather than leave a partial state.
			if _, rbErr := r.sup.InitServer(id, uid, gid, oldParams); rbErr != nil {
				return errs.Wrap(errs.Internal, "Registry.SetParams", "failed to roll back after a failed re-admission", rbErr)
			}
			r.rebalanceLocked()
			return err
		}
	} else {
		reqBw := bandwidth.CeilFromQP(int64(newParams.Q), int64(newParams.P))
		if err := r.sup.SetRequiredBW(id, reqBw); err != nil {
			return err
		}
		approvedQ = r.sup.ApprovedBudget(id)
	}

	newBw := bandwidth.CeilFromQP(int64(approvedQ), int64(newParams.P))
	r.uTot = bandwidth.Sub(r.uTot, e.bw)
	r.uTot += newBw
	e.bw = newBw

	e.srv.ApplyParams(newParams)
	e.srv.SetApprovedBudget(approvedQ)
	r.rebalanceLocked()
	return nil
}

// lookupOwned resolves id to its entry, authorizing callerUID against
// the server's owner — the shared precondition for every get_* call
// (spec.md §4.7).
func (r *Registry) lookupOwned(callerUID int, id ID, op string) (*entry, error) {
	e, ok := r.servers[id]
	if !ok {
		return nil, errs.New(errs.NotFound, op, "unknown server")
	}
	if err := Authorize(callerUID, e.srv.OwnerUID); err != nil {
		return nil, err
	}
	return e, nil
}

// GetParams returns server id's current parameters (get_params).
func (r *Registry) GetParams(callerUID int, id ID) (server.Params, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.GetParams")
	if err != nil {
		return server.Params{}, err
	}
	return e.srv.Params, nil
}

// GetExecTime returns server id's cumulative debited CPU time
// (get_exec_time).
func (r *Registry) GetExecTime(callerUID int, id ID) (clock.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.GetExecTime")
	if err != nil {
		return 0, err
	}
	return e.srv.ExecTime(), nil
}

// GetCurrBudget returns server id's current budget (get_curr_budget).
func (r *Registry) GetCurrBudget(callerUID int, id ID) (clock.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.GetCurrBudget")
	if err != nil {
		return 0, err
	}
	return e.srv.CurrBudget(), nil
}

// GetNextBudget returns the budget implied by U_current for server id's
// next instance (get_next_budget).
func (r *Registry) GetNextBudget(callerUID int, id ID) (clock.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.GetNextBudget")
	if err != nil {
		return 0, err
	}
	return e.srv.NextBudget(), nil
}

// GetApprovedBudget returns server id's currently approved budget
// (get_approved_budget).
func (r *Registry) GetApprovedBudget(callerUID int, id ID) (clock.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.GetApprovedBudget")
	if err != nil {
		return 0, err
	}
	return e.srv.ApprovedBudget(), nil
}

// GetDeadline returns server id's absolute deadline (get_deadline).
func (r *Registry) GetDeadline(callerUID int, id ID) (clock.Instant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.GetDeadline")
	if err != nil {
		return 0, err
	}
	return e.srv.GetDeadline(), nil
}

// SetWeight stores opaque scheduler metadata on server id (set_weight).
func (r *Registry) SetWeight(callerUID int, id ID, w int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.SetWeight")
	if err != nil {
		return err
	}
	e.srv.SetWeight(w)
	return nil
}

// GetWeight returns the opaque scheduler metadata last set on server id
// (get_weight).
func (r *Registry) GetWeight(callerUID int, id ID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupOwned(callerUID, id, "Registry.GetWeight")
	if err != nil {
		return 0, err
	}
	return e.srv.GetWeight(), nil
}

// recordRechargeLocked mirrors recordAdmissionLocked's fire-and-forget
// shape for recharge events.
func (r *Registry) recordRechargeLocked(id ID, newDeadline clock.Instant) {
	sink := r.audit
	rec := ruledb.RechargeRecord{
		ServerID:    int(id),
		Timestamp:   time.Now(),
		NewDeadline: int64(newDeadline),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sink.RecordRecharge(ctx, rec)
	}()
}

// Snapshot describes the registry's current state for introspection.
type Snapshot struct {
	UTot        bandwidth.Bw
	ServerCount int
	Servers     []server.Snapshot
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{UTot: r.uTot, ServerCount: len(r.servers)}
	for _, e := range r.servers {
		out.Servers = append(out.Servers, e.srv.Snapshot())
	}
	return out
}
