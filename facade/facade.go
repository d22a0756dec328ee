// Package facade is the client-facing API surface: a thin layer over
// scheduler.Registry that adds per-principal request throttling before
// any admission decision is made, so a misbehaving caller can't burn
// CPU on the scheduler's own lock just by hammering CreateServer/
// SetParams. Adapted from control_plane/scheduler's TokenBucketLimiter,
// which gates reconciliation-task submission the same way.
package facade

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbrt/rres/clock"
	"github.com/mbrt/rres/errs"
	"github.com/mbrt/rres/hostiface"
	"github.com/mbrt/rres/observability"
	"github.com/mbrt/rres/ruledb"
	"github.com/mbrt/rres/scheduler"
	"github.com/mbrt/rres/server"
	"github.com/mbrt/rres/supervisor"
)

// APIRateLimiter throttles admission-control calls per uid using a
// token bucket per key, generalized from TokenBucketLimiter's
// per-node/per-tenant bucket map.
type APIRateLimiter struct {
	mu       sync.Mutex
	limiters map[int]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewAPIRateLimiter(ratePerSecond float64, burst int) *APIRateLimiter {
	return &APIRateLimiter{
		limiters: make(map[int]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		b:        burst,
	}
}

// Allow reports whether uid may make another admission-control call
// right now.
func (l *APIRateLimiter) Allow(uid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[uid]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[uid] = lim
	}
	return lim.Allow()
}

// ReservationFacade is the composed, authorized, rate-limited entry
// point wrapping a scheduler.Registry and its Supervisor.
type ReservationFacade struct {
	registry *scheduler.Registry
	sup      *supervisor.Supervisor
	limiter  *APIRateLimiter
}

// New composes a ReservationFacade. ratePerSecond/burst configure the
// per-uid admission-call throttle; pass a high rate/burst to disable
// throttling in tests.
func New(clockSrc clock.Source, sup *supervisor.Supervisor, host hostiface.Collaborator, ratePerSecond float64, burst int) *ReservationFacade {
	return &ReservationFacade{
		registry: scheduler.New(clockSrc, sup, host),
		sup:      sup,
		limiter:  NewAPIRateLimiter(ratePerSecond, burst),
	}
}

func (f *ReservationFacade) checkRate(uid int) error {
	if !f.limiter.Allow(uid) {
		observability.APIRateLimited.WithLabelValues(strconv.Itoa(uid)).Inc()
		return errs.New(errs.SystemOverload, "ReservationFacade", "rate limit exceeded for uid "+strconv.Itoa(uid))
	}
	return nil
}

// CreateServer admits a new reservation on behalf of (uid, gid), subject
// to the per-uid rate limit.
func (f *ReservationFacade) CreateServer(uid, gid int, params server.Params) (scheduler.ID, error) {
	if err := f.checkRate(uid); err != nil {
		return 0, err
	}
	return f.registry.CreateServer(uid, gid, params)
}

// DestroyServer tears down id on behalf of callerUID (must own it or be
// root); authorization happens inside the registry.
func (f *ReservationFacade) DestroyServer(callerUID int, id scheduler.ID) error {
	return f.registry.DestroyServer(callerUID, id)
}

// SetAuditSink installs a durable sink recording admission and recharge
// events; see scheduler.Registry.SetAuditSink.
func (f *ReservationFacade) SetAuditSink(sink ruledb.AuditSink) {
	f.registry.SetAuditSink(sink)
}

// SetEventSink installs a sink notified of every dispatch decision; see
// scheduler.Registry.SetEventSink.
func (f *ReservationFacade) SetEventSink(sink scheduler.EventSink) {
	f.registry.SetEventSink(sink)
}

// SetParams updates an existing server's parameters, subject to the
// per-uid rate limit and the registry's ownership check.
func (f *ReservationFacade) SetParams(callerUID int, id scheduler.ID, params server.Params) error {
	if err := f.checkRate(callerUID); err != nil {
		return err
	}
	return f.registry.SetParams(callerUID, id, params)
}

// AttachTask attaches tsk to server id on behalf of callerUID.
func (f *ReservationFacade) AttachTask(callerUID int, id scheduler.ID, tsk hostiface.TaskID) error {
	return f.registry.AttachTask(callerUID, id, tsk)
}

// DetachTask removes tsk from whatever server it is attached to, on
// behalf of callerUID.
func (f *ReservationFacade) DetachTask(callerUID int, tsk hostiface.TaskID) error {
	return f.registry.DetachTask(callerUID, tsk)
}

// GetParams returns server id's current parameters on behalf of
// callerUID.
func (f *ReservationFacade) GetParams(callerUID int, id scheduler.ID) (server.Params, error) {
	return f.registry.GetParams(callerUID, id)
}

// GetExecTime returns server id's cumulative debited CPU time on behalf
// of callerUID.
func (f *ReservationFacade) GetExecTime(callerUID int, id scheduler.ID) (clock.Duration, error) {
	return f.registry.GetExecTime(callerUID, id)
}

// GetCurrBudget returns server id's current budget on behalf of
// callerUID.
func (f *ReservationFacade) GetCurrBudget(callerUID int, id scheduler.ID) (clock.Duration, error) {
	return f.registry.GetCurrBudget(callerUID, id)
}

// GetNextBudget returns the budget implied for server id's next
// instance on behalf of callerUID.
func (f *ReservationFacade) GetNextBudget(callerUID int, id scheduler.ID) (clock.Duration, error) {
	return f.registry.GetNextBudget(callerUID, id)
}

// GetApprovedBudget returns server id's currently approved budget on
// behalf of callerUID.
func (f *ReservationFacade) GetApprovedBudget(callerUID int, id scheduler.ID) (clock.Duration, error) {
	return f.registry.GetApprovedBudget(callerUID, id)
}

// GetDeadline returns server id's absolute deadline on behalf of
// callerUID.
func (f *ReservationFacade) GetDeadline(callerUID int, id scheduler.ID) (clock.Instant, error) {
	return f.registry.GetDeadline(callerUID, id)
}

// SetWeight stores opaque scheduler metadata on server id on behalf of
// callerUID.
func (f *ReservationFacade) SetWeight(callerUID int, id scheduler.ID, w int) error {
	return f.registry.SetWeight(callerUID, id, w)
}

// GetWeight returns the opaque scheduler metadata on server id on
// behalf of callerUID.
func (f *ReservationFacade) GetWeight(callerUID int, id scheduler.ID) (int, error) {
	return f.registry.GetWeight(callerUID, id)
}

// OnTaskBlock, OnTaskUnblock and OnTaskExit forward to the
// scheduler.Registry, so a ReservationFacade satisfies
// hostiface.SchedulerHooks and can be wired into a hostiface.Collaborator
// implementation that needs to report task state changes back.
func (f *ReservationFacade) OnTaskBlock(tsk hostiface.TaskID)   { f.registry.OnTaskBlock(tsk) }
func (f *ReservationFacade) OnTaskUnblock(tsk hostiface.TaskID) { f.registry.OnTaskUnblock(tsk) }
func (f *ReservationFacade) OnTaskExit(tsk hostiface.TaskID)    { f.registry.OnTaskExit(tsk) }

// Tick advances scheduling, consuming elapsed budget from whatever
// server is currently dispatched and processing any deadlines that have
// passed. See scheduler.Registry.Tick.
func (f *ReservationFacade) Tick(now clock.Instant, elapsed clock.Duration) {
	f.registry.Tick(now, elapsed)
}

// AvailableBandwidth reports how much more total and guaranteed
// bandwidth (uid, gid) could still request, for client-side
// pre-flight checks before attempting CreateServer.
func (f *ReservationFacade) AvailableBandwidth(uid, gid int) (total, guaranteed int64) {
	return int64(f.sup.AvailableBW(uid, gid)), int64(f.sup.AvailableGuaranteedBW(uid, gid))
}

// Snapshot returns the registry's introspection view.
func (f *ReservationFacade) Snapshot() scheduler.Snapshot {
	return f.registry.Snapshot()
}

// ReserveDelay reports how long a throttled caller should back off,
// mirroring TokenBucketLimiter.Reserve's (allowed, delay) return shape
// for callers that want to retry instead of failing hard.
func (f *ReservationFacade) ReserveDelay(uid int) (allowed bool, delay time.Duration) {
	f.limiter.mu.Lock()
	lim, ok := f.limiter.limiters[uid]
	if !ok {
		lim = rate.NewLimiter(f.limiter.r, f.limiter.b)
		f.limiter.limiters[uid] = lim
	}
	res := lim.Reserve()
	d := res.Delay()
	f.limiter.mu.Unlock()
	if d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}
