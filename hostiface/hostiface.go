// Package hostiface defines the boundary between the scheduler core and
// whatever actually runs tasks on a CPU. The scheduler never touches an
// OS thread, process, or goroutine directly; it calls out through
// Collaborator, the same dispatch/stop decoupling the original kernel
// module achieves with its rres_dispatch/rres_stop function pointers on
// server_t. A reference in-memory implementation is provided for demos
// and tests, adapted from the host-agent's job executor.
package hostiface

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbrt/rres/clock"
)

// TaskID identifies a host task. Backed by a UUID so a demo host can
// hand out identities without coordinating with the scheduler.
type TaskID uuid.UUID

// NewTaskID returns a fresh, random TaskID.
func NewTaskID() TaskID { return TaskID(uuid.New()) }

func (t TaskID) String() string { return uuid.UUID(t).String() }

// Collaborator is implemented by the host environment (an OS scheduler
// shim, a test double, or — in this repo — the in-memory reference
// host below). The scheduler core calls Dispatch when a task should run
// on the CPU and Stop when it must be preempted; it never assumes
// anything about how that happens.
type Collaborator interface {
	// Dispatch starts or resumes tsk running on the CPU.
	Dispatch(tsk TaskID) error
	// Stop preempts tsk; it must be safe to call on a task that has
	// already stopped on its own.
	Stop(tsk TaskID) error
}

// SchedulerHooks is implemented by the scheduler core and called by the
// host whenever a task's runnability changes for reasons outside the
// scheduler's control (it blocks on I/O, it unblocks, it exits); there
// is no hook for a task forking. This is the inverse direction of Collaborator: host-to-core
// instead of core-to-host.
type SchedulerHooks interface {
	OnTaskBlock(tsk TaskID)
	OnTaskUnblock(tsk TaskID)
	OnTaskExit(tsk TaskID)
}

// ReferenceHost is a minimal in-memory Collaborator: Dispatch and Stop
// only record whether a task is running, and SimulateBurn starts a
// goroutine that sleeps, standing in for CPU burn, and reports
// completion back through hooks. It exists so the
// scheduler and facade packages can be exercised and demoed without any
// real OS integration, mirroring how fluxforge/agent's Executor ran
// shell commands and reported results back to the control plane over
// HTTP — here the "report" is a direct Go callback instead of a POST.
type ReferenceHost struct {
	mu     sync.Mutex
	clock  clock.Source
	hooks  SchedulerHooks
	tasks  map[TaskID]*taskState
	workFn func(tsk TaskID)
}

type taskState struct {
	stopCh  chan struct{}
	running bool
}

// NewReferenceHost returns a ReferenceHost reporting task-state changes
// to hooks (which may be nil and installed later with SetHooks). No work
// function is run on Dispatch; a task's simulated completion, reported
// through OnTaskExit, comes only from SimulateBurn.
func NewReferenceHost(src clock.Source, hooks SchedulerHooks) *ReferenceHost {
	return &ReferenceHost{
		clock: src,
		hooks: hooks,
		tasks: make(map[TaskID]*taskState),
	}
}

// SetHooks installs the SchedulerHooks consulted by SimulateBurn.
// Exists because a real composition root constructs the host before
// the scheduler that implements SchedulerHooks: the host is one of the
// scheduler's own constructor arguments, so the two can't be built in
// hooks-first order.
func (h *ReferenceHost) SetHooks(hooks SchedulerHooks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = hooks
}

// Register adds tsk to the host with no work function and not yet
// running (Dispatch marks it running, Stop clears that), useful for tests
// that drive state transitions directly via OnTaskBlock/OnTaskUnblock.
func (h *ReferenceHost) Register(tsk TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks[tsk] = &taskState{stopCh: make(chan struct{})}
}

// Dispatch marks tsk running. With no configured workload this is just
// bookkeeping — real CPU burn simulation is left to SimulateBurn.
func (h *ReferenceHost) Dispatch(tsk TaskID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.tasks[tsk]
	if !ok {
		st = &taskState{stopCh: make(chan struct{})}
		h.tasks[tsk] = st
	}
	st.running = true
	return nil
}

// Stop marks tsk as no longer running on the CPU. Safe to call on an
// already-stopped or unknown task.
func (h *ReferenceHost) Stop(tsk TaskID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.tasks[tsk]
	if !ok {
		return nil
	}
	st.running = false
	return nil
}

// IsRunning reports whether the host currently believes tsk is
// dispatched, for test assertions.
func (h *ReferenceHost) IsRunning(tsk TaskID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.tasks[tsk]
	return ok && st.running
}

// SimulateBurn runs a goroutine that reports tsk as exited after d of
// wall-clock time, unless Stop is called first — a stand-in for a real
// workload's natural completion, used by demo binaries that want to
// show a task consuming its reservation and then going idle.
func (h *ReferenceHost) SimulateBurn(tsk TaskID, d time.Duration) {
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		<-timer.C
		h.mu.Lock()
		st, ok := h.tasks[tsk]
		h.mu.Unlock()
		if !ok || !st.running {
			return
		}
		log.Printf("hostiface: task %s finished simulated burn", tsk)
		if h.hooks != nil {
			h.hooks.OnTaskExit(tsk)
		}
	}()
}
