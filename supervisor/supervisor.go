// Package supervisor implements bandwidth admission control and
// proportional compression across users, groups, and priority levels —
// the "Supervisor" of spec.md §3, adapted from the original qsup_lib
// (original_source/src/qsup.c). A Supervisor decides, for every
// reservation server, how much of its requested bandwidth is actually
// granted once guarantees to other users/levels are honored, and
// recomputes that allocation whenever any server's request changes.
package supervisor

import (
	"strconv"
	"sync"

	"github.com/mbrt/rres/bandwidth"
	"github.com/mbrt/rres/clock"
	"github.com/mbrt/rres/errs"
	"github.com/mbrt/rres/observability"
	"github.com/mbrt/rres/server"
)

// MaxNumLevels bounds the number of priority levels the Supervisor
// partitions bandwidth across, matching the original's MAX_NUM_LEVELS.
const MaxNumLevels = 2

// ULub is the upper bound on total system bandwidth the Supervisor will
// ever admit, expressed as a Bw fraction (95%, matching RRES_U_LUB in
// original_source/src/rres_config.h).
var ULub = bandwidth.FromQP(95, 100)

// ID identifies a server known to the Supervisor; shared with server.ID.
type ID = server.ID

// Constraint bounds what a user or group may reserve: the priority level
// its servers join, a weight (currently advisory, carried for future
// within-level proportional splitting), and caps on total and guaranteed
// bandwidth.
type Constraint struct {
	Level     int
	Weight    int
	MaxBw     bandwidth.Bw
	MaxMinBw  bandwidth.Bw
	FlagsMask server.Flags
}

var defaultConstraint = Constraint{Level: 0, Weight: 1, MaxBw: ULub, MaxMinBw: ULub, FlagsMask: 0}

// Config holds Supervisor-wide settings decided once at construction.
type Config struct {
	// DefaultServerUID/DefaultServerGID name the (uid, gid) pair — in addition to uid
	// 0 — allowed to create a server with FlagDefault set. Real host
	// processes embedding this library rarely run their default-service
	// principal as uid 0, so spec.md §3's "reserved for super-user" is
	// generalized to a configurable principal (SPEC_FULL §8.8).
	DefaultServerUID int
	DefaultServerGID int
}

type ruleEntry struct {
	key        int
	constraint Constraint
}

// userAggregate tracks one user's totals across all of their servers.
type userAggregate struct {
	UserReq     bandwidth.Bw
	UserGua     bandwidth.Bw
	UserUsedGua bandwidth.Bw
	UserCoeff   bandwidth.Bw
}

// levelAggregate tracks one priority level's totals across every user
// assigned to it.
type levelAggregate struct {
	LevelMax     bandwidth.Bw
	LevelReq     bandwidth.Bw
	LevelGua     bandwidth.Bw
	LevelUsedGua bandwidth.Bw
	LevelSum     bandwidth.Bw
	LevelCoeff   bandwidth.Bw
}

// serverRecord is the Supervisor's private bookkeeping for one admitted
// server, analogous to qsup_server_t.
type serverRecord struct {
	id         ID
	level      int
	weight     int
	maxUserBw  bandwidth.Bw
	maxLevelBw bandwidth.Bw
	uid, gid   int
	flags      server.Flags
	reqBw      bandwidth.Bw
	guaBw      bandwidth.Bw
	usedGuaBw  bandwidth.Bw
	period     int64 // P, needed to turn ApprovedBW back into a Duration
	user       *userAggregate
	lvl        *levelAggregate
}

// Supervisor is the admission-control and compression engine. All
// methods are safe for concurrent use; in practice the scheduler's
// single lock already serializes calls, but the Supervisor does not
// depend on that.
type Supervisor struct {
	mu sync.Mutex

	userRules  []ruleEntry
	groupRules []ruleEntry
	levels     [MaxNumLevels]*levelAggregate

	users   map[int]*userAggregate
	servers map[ID]*serverRecord

	totGuaBw     bandwidth.Bw
	totUsedGuaBw bandwidth.Bw
	spareBw      bandwidth.Bw

	cfg        Config
	hasDefault bool // whether a server with FlagDefault is currently admitted (I7/P4)
}

// New returns an empty Supervisor with unconfigured levels (each capped
// at ULub, matching the original's implicit default before any
// qsup_add_level_rule call) and no default-server principal beyond uid 0.
func New() *Supervisor {
	return NewWithConfig(Config{})
}

// NewWithConfig is like New but additionally designates a non-root
// default-service principal allowed to hold FlagDefault.
func NewWithConfig(cfg Config) *Supervisor {
	s := &Supervisor{
		users:   make(map[int]*userAggregate),
		servers: make(map[ID]*serverRecord),
		cfg:     cfg,
	}
	for i := range s.levels {
		s.levels[i] = &levelAggregate{LevelMax: ULub, LevelCoeff: bandwidth.Full}
	}
	return s
}

// AddLevelRule caps the total bandwidth level may ever be assigned,
// clamped to ULub.
func (s *Supervisor) AddLevelRule(level int, maxBw bandwidth.Bw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 0 || level >= MaxNumLevels {
		return errs.New(errs.InvalidParam, "Supervisor.AddLevelRule", "level out of range")
	}
	s.levels[level].LevelMax = bandwidth.Min(maxBw, ULub)
	return nil
}

// AddGroupConstraint installs (or overrides, for duplicate gid) a
// constraint for the given group id. The most recently added rule for a
// key wins, matching qsup_add_group_constraints's list-prepend
// semantics.
func (s *Supervisor) AddGroupConstraint(gid int, c Constraint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupRules = append([]ruleEntry{{key: gid, constraint: c}}, s.groupRules...)
}

// AddUserConstraint installs (or overrides) a constraint for the given
// uid, same last-added-wins semantics as AddGroupConstraint.
func (s *Supervisor) AddUserConstraint(uid int, c Constraint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRules = append([]ruleEntry{{key: uid, constraint: c}}, s.userRules...)
}

// ReserveSpare withholds bw of total bandwidth from ever being admitted.
// Only legal before any server has been created, matching
// qsup_reserve_spare's "no servers exist yet" precondition.
func (s *Supervisor) ReserveSpare(bw bandwidth.Bw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bw > ULub {
		return errs.New(errs.InvalidParam, "Supervisor.ReserveSpare", "spare bandwidth exceeds ULub")
	}
	if len(s.servers) > 0 {
		return errs.New(errs.InconsistentState, "Supervisor.ReserveSpare", "servers already exist")
	}
	s.spareBw = bw
	return nil
}

func (s *Supervisor) findConstraint(uid, gid int) Constraint {
	for _, r := range s.userRules {
		if r.key == uid {
			return r.constraint
		}
	}
	for _, r := range s.groupRules {
		if r.key == gid {
			return r.constraint
		}
	}
	return defaultConstraint
}

func (s *Supervisor) getUserInfo(uid int) *userAggregate {
	u, ok := s.users[uid]
	if !ok {
		u = &userAggregate{UserCoeff: bandwidth.Full}
		s.users[uid] = u
	}
	return u
}

// InitServer admits a newly created server: it runs the full guarantee
// admission test (level/group/user caps, plus system-wide headroom
// against ULub and any reserved spare bandwidth), and on success installs
// the server's initial required bandwidth from params.Q, returning the
// budget (as a Duration of params.P) actually approved. It mirrors
// qres_init_server's call sequence: qsup_init_server followed immediately
// by qsup_set_required_bw(bw_req).
func (s *Supervisor) InitServer(id ID, uid, gid int, params server.Params) (approvedQ clock.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.servers[id]; exists {
		return 0, errs.New(errs.InvalidParam, "Supervisor.InitServer", "server id already admitted")
	}

	constr := s.findConstraint(uid, gid)
	if constr.FlagsMask != 0 && params.Flags&constr.FlagsMask != 0 {
		return 0, errs.New(errs.Unauthorized, "Supervisor.InitServer", "flags forbidden by constraint")
	}

	if params.Flags.Has(server.FlagDefault) {
		isDefaultPrincipal := uid == 0 || (uid == s.cfg.DefaultServerUID && gid == s.cfg.DefaultServerGID)
		if !isDefaultPrincipal {
			return 0, errs.New(errs.Unauthorized, "Supervisor.InitServer", "DEFAULT flag reserved for uid 0 or the configured default-service principal")
		}
		if s.hasDefault {
			return 0, errs.New(errs.InvalidParam, "Supervisor.InitServer", "a DEFAULT server already exists")
		}
	}

	minBw := bandwidth.CeilFromQP(int64(params.QMin), int64(params.P))
	if minBw > constr.MaxMinBw {
		return 0, errs.New(errs.SystemOverload, "Supervisor.InitServer", "minimum budget exceeds constraint cap")
	}
	headroom := bandwidth.Sub(ULub, s.spareBw)
	if s.totGuaBw+minBw > headroom {
		return 0, errs.New(errs.SystemOverload, "Supervisor.InitServer", "insufficient system-wide guaranteed bandwidth")
	}
	user := s.getUserInfo(uid)
	if user.UserGua+minBw > headroom || user.UserGua+minBw > constr.MaxMinBw {
		return 0, errs.New(errs.SystemOverload, "Supervisor.InitServer", "insufficient per-user guaranteed bandwidth")
	}

	lvl := s.levels[constr.Level]
	rec := &serverRecord{
		id:         id,
		level:      constr.Level,
		weight:     constr.Weight,
		maxUserBw:  constr.MaxBw,
		maxLevelBw: lvl.LevelMax,
		uid:        uid,
		gid:        gid,
		flags:      params.Flags,
		guaBw:      minBw,
		period:     int64(params.P),
		user:       user,
		lvl:        lvl,
	}
	s.servers[id] = rec
	s.totGuaBw += minBw
	user.UserGua += minBw
	lvl.LevelGua += minBw
	if params.Flags.Has(server.FlagDefault) {
		s.hasDefault = true
	}

	reqBw := bandwidth.CeilFromQP(int64(params.Q), int64(params.P))
	s.setRequiredBWLocked(rec, reqBw)

	approved := s.approvedBWLocked(rec)
	return clock.Duration(bandwidth.QFromBw(approved, int64(params.P))), nil
}

// CleanupServer removes a server's guaranteed reservation and releases
// its aggregate contributions. If the server still had a non-zero
// required bandwidth, it is first unwound to zero so the user/level
// aggregates and coefficients are left consistent, matching
// qsup_cleanup_server.
func (s *Supervisor) CleanupServer(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.servers[id]
	if !ok {
		return errs.New(errs.NotFound, "Supervisor.CleanupServer", "unknown server")
	}
	if rec.reqBw != 0 {
		s.setRequiredBWLocked(rec, 0)
	}
	s.totGuaBw = bandwidth.Sub(s.totGuaBw, rec.guaBw)
	rec.user.UserGua = bandwidth.Sub(rec.user.UserGua, rec.guaBw)
	rec.lvl.LevelGua = bandwidth.Sub(rec.lvl.LevelGua, rec.guaBw)
	if rec.flags.Has(server.FlagDefault) {
		s.hasDefault = false
	}
	delete(s.servers, id)
	return nil
}

// SetRequiredBW updates the bandwidth a server is actively requesting
// (e.g. after a set_params call changes Q), re-running the proportional
// compression for the server's user and re-levelling every priority
// level. serverReq is silently saturated at the server's max_user_bw
// cap, matching qsup_set_required_bw — over-requesting is not an
// admission failure, it simply cannot buy more than the user's cap
// allows.
func (s *Supervisor) SetRequiredBW(id ID, serverReq bandwidth.Bw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.servers[id]
	if !ok {
		return errs.New(errs.NotFound, "Supervisor.SetRequiredBW", "unknown server")
	}
	s.setRequiredBWLocked(rec, serverReq)
	return nil
}

func (s *Supervisor) setRequiredBWLocked(rec *serverRecord, serverReq bandwidth.Bw) {
	if serverReq > rec.maxUserBw {
		serverReq = rec.maxUserBw
	}

	usedGua := bandwidth.Min(serverReq, rec.guaBw)
	diff := int64(usedGua) - int64(rec.usedGuaBw)
	rec.user.UserUsedGua = addSigned(rec.user.UserUsedGua, diff)
	rec.lvl.LevelUsedGua = addSigned(rec.lvl.LevelUsedGua, diff)
	s.totUsedGuaBw = addSigned(s.totUsedGuaBw, diff)
	rec.usedGuaBw = usedGua

	oldUserReq := rec.user.UserReq
	newUserReq := addSigned(oldUserReq, int64(serverReq)-int64(rec.reqBw))
	rec.user.UserReq = newUserReq

	if newUserReq > rec.maxUserBw {
		// Divides against UserGua (the static per-user guaranteed sum),
		// not UserUsedGua: the two only diverge when a server requests below its own guaranteed
		// minimum, and UserGua is the quantity the constraint's
		// MaxMinBw/MaxBw caps were defined against.
		rec.user.UserCoeff = bandwidth.InvScale64(int64(rec.maxUserBw)-int64(rec.user.UserGua), int64(newUserReq)-int64(rec.user.UserGua))
	} else {
		rec.user.UserCoeff = bandwidth.Full
	}
	observability.UserCompressionCoeff.WithLabelValues(strconv.Itoa(rec.uid)).Set(float64(rec.user.UserCoeff) / float64(bandwidth.Full))

	oldClipped := bandwidth.Min(oldUserReq, rec.maxUserBw)
	newClipped := bandwidth.Min(newUserReq, rec.maxUserBw)
	rec.lvl.LevelReq = addSigned(rec.lvl.LevelReq, int64(newClipped)-int64(oldClipped))

	rec.reqBw = serverReq

	s.relevelLocked()
}

// relevelLocked recomputes every level's assigned bandwidth and
// compression coefficient, walking levels in priority order (0 highest)
// and handing out whatever remains of ULub after higher levels have
// taken their share. Mirrors the level walk at the end of
// qsup_set_required_bw.
func (s *Supervisor) relevelLocked() {
	avail := ULub
	for i, lvl := range s.levels {
		capped := bandwidth.Min(lvl.LevelReq, lvl.LevelMax)
		assigned := bandwidth.Min(capped, avail)
		lvl.LevelSum = assigned
		if lvl.LevelReq > lvl.LevelGua {
			lvl.LevelCoeff = bandwidth.InvScale64(int64(assigned)-int64(lvl.LevelGua), int64(lvl.LevelReq)-int64(lvl.LevelGua))
		} else {
			lvl.LevelCoeff = bandwidth.Full
		}
		avail = bandwidth.Sub(avail, assigned)
		observability.LevelCompressionCoeff.WithLabelValues(strconv.Itoa(i)).Set(float64(lvl.LevelCoeff) / float64(bandwidth.Full))
	}
}

// ApprovedBW returns the bandwidth currently approved for id: its
// guaranteed share plus whatever of its excess request survives the
// user coefficient, then the level coefficient, applied in that order.
func (s *Supervisor) ApprovedBW(id ID) bandwidth.Bw {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.servers[id]
	if !ok {
		return 0
	}
	return s.approvedBWLocked(rec)
}

func (s *Supervisor) approvedBWLocked(rec *serverRecord) bandwidth.Bw {
	extra := bandwidth.Sub(rec.reqBw, rec.usedGuaBw)
	afterUser := bandwidth.Bw(bandwidth.Scale64(int64(extra), rec.user.UserCoeff))
	afterLevel := bandwidth.Bw(bandwidth.Scale64(int64(afterUser), rec.lvl.LevelCoeff))
	return rec.usedGuaBw + afterLevel
}

// ApprovedBudget returns ApprovedBW(id) converted back to a Duration
// against the server's own period.
func (s *Supervisor) ApprovedBudget(id ID) clock.Duration {
	s.mu.Lock()
	rec, ok := s.servers[id]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return clock.Duration(bandwidth.QFromBw(s.ApprovedBW(id), rec.period))
}

// AvailableGuaranteedBW reports how much more guaranteed bandwidth the
// (uid, gid) principal could still reserve before hitting its
// constraint's minimum-bandwidth cap.
func (s *Supervisor) AvailableGuaranteedBW(uid, gid int) bandwidth.Bw {
	s.mu.Lock()
	defer s.mu.Unlock()
	constr := s.findConstraint(uid, gid)
	user := s.users[uid]
	if user == nil {
		return constr.MaxMinBw
	}
	return bandwidth.Sub(constr.MaxMinBw, user.UserGua)
}

// AvailableBW reports how much more total (guaranteed + best-effort)
// bandwidth the (uid, gid) principal could still request before hitting
// its constraint's total cap.
func (s *Supervisor) AvailableBW(uid, gid int) bandwidth.Bw {
	s.mu.Lock()
	defer s.mu.Unlock()
	constr := s.findConstraint(uid, gid)
	user := s.users[uid]
	if user == nil {
		return constr.MaxBw
	}
	return bandwidth.Sub(constr.MaxBw, user.UserReq)
}

// addSigned adds a signed delta to a Bw, floored at 0 — aggregate
// deltas from setRequiredBWLocked are derived from subtractions that are
// mathematically non-negative in total but can transiently go negative
// term-by-term under concurrent edits; flooring matches the saturating
// arithmetic used throughout the bandwidth package.
func addSigned(b bandwidth.Bw, delta int64) bandwidth.Bw {
	v := int64(b) + delta
	if v < 0 {
		return 0
	}
	return bandwidth.Bw(v)
}

// LevelSnapshot is a read-only view of one priority level's current
// allocation, for introspection.
type LevelSnapshot struct {
	Level      int
	Max        bandwidth.Bw
	Requested  bandwidth.Bw
	Guaranteed bandwidth.Bw
	Assigned   bandwidth.Bw
	Coeff      bandwidth.Bw
}

// Snapshot returns a consistent view of every level's allocation.
func (s *Supervisor) Snapshot() []LevelSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LevelSnapshot, len(s.levels))
	for i, lvl := range s.levels {
		out[i] = LevelSnapshot{
			Level:      i,
			Max:        lvl.LevelMax,
			Requested:  lvl.LevelReq,
			Guaranteed: lvl.LevelGua,
			Assigned:   lvl.LevelSum,
			Coeff:      lvl.LevelCoeff,
		}
	}
	return out
}
