package ruledb

import (
	"time"

	"github.com/mbrt/rres/bandwidth"
	"github.com/mbrt/rres/errs"
	"github.com/mbrt/rres/supervisor"
)

// LevelRule caps the bandwidth a priority level may ever be assigned,
// the persisted form of a Supervisor.AddLevelRule call.
type LevelRule struct {
	Level int          `json:"level"`
	MaxBw bandwidth.Bw `json:"max_bw"`
}

// ConstraintRule is a persisted user or group constraint, keyed by uid
// or gid depending on which list it lives in.
type ConstraintRule struct {
	Key        int                  `json:"key"`
	Constraint supervisor.Constraint `json:"constraint"`
}

// RuleSet is everything a Supervisor needs to rebuild its rule
// administration after a restart. Spare bandwidth is only meaningful
// to replay before any server exists, matching ReserveSpare's
// precondition.
type RuleSet struct {
	Levels           []LevelRule
	UserConstraints  []ConstraintRule
	GroupConstraints []ConstraintRule
	SpareBw          bandwidth.Bw
}

// ApplyTo installs every rule in rs onto sup, in an order the
// Supervisor will accept: spare bandwidth first (it requires no
// servers to exist yet), then level caps, then group and user
// constraints in slice order, so for a repeated key the later entry
// wins.
func ApplyTo(sup *supervisor.Supervisor, rs RuleSet) error {
	if rs.SpareBw != 0 {
		if err := sup.ReserveSpare(rs.SpareBw); err != nil {
			return err
		}
	}
	for _, lr := range rs.Levels {
		if err := sup.AddLevelRule(lr.Level, lr.MaxBw); err != nil {
			return err
		}
	}
	for _, gr := range rs.GroupConstraints {
		sup.AddGroupConstraint(gr.Key, gr.Constraint)
	}
	for _, ur := range rs.UserConstraints {
		sup.AddUserConstraint(ur.Key, ur.Constraint)
	}
	return nil
}

// AdmissionOutcome records whether an InitServer/CreateServer call was
// admitted or rejected.
type AdmissionOutcome string

const (
	AdmissionAccepted AdmissionOutcome = "accepted"
	AdmissionRejected AdmissionOutcome = "rejected"
)

// AdmissionRecord is one audited admission decision.
type AdmissionRecord struct {
	ServerID  int
	UID, GID  int
	Outcome   AdmissionOutcome
	ErrorCode errs.Code
	ApprovedQ int64 // microseconds, 0 when rejected
	Timestamp time.Time
}

// RechargeRecord is one audited CBS recharge (budget/deadline
// postponement) event, for offline analysis of how often a server
// exhausts its budget.
type RechargeRecord struct {
	ServerID    int
	Timestamp   time.Time
	NewDeadline int64 // microseconds since the clock.Source epoch
}
