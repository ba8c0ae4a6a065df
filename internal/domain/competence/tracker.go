// Package competence tracks the per-(principal, action type) execution
// record that shifts effective trust over time.
package competence

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Record is the running score for one principal performing one action type.
type Record struct {
	PrincipalID   string    `json:"principalId"`
	ActionType    string    `json:"actionType"`
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
	RollbackCount int       `json:"rollbackCount"`
	CurrentStreak int       `json:"currentStreak"`
	Score         float64   `json:"score"`
	ShouldTrust   bool      `json:"shouldTrust"`
	ShouldDeny    bool      `json:"shouldDeny"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists competence records. The identity store implements this.
type Store interface {
	GetCompetenceRecord(ctx context.Context, principalID, actionType string) (*Record, error)
	SaveCompetenceRecord(ctx context.Context, rec *Record) error
}

// Config holds the scoring knobs with defaults from DefaultConfig.
type Config struct {
	SuccessBase     float64 // added per success
	StreakBonusCap  int     // streak length counted toward the bonus
	StreakDivisor   float64 // bonus = min(streak, cap) / divisor
	FailurePenalty  float64 // subtracted per failure
	RollbackPenalty float64 // subtracted per rollback of the original action
	TrustScore      float64 // score at or above which trust can engage
	TrustSuccesses  int     // minimum successes before trust engages
	UntrustScore    float64 // below this, trust disengages
	DenyScore       float64 // below this, the action should be denied
	InitialScore    float64 // score for a brand new record
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SuccessBase:     3,
		StreakBonusCap:  10,
		StreakDivisor:   2,
		FailurePenalty:  8,
		RollbackPenalty: 15,
		TrustScore:      80,
		TrustSuccesses:  10,
		UntrustScore:    50,
		DenyScore:       20,
		InitialScore:    50,
	}
}

// TransitionFunc is invoked when a record's ShouldTrust or ShouldDeny flag
// flips, so the caller can put the transition on the audit ledger.
type TransitionFunc func(ctx context.Context, rec *Record, field string, value bool)

// Tracker applies outcomes to records and derives the trust flags.
type Tracker struct {
	store        Store
	cfg          Config
	onTransition TransitionFunc
	logger       *slog.Logger
}

// NewTracker creates a tracker. onTransition may be nil.
func NewTracker(store Store, cfg Config, onTransition TransitionFunc, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, cfg: cfg, onTransition: onTransition, logger: logger}
}

// Adjustment returns the current record, or nil when the pair has no history.
func (t *Tracker) Adjustment(ctx context.Context, principalID, actionType string) (*Record, error) {
	return t.store.GetCompetenceRecord(ctx, principalID, actionType)
}

// RecordSuccess applies a successful execution.
func (t *Tracker) RecordSuccess(ctx context.Context, principalID, actionType string) (*Record, error) {
	rec, err := t.load(ctx, principalID, actionType)
	if err != nil {
		return nil, err
	}

	rec.SuccessCount++
	rec.CurrentStreak++
	streak := rec.CurrentStreak
	if streak > t.cfg.StreakBonusCap {
		streak = t.cfg.StreakBonusCap
	}
	rec.Score = clamp(rec.Score + t.cfg.SuccessBase + float64(streak)/t.cfg.StreakDivisor)

	prevTrust, prevDeny := rec.ShouldTrust, rec.ShouldDeny
	if rec.Score >= t.cfg.TrustScore && rec.SuccessCount >= t.cfg.TrustSuccesses {
		rec.ShouldTrust = true
	}
	if rec.Score >= t.cfg.DenyScore {
		rec.ShouldDeny = false
	}

	return t.save(ctx, rec, prevTrust, prevDeny)
}

// RecordFailure applies a failed execution.
func (t *Tracker) RecordFailure(ctx context.Context, principalID, actionType string) (*Record, error) {
	rec, err := t.load(ctx, principalID, actionType)
	if err != nil {
		return nil, err
	}

	rec.FailureCount++
	rec.CurrentStreak = 0
	rec.Score = clamp(rec.Score - t.cfg.FailurePenalty)

	prevTrust, prevDeny := rec.ShouldTrust, rec.ShouldDeny
	if rec.Score < t.cfg.UntrustScore {
		rec.ShouldTrust = false
	}
	if rec.Score < t.cfg.DenyScore {
		rec.ShouldDeny = true
	}

	return t.save(ctx, rec, prevTrust, prevDeny)
}

// RecordRollback applies an undo of a previously successful execution.
// It counts against the original action type, not the reverse one.
func (t *Tracker) RecordRollback(ctx context.Context, principalID, actionType string) (*Record, error) {
	rec, err := t.load(ctx, principalID, actionType)
	if err != nil {
		return nil, err
	}

	rec.RollbackCount++
	rec.Score = clamp(rec.Score - t.cfg.RollbackPenalty)

	prevTrust, prevDeny := rec.ShouldTrust, rec.ShouldDeny
	if rec.Score < t.cfg.UntrustScore {
		rec.ShouldTrust = false
	}
	if rec.Score < t.cfg.DenyScore {
		rec.ShouldDeny = true
	}

	return t.save(ctx, rec, prevTrust, prevDeny)
}

func (t *Tracker) load(ctx context.Context, principalID, actionType string) (*Record, error) {
	rec, err := t.store.GetCompetenceRecord(ctx, principalID, actionType)
	if err != nil {
		return nil, fmt.Errorf("load competence record: %w", err)
	}
	if rec == nil {
		rec = &Record{
			PrincipalID: principalID,
			ActionType:  actionType,
			Score:       t.cfg.InitialScore,
		}
	}
	return rec, nil
}

func (t *Tracker) save(ctx context.Context, rec *Record, prevTrust, prevDeny bool) (*Record, error) {
	rec.UpdatedAt = time.Now().UTC()
	if err := t.store.SaveCompetenceRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("save competence record: %w", err)
	}

	if rec.ShouldTrust != prevTrust {
		t.logger.Info("competence trust transition",
			"principal", rec.PrincipalID,
			"action_type", rec.ActionType,
			"should_trust", rec.ShouldTrust,
			"score", rec.Score,
		)
		if t.onTransition != nil {
			t.onTransition(ctx, rec, "shouldTrust", rec.ShouldTrust)
		}
	}
	if rec.ShouldDeny != prevDeny {
		t.logger.Info("competence deny transition",
			"principal", rec.PrincipalID,
			"action_type", rec.ActionType,
			"should_deny", rec.ShouldDeny,
			"score", rec.Score,
		)
		if t.onTransition != nil {
			t.onTransition(ctx, rec, "shouldDeny", rec.ShouldDeny)
		}
	}

	return rec, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
