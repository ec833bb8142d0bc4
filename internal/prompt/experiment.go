package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/familyassist/orchestrator/internal/store"
)

// experimentStore is the subset of *store.Store the A/B assignment path
// needs.
type experimentStore interface {
	GetExperiment(ctx context.Context, name string) (store.Experiment, bool, error)
	RecordExperimentOutcome(ctx context.Context, name string, failed bool, errorWindow int, errorRatePause float64) error
}

// Assignment is the outcome of mapping a principal into an experiment's
// allocation bands.
type Assignment struct {
	Variant    string
	ExperimentName string
	Paused     bool
}

// Assigner implements the §4.7 stable-hash A/B assignment: deterministic,
// free of shared mutable state, with an error-rate pause guard that falls
// every subsequent request back to control. Assignment does not depend on
// the channel: every channel shares the same experiment and buckets.
type Assigner struct {
	store          experimentStore
	errorWindow    int
	errorRatePause float64
}

// NewAssigner constructs an Assigner over the experiments table.
func NewAssigner(st experimentStore, errorWindow int, errorRatePause float64) *Assigner {
	return &Assigner{store: st, errorWindow: errorWindow, errorRatePause: errorRatePause}
}

// Assign deterministically maps userID into one of experiment's variants
// via H(user_id ‖ experiment_id) mod 100, bucketed evenly across the
// configured variant list. If the experiment is paused, isn't found at all,
// or has no variants, it falls back to the caller-supplied controlVariant.
func (a *Assigner) Assign(ctx context.Context, experimentName, userID string, controlVariant string) (Assignment, error) {
	exp, ok, err := a.store.GetExperiment(ctx, experimentName)
	if err != nil {
		return Assignment{}, fmt.Errorf("load experiment %q: %w", experimentName, err)
	}
	if !ok || len(exp.Variants) == 0 {
		return Assignment{Variant: controlVariant, ExperimentName: experimentName}, nil
	}
	if exp.Paused {
		return Assignment{Variant: controlVariant, ExperimentName: experimentName, Paused: true}, nil
	}

	band := stableHash(userID, experimentName) % 100
	bandWidth := 100 / len(exp.Variants)
	idx := int(band) / bandWidth
	if idx >= len(exp.Variants) {
		idx = len(exp.Variants) - 1
	}
	return Assignment{Variant: exp.Variants[idx], ExperimentName: experimentName}, nil
}

// RecordOutcome feeds one request's success/failure into the rolling
// error-rate guard.
func (a *Assigner) RecordOutcome(ctx context.Context, experimentName string, failed bool) error {
	return a.store.RecordExperimentOutcome(ctx, experimentName, failed, a.errorWindow, a.errorRatePause)
}

// stableHash implements H(user_id ‖ experiment_id): deterministic,
// independent of process state, computed the same way on every call
// (§4.7, §9).
func stableHash(userID, experimentName string) uint64 {
	sum := sha256.Sum256([]byte(userID + "\x1f" + experimentName))
	return binary.BigEndian.Uint64(sum[:8])
}
