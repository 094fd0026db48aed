package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lazypower/feedcal/internal/store"
)

// CalibrationStore is the persistence the Calibrator needs. *store.DB
// implements it.
type CalibrationStore interface {
	EnsureCalibration(ctx context.Context, ownerID, sourceID string, now time.Time) (*store.SourceCalibration, error)
	GetCalibration(ctx context.Context, ownerID, sourceID string) (*store.SourceCalibration, error)
	GetCalibrations(ctx context.Context, ownerID string, sourceIDs []string) (map[string]*store.SourceCalibration, error)
	SaveCalibration(ctx context.Context, c *store.SourceCalibration) error
	IncrementItemsShown(ctx context.Context, ownerID, sourceID string, now time.Time) (*store.SourceCalibration, error)
	ResetCalibration(ctx context.Context, ownerID, sourceID string, now time.Time) (*store.SourceCalibration, error)
}

// CalibrationParams are the thresholds of the offset computation.
type CalibrationParams struct {
	MinSamples int64
	MaxOffset  float64
	WindowDays int
}

// DefaultCalibrationParams mirrors config.Default().
var DefaultCalibrationParams = CalibrationParams{MinSamples: 10, MaxOffset: 0.2, WindowDays: 30}

// withDefaults fills zero fields from def.
func (p CalibrationParams) withDefaults(def CalibrationParams) CalibrationParams {
	if p.MinSamples <= 0 {
		p.MinSamples = def.MinSamples
	}
	if p.MaxOffset <= 0 {
		p.MaxOffset = def.MaxOffset
	}
	if p.WindowDays <= 0 {
		p.WindowDays = def.WindowDays
	}
	return p
}

// CalibrationOffset maps a hit rate in [0,1] to a bounded additive offset:
// linear, zero at 0.5, ±maxOffset at the extremes.
func CalibrationOffset(hitRate, maxOffset float64) float64 {
	return clamp((hitRate-0.5)*2*maxOffset, -maxOffset, maxOffset)
}

// ApplyCalibration nudges aiScore by the stored offset. The offset is only
// honored once the current window holds at least minSamples likes+dislikes;
// a stale offset from an earlier window is ignored until then.
func ApplyCalibration(aiScore float64, cal *store.SourceCalibration, minSamples int64) float64 {
	if cal == nil || cal.Samples() < minSamples {
		return aiScore
	}
	return clamp(aiScore+cal.CalibrationOffset, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Calibrator maintains per-(owner, source) calibration offsets.
type Calibrator struct {
	store  CalibrationStore
	params CalibrationParams
	deps
}

// NewCalibrator creates a Calibrator. Zero fields of params fall back to
// DefaultCalibrationParams.
func NewCalibrator(st CalibrationStore, params CalibrationParams, opts ...Option) *Calibrator {
	return &Calibrator{
		store:  st,
		params: params.withDefaults(DefaultCalibrationParams),
		deps:   newDeps(opts),
	}
}

// Params returns the effective default parameters.
func (c *Calibrator) Params() CalibrationParams { return c.params }

// CalibrationUpdate is one feedback event for the calibrator. Zero
// thresholds use the calibrator's defaults.
type CalibrationUpdate struct {
	OwnerID    string
	SourceID   string
	Action     Action
	MinSamples int64
	MaxOffset  float64
	WindowDays int
}

// GetOrCreate returns the calibration for (owner, source), creating a zeroed
// row if none exists. Existing state is never overwritten.
func (c *Calibrator) GetOrCreate(ctx context.Context, ownerID, sourceID string) (*store.SourceCalibration, error) {
	if err := validateKey(ownerID, sourceID); err != nil {
		return nil, err
	}
	return c.store.EnsureCalibration(ctx, ownerID, sourceID, c.now())
}

// UpdateOnFeedback folds one event into the rolling window and recomputes
// hit rate and offset once the window holds enough samples. Below the
// threshold the previously stored hit rate and offset are kept.
func (c *Calibrator) UpdateOnFeedback(ctx context.Context, u CalibrationUpdate) (*store.SourceCalibration, error) {
	if err := validateKey(u.OwnerID, u.SourceID); err != nil {
		return nil, err
	}
	p := CalibrationParams{MinSamples: u.MinSamples, MaxOffset: u.MaxOffset, WindowDays: u.WindowDays}.withDefaults(c.params)
	window := time.Duration(p.WindowDays) * 24 * time.Hour
	liked, disliked := counterDelta(u.Action)

	var out *store.SourceCalibration
	err := c.serialize(ctx, calibrationKey(u.OwnerID, u.SourceID), func() error {
		now := c.now()
		cal, err := c.store.EnsureCalibration(ctx, u.OwnerID, u.SourceID, now)
		if err != nil {
			return err
		}

		if cal.WindowStart == nil || cal.WindowStart.Before(now.Add(-window)) {
			cal.ItemsLiked, cal.ItemsDisliked = liked, disliked
			start := now
			cal.WindowStart = &start
		} else {
			cal.ItemsLiked += liked
			cal.ItemsDisliked += disliked
		}

		if total := cal.Samples(); total >= p.MinSamples {
			hr := float64(cal.ItemsLiked) / float64(total)
			cal.RollingHitRate = &hr
			cal.CalibrationOffset = CalibrationOffset(hr, p.MaxOffset)
		}
		cal.UpdatedAt = now

		if err := c.store.SaveCalibration(ctx, cal); err != nil {
			return err
		}
		out = cal
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update calibration %s/%s: %w", u.OwnerID, u.SourceID, err)
	}

	c.log.Debug("calibration updated",
		"owner", u.OwnerID, "source", u.SourceID, "action", string(u.Action),
		"liked", out.ItemsLiked, "disliked", out.ItemsDisliked, "offset", out.CalibrationOffset)
	return out, nil
}

// RecordItemShown counts one presentation of an item from the source. It
// takes the same key lock as feedback so the two never race on the row.
func (c *Calibrator) RecordItemShown(ctx context.Context, ownerID, sourceID string) (*store.SourceCalibration, error) {
	if err := validateKey(ownerID, sourceID); err != nil {
		return nil, err
	}
	var out *store.SourceCalibration
	err := c.serialize(ctx, calibrationKey(ownerID, sourceID), func() error {
		var err error
		out, err = c.store.IncrementItemsShown(ctx, ownerID, sourceID, c.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record item shown %s/%s: %w", ownerID, sourceID, err)
	}
	return out, nil
}

// Apply is ApplyCalibration with the calibrator's default minSamples.
func (c *Calibrator) Apply(aiScore float64, cal *store.SourceCalibration) float64 {
	return ApplyCalibration(aiScore, cal, c.params.MinSamples)
}

// GetBatch fetches calibrations for many sources in one round trip.
func (c *Calibrator) GetBatch(ctx context.Context, ownerID string, sourceIDs []string) (map[string]*store.SourceCalibration, error) {
	if err := requireID("owner id", ownerID); err != nil {
		return nil, err
	}
	cals, err := c.store.GetCalibrations(ctx, ownerID, dedupe(sourceIDs))
	if err != nil {
		return nil, fmt.Errorf("get calibration batch: %w", err)
	}
	return cals, nil
}

// Candidate is one item awaiting a calibrated score.
type Candidate struct {
	SourceID string
	AIScore  float64
}

// ScoreBatch calibrates every candidate's score using a single GetBatch.
// Results are in candidate order.
func (c *Calibrator) ScoreBatch(ctx context.Context, ownerID string, candidates []Candidate) ([]float64, error) {
	ids := make([]string, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.SourceID
	}
	cals, err := c.GetBatch(ctx, ownerID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(candidates))
	for i, cand := range candidates {
		out[i] = c.Apply(cand.AIScore, cals[cand.SourceID])
	}
	return out, nil
}

// Reset zeroes counters, offset and hit rate and clears the window.
// Returns nil if the source was never calibrated.
func (c *Calibrator) Reset(ctx context.Context, ownerID, sourceID string) (*store.SourceCalibration, error) {
	if err := validateKey(ownerID, sourceID); err != nil {
		return nil, err
	}
	var out *store.SourceCalibration
	err := c.serialize(ctx, calibrationKey(ownerID, sourceID), func() error {
		var err error
		out, err = c.store.ResetCalibration(ctx, ownerID, sourceID, c.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reset calibration %s/%s: %w", ownerID, sourceID, err)
	}
	return out, nil
}

func calibrationKey(ownerID, sourceID string) string {
	return "cal:" + ownerID + ":" + sourceID
}

func validateKey(ownerID, sourceID string) error {
	if err := requireID("owner id", ownerID); err != nil {
		return err
	}
	return requireID("source id", sourceID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
