package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/feedcal/internal/store"
)

// TrustPolicyStore is the persistence TrustPolicies needs. *store.DB
// implements it.
type TrustPolicyStore interface {
	EnsurePolicies(ctx context.Context, sourceID string, handles []string, now time.Time) (int, error)
	GetPolicy(ctx context.Context, sourceID, handle string) (*store.TrustPolicy, error)
	ListPolicies(ctx context.Context, sourceID string) ([]store.TrustPolicy, error)
	SavePolicyScores(ctx context.Context, p *store.TrustPolicy) error
	UpdatePolicyMode(ctx context.Context, sourceID, handle string, mode store.Mode, now time.Time) (*store.TrustPolicy, error)
	ResetPolicy(ctx context.Context, sourceID, handle string, now time.Time) (*store.TrustPolicy, error)
}

// FeedbackLog reads the external feedback event log.
type FeedbackLog interface {
	FeedbackHistory(ctx context.Context, sourceID, handle string) ([]store.FeedbackEvent, error)
}

// TrustParams configure decay and the auto-mode inclusion rule.
type TrustParams struct {
	HalfLife          time.Duration
	Delta             float64
	AutoExcludeMargin float64
}

// DefaultAutoExcludeMargin is how far negScore must exceed posScore before
// an auto-mode handle is excluded.
const DefaultAutoExcludeMargin = 2.0

// DefaultTrustParams mirrors config.Default().
var DefaultTrustParams = TrustParams{
	HalfLife:          DefaultHalfLife,
	Delta:             DefaultFeedbackDelta,
	AutoExcludeMargin: DefaultAutoExcludeMargin,
}

// recomputeParallelism bounds concurrent handle rebuilds in RecomputeSource.
const recomputeParallelism = 4

// TrustPolicies maintains per-(source, handle) trust state.
type TrustPolicies struct {
	store  TrustPolicyStore
	events FeedbackLog
	params TrustParams
	policy DeltaPolicy
	deps
}

// NewTrustPolicies creates a TrustPolicies. events may be nil, in which case
// recompute operations fail. A zero HalfLife or Delta uses DefaultTrustParams.
// AutoExcludeMargin is taken as given: zero excludes as soon as negScore
// exceeds posScore. Start from DefaultTrustParams for the default margin.
func NewTrustPolicies(st TrustPolicyStore, events FeedbackLog, params TrustParams, opts ...Option) *TrustPolicies {
	if params.HalfLife <= 0 {
		params.HalfLife = DefaultTrustParams.HalfLife
	}
	if params.Delta <= 0 {
		params.Delta = DefaultTrustParams.Delta
	}
	return &TrustPolicies{
		store:  st,
		events: events,
		params: params,
		policy: DeltaPolicy{Step: params.Delta},
		deps:   newDeps(opts),
	}
}

// Params returns the effective parameters.
func (t *TrustPolicies) Params() TrustParams { return t.params }

// UpsertDefaults creates auto-mode rows for handles that have none.
func (t *TrustPolicies) UpsertDefaults(ctx context.Context, sourceID string, handles []string) (int, error) {
	if err := requireID("source id", sourceID); err != nil {
		return 0, err
	}
	n, err := t.store.EnsurePolicies(ctx, sourceID, handles, t.now())
	if err != nil {
		return 0, fmt.Errorf("upsert default policies: %w", err)
	}
	if n > 0 {
		t.log.Debug("policies created", "source", sourceID, "count", n)
	}
	return n, nil
}

// ApplyFeedback folds one feedback event into the handle's scores. The row
// is created if missing. No-signal actions only ensure the row exists.
// A zero occurredAt means now.
func (t *TrustPolicies) ApplyFeedback(ctx context.Context, sourceID, handle string, action Action, occurredAt time.Time) (*store.TrustPolicy, error) {
	if err := requireID("source id", sourceID); err != nil {
		return nil, err
	}
	key := store.NormalizeHandle(handle)
	if key == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	if occurredAt.IsZero() {
		occurredAt = t.now()
	}
	occurredAt = occurredAt.UTC()

	if _, err := t.store.EnsurePolicies(ctx, sourceID, []string{key}, t.now()); err != nil {
		return nil, fmt.Errorf("apply feedback: %w", err)
	}

	dp, dn := t.policy.Delta(action)
	if dp == 0 && dn == 0 {
		p, err := t.store.GetPolicy(ctx, sourceID, key)
		if err != nil {
			return nil, fmt.Errorf("apply feedback: %w", err)
		}
		return p, nil
	}

	var out *store.TrustPolicy
	err := t.serialize(ctx, policyKey(sourceID, key), func() error {
		p, err := t.store.GetPolicy(ctx, sourceID, key)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("policy %s/%s vanished after ensure", sourceID, key)
		}

		if p.LastUpdatedAt != nil && occurredAt.Before(*p.LastUpdatedAt) {
			// Late event: keep the decay clock, age the delta instead.
			f := DecayFactor(p.LastUpdatedAt.Sub(occurredAt), t.params.HalfLife)
			p.PosScore += dp * f
			p.NegScore += dn * f
		} else {
			p.PosScore, p.NegScore = Decay(p.PosScore, p.NegScore, p.LastUpdatedAt, occurredAt, t.params.HalfLife)
			p.PosScore, p.NegScore = p.PosScore+dp, p.NegScore+dn
			at := occurredAt
			p.LastUpdatedAt = &at
		}
		if p.LastFeedbackAt == nil || occurredAt.After(*p.LastFeedbackAt) {
			at := occurredAt
			p.LastFeedbackAt = &at
		}
		p.UpdatedAt = t.now()

		if err := t.store.SavePolicyScores(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply feedback %s/%s: %w", sourceID, key, err)
	}

	t.log.Debug("trust updated",
		"source", sourceID, "handle", key, "action", string(action),
		"pos", out.PosScore, "neg", out.NegScore)
	return out, nil
}

// ResetPolicy zeroes the handle's scores and restarts the decay clock.
// Mode is preserved. Returns nil if the handle has no row.
func (t *TrustPolicies) ResetPolicy(ctx context.Context, sourceID, handle string) (*store.TrustPolicy, error) {
	if err := requireID("source id", sourceID); err != nil {
		return nil, err
	}
	key := store.NormalizeHandle(handle)
	var out *store.TrustPolicy
	err := t.serialize(ctx, policyKey(sourceID, key), func() error {
		var err error
		out, err = t.store.ResetPolicy(ctx, sourceID, key, t.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reset policy %s/%s: %w", sourceID, key, err)
	}
	return out, nil
}

// UpdateMode validates and sets the handle's mode. Scores are untouched.
// Returns nil if the handle has no row.
func (t *TrustPolicies) UpdateMode(ctx context.Context, sourceID, handle, mode string) (*store.TrustPolicy, error) {
	m := store.Mode(mode)
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err := requireID("source id", sourceID); err != nil {
		return nil, err
	}
	p, err := t.store.UpdatePolicyMode(ctx, sourceID, handle, m, t.now())
	if err != nil {
		return nil, fmt.Errorf("update mode %s/%s: %w", sourceID, handle, err)
	}
	if p != nil {
		t.log.Info("policy mode changed", "source", sourceID, "handle", p.Handle, "mode", mode)
	}
	return p, nil
}

// Inclusion reasons reported by PolicyView.
const (
	ReasonForced      = "mode_always"
	ReasonMuted       = "mode_mute"
	ReasonTrusted     = "auto_included"
	ReasonNegativeSum = "auto_excluded"
)

// PolicyView is a policy with its scores projected to a point in time and
// the resulting inclusion decision. Building one never writes.
type PolicyView struct {
	store.TrustPolicy
	ProjectedPos float64
	ProjectedNeg float64
	Included     bool
	Reason       string
	At           time.Time
}

// ComputePolicyView decays p's scores forward to now without persisting
// them and derives inclusion from the mode.
func (t *TrustPolicies) ComputePolicyView(p store.TrustPolicy, now time.Time) PolicyView {
	pos, neg := Decay(p.PosScore, p.NegScore, p.LastUpdatedAt, now, t.params.HalfLife)
	v := PolicyView{TrustPolicy: p, ProjectedPos: pos, ProjectedNeg: neg, At: now}
	switch p.Mode {
	case store.ModeAlways:
		v.Included, v.Reason = true, ReasonForced
	case store.ModeMute:
		v.Included, v.Reason = false, ReasonMuted
	default:
		if neg-pos > t.params.AutoExcludeMargin {
			v.Included, v.Reason = false, ReasonNegativeSum
		} else {
			v.Included, v.Reason = true, ReasonTrusted
		}
	}
	return v
}

// Project is ComputePolicyView at the current time.
func (t *TrustPolicies) Project(p store.TrustPolicy) PolicyView {
	return t.ComputePolicyView(p, t.now())
}

// View loads a single handle and projects it to now. Returns nil if the
// handle has no row.
func (t *TrustPolicies) View(ctx context.Context, sourceID, handle string) (*PolicyView, error) {
	if err := requireID("source id", sourceID); err != nil {
		return nil, err
	}
	p, err := t.store.GetPolicy(ctx, sourceID, handle)
	if err != nil {
		return nil, fmt.Errorf("view policy: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	v := t.Project(*p)
	return &v, nil
}

// ListPolicyViews returns every policy of the source projected to now.
func (t *TrustPolicies) ListPolicyViews(ctx context.Context, sourceID string) ([]PolicyView, error) {
	if err := requireID("source id", sourceID); err != nil {
		return nil, err
	}
	rows, err := t.store.ListPolicies(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list policy views: %w", err)
	}
	now := t.now()
	views := make([]PolicyView, len(rows))
	for i, p := range rows {
		views[i] = t.ComputePolicyView(p, now)
	}
	return views, nil
}

// RecomputeFromFeedback rebuilds the handle's scores by replaying its full
// feedback history from zero, then decaying to now. A zero now means the
// current time. The result replaces the incremental state; mode is kept.
func (t *TrustPolicies) RecomputeFromFeedback(ctx context.Context, sourceID, handle string, now time.Time) (*store.TrustPolicy, error) {
	if err := requireID("source id", sourceID); err != nil {
		return nil, err
	}
	key := store.NormalizeHandle(handle)
	if key == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	if t.events == nil {
		return nil, fmt.Errorf("recompute %s/%s: no feedback log configured", sourceID, key)
	}
	if now.IsZero() {
		now = t.now()
	}
	now = now.UTC()

	history, err := t.events.FeedbackHistory(ctx, sourceID, key)
	if err != nil {
		return nil, fmt.Errorf("recompute %s/%s: %w", sourceID, key, err)
	}
	if _, err := t.store.EnsurePolicies(ctx, sourceID, []string{key}, now); err != nil {
		return nil, fmt.Errorf("recompute %s/%s: %w", sourceID, key, err)
	}

	var out *store.TrustPolicy
	err = t.serialize(ctx, policyKey(sourceID, key), func() error {
		p, err := t.store.GetPolicy(ctx, sourceID, key)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("policy %s/%s vanished after ensure", sourceID, key)
		}

		pos, neg, last := t.replay(history)
		pos, neg = Decay(pos, neg, last, now, t.params.HalfLife)
		p.PosScore, p.NegScore = pos, neg
		p.LastFeedbackAt = last
		p.LastUpdatedAt = &now
		p.UpdatedAt = now

		if err := t.store.SavePolicyScores(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recompute %s/%s: %w", sourceID, key, err)
	}

	t.log.Info("trust recomputed",
		"source", sourceID, "handle", key, "events", len(history),
		"pos", out.PosScore, "neg", out.NegScore)
	return out, nil
}

// replay folds events, oldest first, starting from zero state. It returns
// the scores as of the last signal-carrying event and that event's time.
func (t *TrustPolicies) replay(history []store.FeedbackEvent) (pos, neg float64, last *time.Time) {
	for _, ev := range history {
		a, err := ParseAction(ev.Action)
		if err != nil {
			t.log.Warn("skipping unknown action in feedback log", "event", ev.ID, "action", ev.Action)
			continue
		}
		dp, dn := t.policy.Delta(a)
		if dp == 0 && dn == 0 {
			continue
		}
		at := ev.OccurredAt.UTC()
		pos, neg = Decay(pos, neg, last, at, t.params.HalfLife)
		pos, neg = pos+dp, neg+dn
		last = &at
	}
	return pos, neg, last
}

// RecomputeSource rebuilds every existing policy of a source as of now
// (zero means the current time). Handles are processed in parallel; the
// first failure cancels the rest.
func (t *TrustPolicies) RecomputeSource(ctx context.Context, sourceID string, now time.Time) (int, error) {
	if err := requireID("source id", sourceID); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = t.now()
	}
	rows, err := t.store.ListPolicies(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("recompute source %s: %w", sourceID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeParallelism)
	for _, p := range rows {
		handle := p.Handle
		g.Go(func() error {
			_, err := t.RecomputeFromFeedback(gctx, sourceID, handle, now)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("recompute source %s: %w", sourceID, err)
	}
	return len(rows), nil
}

func policyKey(sourceID, handle string) string {
	return "trust:" + sourceID + ":" + handle
}
