package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/feedcal/internal/store"
)

const testHalfLife = 24 * time.Hour

func testTrust(t *testing.T) (*TrustPolicies, *store.DB, *clock) {
	t.Helper()
	db := testDB(t)
	clk := newClock(t0)
	tp := NewTrustPolicies(db, db, TrustParams{HalfLife: testHalfLife, AutoExcludeMargin: DefaultAutoExcludeMargin}, WithClock(clk.Now))
	return tp, db, clk
}

// logEvent writes to the feedback log the way the upstream ingester would.
func logEvent(t *testing.T, db *store.DB, id, source, handle string, action Action, at time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO feedback_events (id, owner_id, source_id, content_item_id, author_handle, action, occurred_at)
		VALUES (?, 'u1', ?, ?, ?, ?, ?)
	`, id, source, "item-"+id, handle, string(action), at.UnixMilli())
	if err != nil {
		t.Fatalf("log event %s: %v", id, err)
	}
}

func mustApply(t *testing.T, tp *TrustPolicies, source, handle string, a Action, at time.Time) *store.TrustPolicy {
	t.Helper()
	p, err := tp.ApplyFeedback(context.Background(), source, handle, a, at)
	if err != nil {
		t.Fatalf("ApplyFeedback(%s, %s): %v", handle, a, err)
	}
	return p
}

func TestApplyFeedbackHalvesAfterHalfLife(t *testing.T) {
	tp, _, _ := testTrust(t)

	mustApply(t, tp, "src", "@Example", ActionDislike, t0)
	p := mustApply(t, tp, "src", "example", ActionLike, t0.Add(testHalfLife))

	if p.Handle != "example" {
		t.Errorf("handle = %q, want example", p.Handle)
	}
	if !approx(p.NegScore, 0.5) || !approx(p.PosScore, 1) {
		t.Errorf("scores = (%v, %v), want (1, 0.5)", p.PosScore, p.NegScore)
	}
	if p.Mode != store.ModeAuto {
		t.Errorf("mode = %s, want auto", p.Mode)
	}
	want := t0.Add(testHalfLife)
	if !p.LastUpdatedAt.Equal(want) || !p.LastFeedbackAt.Equal(want) {
		t.Errorf("timestamps = %v / %v, want %v", p.LastUpdatedAt, p.LastFeedbackAt, want)
	}
}

func TestApplyFeedbackSkipOnlyEnsuresRow(t *testing.T) {
	tp, db, _ := testTrust(t)
	ctx := context.Background()

	p := mustApply(t, tp, "src", "quiet", ActionSkip, t0)
	if p == nil || p.PosScore != 0 || p.NegScore != 0 || p.LastUpdatedAt != nil {
		t.Fatalf("skip produced %+v", p)
	}

	mustApply(t, tp, "src", "quiet", ActionLike, t0)
	before, _ := db.GetPolicy(ctx, "src", "quiet")
	after := mustApply(t, tp, "src", "quiet", ActionMute, t0.Add(time.Hour))
	if after.Version != before.Version || after.PosScore != before.PosScore {
		t.Errorf("no-signal action rewrote row: %+v -> %+v", before, after)
	}
}

func TestApplyFeedbackRejectsEmptyHandle(t *testing.T) {
	tp, _, _ := testTrust(t)
	_, err := tp.ApplyFeedback(context.Background(), "src", " @ ", ActionLike, t0)
	if !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestApplyFeedbackLateEventKeepsClock(t *testing.T) {
	tp, _, _ := testTrust(t)

	mustApply(t, tp, "src", "alice", ActionLike, t0.Add(testHalfLife))
	p := mustApply(t, tp, "src", "alice", ActionDislike, t0)

	if !p.LastUpdatedAt.Equal(t0.Add(testHalfLife)) {
		t.Errorf("late event moved decay clock to %v", p.LastUpdatedAt)
	}
	if !p.LastFeedbackAt.Equal(t0.Add(testHalfLife)) {
		t.Errorf("late event moved last feedback to %v", p.LastFeedbackAt)
	}
	if !approx(p.NegScore, 0.5) || !approx(p.PosScore, 1) {
		t.Errorf("scores = (%v, %v), want (1, 0.5)", p.PosScore, p.NegScore)
	}
}

func TestMuteStillTracksScores(t *testing.T) {
	tp, _, clk := testTrust(t)
	ctx := context.Background()

	mustApply(t, tp, "src", "loud", ActionLike, t0)
	if _, err := tp.UpdateMode(ctx, "src", "@Loud", "mute"); err != nil {
		t.Fatalf("UpdateMode: %v", err)
	}
	p := mustApply(t, tp, "src", "loud", ActionLike, t0)
	if p.Mode != store.ModeMute {
		t.Errorf("feedback changed mode to %s", p.Mode)
	}
	if !approx(p.PosScore, 2) {
		t.Errorf("pos = %v, want 2", p.PosScore)
	}

	v := tp.ComputePolicyView(*p, clk.Now())
	if v.Included || v.Reason != ReasonMuted {
		t.Errorf("muted view = included:%v reason:%s", v.Included, v.Reason)
	}
}

func TestUpdateMode(t *testing.T) {
	tp, _, _ := testTrust(t)
	ctx := context.Background()

	if _, err := tp.UpdateMode(ctx, "src", "alice", "sometimes"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
	p, err := tp.UpdateMode(ctx, "src", "ghost", "always")
	if err != nil || p != nil {
		t.Errorf("UpdateMode(missing) = %v, %v; want nil, nil", p, err)
	}

	mustApply(t, tp, "src", "alice", ActionDislike, t0)
	p, err = tp.UpdateMode(ctx, "src", "alice", "always")
	if err != nil {
		t.Fatalf("UpdateMode: %v", err)
	}
	if p.Mode != store.ModeAlways || !approx(p.NegScore, 1) || !p.LastUpdatedAt.Equal(t0) {
		t.Errorf("mode change touched scores or clock: %+v", p)
	}
}

func TestResetPolicyKeepsMode(t *testing.T) {
	tp, _, clk := testTrust(t)
	ctx := context.Background()

	if p, err := tp.ResetPolicy(ctx, "src", "ghost"); err != nil || p != nil {
		t.Fatalf("ResetPolicy(missing) = %v, %v", p, err)
	}

	mustApply(t, tp, "src", "alice", ActionDislike, t0)
	if _, err := tp.UpdateMode(ctx, "src", "alice", "always"); err != nil {
		t.Fatalf("UpdateMode: %v", err)
	}
	clk.Advance(time.Hour)

	first, err := tp.ResetPolicy(ctx, "src", "@Alice")
	if err != nil {
		t.Fatalf("ResetPolicy: %v", err)
	}
	if first.PosScore != 0 || first.NegScore != 0 || first.LastFeedbackAt != nil {
		t.Errorf("reset left scores: %+v", first)
	}
	if first.Mode != store.ModeAlways {
		t.Errorf("reset changed mode to %s", first.Mode)
	}
	if !first.LastUpdatedAt.Equal(clk.Now()) {
		t.Errorf("decay clock = %v, want %v", first.LastUpdatedAt, clk.Now())
	}

	second, err := tp.ResetPolicy(ctx, "src", "alice")
	if err != nil {
		t.Fatalf("ResetPolicy: %v", err)
	}
	if second.PosScore != first.PosScore || second.NegScore != first.NegScore ||
		second.Mode != first.Mode || !second.LastUpdatedAt.Equal(*first.LastUpdatedAt) ||
		second.LastFeedbackAt != nil {
		t.Errorf("second reset differs: %+v vs %+v", second, first)
	}
}

func TestComputePolicyView(t *testing.T) {
	tp, db, _ := testTrust(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustApply(t, tp, "src", "troll", ActionDislike, t0)
	}
	p, err := db.GetPolicy(ctx, "src", "troll")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}

	v := tp.ComputePolicyView(*p, t0)
	if v.Included || v.Reason != ReasonNegativeSum {
		t.Errorf("view at t0 = included:%v reason:%s", v.Included, v.Reason)
	}

	later := t0.Add(2 * testHalfLife)
	v = tp.ComputePolicyView(*p, later)
	if !approx(v.ProjectedNeg, 0.75) {
		t.Errorf("projected neg = %v, want 0.75", v.ProjectedNeg)
	}
	if !v.Included || v.Reason != ReasonTrusted {
		t.Errorf("view after decay = included:%v reason:%s", v.Included, v.Reason)
	}

	stored, _ := db.GetPolicy(ctx, "src", "troll")
	if stored.NegScore != 3 || stored.Version != p.Version {
		t.Errorf("view wrote to storage: %+v", stored)
	}

	p.Mode = store.ModeAlways
	if v := tp.ComputePolicyView(*p, t0); !v.Included || v.Reason != ReasonForced {
		t.Errorf("always view = included:%v reason:%s", v.Included, v.Reason)
	}
}

func TestZeroMarginExcludesOnAnyNegativeLead(t *testing.T) {
	db := testDB(t)
	tp := NewTrustPolicies(db, db, TrustParams{HalfLife: testHalfLife, AutoExcludeMargin: 0})
	if got := tp.Params().AutoExcludeMargin; got != 0 {
		t.Fatalf("margin = %v, want 0 kept as configured", got)
	}

	p := store.TrustPolicy{Mode: store.ModeAuto, NegScore: 1.5}
	if v := tp.ComputePolicyView(p, t0); v.Included || v.Reason != ReasonNegativeSum {
		t.Errorf("neg 1.5 over pos 0 = included:%v reason:%s", v.Included, v.Reason)
	}
	p.PosScore = 1.5
	if v := tp.ComputePolicyView(p, t0); !v.Included {
		t.Errorf("balanced scores should stay included at margin 0")
	}
}

func TestListPolicyViews(t *testing.T) {
	tp, _, clk := testTrust(t)
	ctx := context.Background()

	n, err := tp.UpsertDefaults(ctx, "src", []string{"@Bob", "alice", "ALICE", ""})
	if err != nil {
		t.Fatalf("UpsertDefaults: %v", err)
	}
	if n != 2 {
		t.Errorf("created %d, want 2", n)
	}
	mustApply(t, tp, "src", "bob", ActionLike, t0)
	clk.Advance(testHalfLife)

	views, err := tp.ListPolicyViews(ctx, "src")
	if err != nil {
		t.Fatalf("ListPolicyViews: %v", err)
	}
	if len(views) != 2 || views[0].Handle != "alice" || views[1].Handle != "bob" {
		t.Fatalf("views = %+v", views)
	}
	if !approx(views[1].ProjectedPos, 0.5) || views[1].PosScore != 1 {
		t.Errorf("bob projected %v stored %v", views[1].ProjectedPos, views[1].PosScore)
	}

	n, err = tp.UpsertDefaults(ctx, "src", []string{"bob", "carol"})
	if err != nil || n != 1 {
		t.Errorf("second upsert = %d, %v; want 1", n, err)
	}
}

func TestRecomputeMatchesIncremental(t *testing.T) {
	tp, db, clk := testTrust(t)
	ctx := context.Background()

	events := []struct {
		action Action
		at     time.Time
	}{
		{ActionLike, t0},
		{ActionDislike, t0.Add(3 * time.Hour)},
		{ActionSkip, t0.Add(5 * time.Hour)},
		{ActionSave, t0.Add(30 * time.Hour)},
		{ActionDislike, t0.Add(30 * time.Hour)},
		{ActionLike, t0.Add(4*24*time.Hour + 17*time.Minute)},
	}
	for i, ev := range events {
		mustApply(t, tp, "incremental", "alice", ev.action, ev.at)
		logEvent(t, db, string(rune('a'+i)), "replayed", "@Alice", ev.action, ev.at)
	}

	now := t0.Add(6 * 24 * time.Hour)
	clk.Set(now)

	inc, err := db.GetPolicy(ctx, "incremental", "alice")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	want := tp.ComputePolicyView(*inc, now)

	got, err := tp.RecomputeFromFeedback(ctx, "replayed", "alice", time.Time{})
	if err != nil {
		t.Fatalf("RecomputeFromFeedback: %v", err)
	}
	if !approx(got.PosScore, want.ProjectedPos) || !approx(got.NegScore, want.ProjectedNeg) {
		t.Errorf("recompute (%v, %v) != incremental (%v, %v)",
			got.PosScore, got.NegScore, want.ProjectedPos, want.ProjectedNeg)
	}
	if !got.LastUpdatedAt.Equal(now) {
		t.Errorf("last updated = %v, want %v", got.LastUpdatedAt, now)
	}
	if !got.LastFeedbackAt.Equal(events[len(events)-1].at) {
		t.Errorf("last feedback = %v", got.LastFeedbackAt)
	}
}

func TestRecomputeOverwritesAndKeepsMode(t *testing.T) {
	tp, db, _ := testTrust(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustApply(t, tp, "src", "alice", ActionDislike, t0)
	}
	if _, err := tp.UpdateMode(ctx, "src", "alice", "mute"); err != nil {
		t.Fatalf("UpdateMode: %v", err)
	}
	logEvent(t, db, "only", "src", "alice", ActionLike, t0)

	p, err := tp.RecomputeFromFeedback(ctx, "src", "alice", time.Time{})
	if err != nil {
		t.Fatalf("RecomputeFromFeedback: %v", err)
	}
	if p.NegScore != 0 || !approx(p.PosScore, 1) {
		t.Errorf("scores = (%v, %v), want (1, 0)", p.PosScore, p.NegScore)
	}
	if p.Mode != store.ModeMute {
		t.Errorf("recompute changed mode to %s", p.Mode)
	}
}

func TestRecomputeEmptyHistory(t *testing.T) {
	tp, _, clk := testTrust(t)

	p, err := tp.RecomputeFromFeedback(context.Background(), "src", "nobody", time.Time{})
	if err != nil {
		t.Fatalf("RecomputeFromFeedback: %v", err)
	}
	if p.PosScore != 0 || p.NegScore != 0 || p.LastFeedbackAt != nil || !p.LastUpdatedAt.Equal(clk.Now()) {
		t.Errorf("empty recompute = %+v", p)
	}
}

func TestRecomputeAtExplicitTime(t *testing.T) {
	tp, db, clk := testTrust(t)
	logEvent(t, db, "e1", "src", "alice", ActionLike, t0)

	at := t0.Add(testHalfLife)
	p, err := tp.RecomputeFromFeedback(context.Background(), "src", "alice", at)
	if err != nil {
		t.Fatalf("RecomputeFromFeedback: %v", err)
	}
	if !approx(p.PosScore, 0.5) {
		t.Errorf("pos = %v, want 0.5 one half-life after the like", p.PosScore)
	}
	if !p.LastUpdatedAt.Equal(at) || !clk.Now().Equal(t0) {
		t.Errorf("last updated = %v, want %v", p.LastUpdatedAt, at)
	}
}

func TestRecomputeSource(t *testing.T) {
	tp, db, _ := testTrust(t)
	ctx := context.Background()

	handles := []string{"a", "b", "c", "d", "e", "f"}
	if _, err := tp.UpsertDefaults(ctx, "src", handles); err != nil {
		t.Fatalf("UpsertDefaults: %v", err)
	}
	for i, h := range handles {
		logEvent(t, db, "ev-"+h, "src", h, ActionLike, t0.Add(time.Duration(i)*time.Minute))
	}

	n, err := tp.RecomputeSource(ctx, "src", time.Time{})
	if err != nil {
		t.Fatalf("RecomputeSource: %v", err)
	}
	if n != len(handles) {
		t.Errorf("recomputed %d, want %d", n, len(handles))
	}
	for _, h := range handles {
		p, _ := db.GetPolicy(ctx, "src", h)
		if p.PosScore <= 0 || p.LastFeedbackAt == nil {
			t.Errorf("%s not recomputed: %+v", h, p)
		}
	}
}

func TestRecomputeWithoutLog(t *testing.T) {
	tp := NewTrustPolicies(testDB(t), nil, TrustParams{})
	if _, err := tp.RecomputeFromFeedback(context.Background(), "src", "alice", time.Time{}); err == nil {
		t.Error("expected error without a feedback log")
	}
}

func TestConcurrentApplyNoLostUpdates(t *testing.T) {
	tp, db, _ := testTrust(t)
	ctx := context.Background()

	const writers = 20
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := tp.ApplyFeedback(ctx, "src", "@Busy", ActionLike, t0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent apply: %v", err)
	}

	p, err := db.GetPolicy(ctx, "src", "busy")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.PosScore != writers {
		t.Errorf("pos = %v, want %d", p.PosScore, writers)
	}
}
