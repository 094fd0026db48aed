package engine

import (
	"fmt"
	"strings"
)

// Action is a user feedback action on a content item.
type Action string

const (
	ActionLike    Action = "like"
	ActionDislike Action = "dislike"
	ActionSave    Action = "save"
	ActionSkip    Action = "skip"
	ActionMute    Action = "mute"
)

// ParseAction normalizes s and rejects unknown actions.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionLike, ActionDislike, ActionSave, ActionSkip, ActionMute:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// DefaultFeedbackDelta is the per-event magnitude added to a trust score.
const DefaultFeedbackDelta = 1.0

// DeltaPolicy maps feedback actions to score increments.
type DeltaPolicy struct {
	Step float64
}

// Delta returns the (positive, negative) increment for a. Likes and saves are
// positive, dislikes negative; skip, mute and anything unknown carry no signal.
func (p DeltaPolicy) Delta(a Action) (pos, neg float64) {
	switch a {
	case ActionLike, ActionSave:
		return p.Step, 0
	case ActionDislike:
		return 0, p.Step
	}
	return 0, 0
}

// Apply adds a's delta to (pos, neg).
func (p DeltaPolicy) Apply(pos, neg float64, a Action) (float64, float64) {
	dp, dn := p.Delta(a)
	return pos + dp, neg + dn
}

// counterDelta is the calibration-counter contribution of a single event.
func counterDelta(a Action) (liked, disliked int64) {
	switch a {
	case ActionLike, ActionSave:
		return 1, 0
	case ActionDislike:
		return 0, 1
	}
	return 0, 0
}
