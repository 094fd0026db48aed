package store

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrConflict is returned by the Save* methods when the row's version
	// moved since it was read.
	ErrConflict = errors.New("store: version conflict")

	// ErrCorruptState is returned when a persisted magnitude cannot be
	// decoded or violates its invariants.
	ErrCorruptState = errors.New("store: corrupt state")
)

// Mode is the operator-set inclusion directive for an account.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeAlways Mode = "always"
	ModeMute   Mode = "mute"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeAlways, ModeMute:
		return true
	}
	return false
}

// SourceCalibration is the calibration state for one (owner, source) pair.
type SourceCalibration struct {
	ID                string
	OwnerID           string
	SourceID          string
	ItemsShown        int64
	ItemsLiked        int64
	ItemsDisliked     int64
	RollingHitRate    *float64 // nil until enough samples
	CalibrationOffset float64
	WindowStart       *time.Time // nil = no window yet
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Samples returns the like+dislike count of the current window.
func (c *SourceCalibration) Samples() int64 {
	return c.ItemsLiked + c.ItemsDisliked
}

// TrustPolicy is the trust state for one (source, normalized handle) pair.
type TrustPolicy struct {
	ID             string
	SourceID       string
	Handle         string
	Mode           Mode
	PosScore       float64
	NegScore       float64
	LastFeedbackAt *time.Time
	LastUpdatedAt  *time.Time // decay reference point
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FeedbackEvent is one row of the external feedback log.
type FeedbackEvent struct {
	ID            string
	OwnerID       string
	SourceID      string
	ContentItemID string
	AuthorHandle  string
	Action        string
	OccurredAt    time.Time
}

// NormalizeHandle returns the canonical storage key for an account handle:
// leading '@' and surrounding whitespace removed, lowercase.
func NormalizeHandle(h string) string {
	h = strings.TrimLeftFunc(h, func(r rune) bool { return r == '@' || unicode.IsSpace(r) })
	return strings.ToLower(strings.TrimRightFunc(h, unicode.IsSpace))
}
