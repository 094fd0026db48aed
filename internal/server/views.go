package server

import (
	"time"

	"github.com/lazypower/feedcal/internal/engine"
	"github.com/lazypower/feedcal/internal/store"
)

// Wire shapes. Timestamps are RFC 3339, absent when unset.

type calibrationResponse struct {
	OwnerID           string     `json:"owner_id"`
	SourceID          string     `json:"source_id"`
	ItemsShown        int64      `json:"items_shown"`
	ItemsLiked        int64      `json:"items_liked"`
	ItemsDisliked     int64      `json:"items_disliked"`
	RollingHitRate    *float64   `json:"rolling_hit_rate"`
	CalibrationOffset float64    `json:"calibration_offset"`
	WindowStart       *time.Time `json:"window_start,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func calibrationJSON(c *store.SourceCalibration) calibrationResponse {
	return calibrationResponse{
		OwnerID:           c.OwnerID,
		SourceID:          c.SourceID,
		ItemsShown:        c.ItemsShown,
		ItemsLiked:        c.ItemsLiked,
		ItemsDisliked:     c.ItemsDisliked,
		RollingHitRate:    c.RollingHitRate,
		CalibrationOffset: c.CalibrationOffset,
		WindowStart:       c.WindowStart,
		UpdatedAt:         c.UpdatedAt,
	}
}

type policyResponse struct {
	SourceID       string     `json:"source_id"`
	Handle         string     `json:"handle"`
	Mode           store.Mode `json:"mode"`
	PosScore       float64    `json:"pos_score"`
	NegScore       float64    `json:"neg_score"`
	ProjectedPos   float64    `json:"projected_pos"`
	ProjectedNeg   float64    `json:"projected_neg"`
	Included       bool       `json:"included"`
	Reason         string     `json:"reason"`
	LastFeedbackAt *time.Time `json:"last_feedback_at,omitempty"`
	LastUpdatedAt  *time.Time `json:"last_updated_at,omitempty"`
}

func policyJSON(v engine.PolicyView) policyResponse {
	return policyResponse{
		SourceID:       v.SourceID,
		Handle:         v.Handle,
		Mode:           v.Mode,
		PosScore:       v.PosScore,
		NegScore:       v.NegScore,
		ProjectedPos:   v.ProjectedPos,
		ProjectedNeg:   v.ProjectedNeg,
		Included:       v.Included,
		Reason:         v.Reason,
		LastFeedbackAt: v.LastFeedbackAt,
		LastUpdatedAt:  v.LastUpdatedAt,
	}
}
