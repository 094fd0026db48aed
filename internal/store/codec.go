package store

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamps are stored as unix milliseconds; magnitudes as DOUBLE PRECISION.
// Conversion to domain types happens here and nowhere else.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// decodeReal converts a raw driver value into a finite float64. Drivers hand
// back float64 for DOUBLE PRECISION, but NUMERIC columns and hand-edited
// SQLite rows can surface as text or integers.
func decodeReal(column string, raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case []byte:
		parsed, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q", ErrCorruptState, column, v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q", ErrCorruptState, column, v)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("%w: %s is null", ErrCorruptState, column)
	default:
		return 0, fmt.Errorf("%w: %s: unexpected type %T", ErrCorruptState, column, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrCorruptState, column)
	}
	return f, nil
}

// decodeMagnitude is decodeReal plus the non-negative invariant.
func decodeMagnitude(column string, raw any) (float64, error) {
	f, err := decodeReal(column, raw)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: %s is negative (%g)", ErrCorruptState, column, f)
	}
	return f, nil
}

// decodeNullableRate decodes a nullable ratio that must lie in [0,1].
func decodeNullableRate(column string, raw any) (*float64, error) {
	if raw == nil {
		return nil, nil
	}
	f, err := decodeReal(column, raw)
	if err != nil {
		return nil, err
	}
	if f < 0 || f > 1 {
		return nil, fmt.Errorf("%w: %s out of range (%g)", ErrCorruptState, column, f)
	}
	return &f, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
