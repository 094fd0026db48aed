package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/feedcal/internal/keylock"
	"github.com/lazypower/feedcal/internal/logger"
	"github.com/lazypower/feedcal/internal/store"
)

// maxWriteAttempts bounds the optimistic-concurrency retry of a single
// read-modify-write cycle.
const maxWriteAttempts = 3

// Option configures a Calibrator or TrustPolicies.
type Option func(*deps)

type deps struct {
	locker keylock.Locker
	log    *logger.Logger
	now    func() time.Time
}

// WithLocker sets the per-key locker. Default: a private keylock.Local.
func WithLocker(l keylock.Locker) Option { return func(d *deps) { d.locker = l } }

// WithLogger sets the logger. Default: logger.Nop().
func WithLogger(l *logger.Logger) Option { return func(d *deps) { d.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(d *deps) { d.now = now } }

func newDeps(opts []Option) deps {
	d := deps{
		locker: keylock.NewLocal(),
		log:    logger.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(&d)
	}
	return d
}

// serialize runs fn under the key lock, retrying when the store reports that
// another writer moved the row between read and write.
func (d *deps) serialize(ctx context.Context, key string, fn func() error) error {
	unlock, err := d.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt == maxWriteAttempts {
			return err
		}
		d.log.Warn("version conflict, retrying", "key", key, "attempt", attempt)
	}
}
