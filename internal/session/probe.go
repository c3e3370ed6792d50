package session

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Probe reports the usable session held by a Store.
type Probe struct {
	store Store
	now   func() time.Time
	group singleflight.Group
}

// NewProbe wraps store. now defaults to time.Now.
func NewProbe(store Store, now func() time.Time) *Probe {
	if now == nil {
		now = time.Now
	}
	return &Probe{store: store, now: now}
}

// CurrentSession returns the stored session, or nil without error when
// nothing is stored or the stored session has expired. Concurrent calls
// share one store read.
func (p *Probe) CurrentSession(ctx context.Context) (*Session, error) {
	v, err, _ := p.group.Do("current", func() (any, error) {
		current, errLoad := p.store.Load(ctx)
		if errLoad != nil {
			if errors.Is(errLoad, ErrNoSession) {
				return (*Session)(nil), nil
			}
			return nil, errLoad
		}
		if !current.Valid(p.now()) {
			log.Debugf("stored session for %s expired at %s", current.Label(), current.ExpiresAt.Format(time.RFC3339))
			return (*Session)(nil), nil
		}
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	current, _ := v.(*Session)
	return current, nil
}
