// Package claim serializes writes for a plate across concurrent resolutions.
package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"platecore/pkg/domain"
)

var (
	// ErrNotAcquired is returned when the claim could not be taken before the
	// context ended.
	ErrNotAcquired = errors.New("claim not acquired")
	// ErrNotHeld is returned by a release whose claim was lost or already released.
	ErrNotHeld = errors.New("claim not held")
)

// Release gives a claim back.
type Release func(ctx context.Context) error

// Claimer grants exclusive per-plate claims. Claim blocks until the claim is
// held or ctx is done.
type Claimer interface {
	Claim(ctx context.Context, plate domain.Plate) (Release, error)
}

// Local is an in-process Claimer.
type Local struct {
	mu    sync.Mutex
	slots map[domain.Plate]chan struct{}
}

// NewLocal returns an in-process claimer.
func NewLocal() *Local { return &Local{slots: make(map[domain.Plate]chan struct{})} }

func (l *Local) slot(plate domain.Plate) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[plate]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[plate] = s
	}
	return s
}

// Claim implements Claimer.
func (l *Local) Claim(ctx context.Context, plate domain.Plate) (Release, error) {
	s := l.slot(plate)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("plate %s: %w: %w", plate, ErrNotAcquired, ctx.Err())
	}
	var once sync.Once
	return func(context.Context) error {
		err := ErrNotHeld
		once.Do(func() {
			<-s
			err = nil
		})
		return err
	}, nil
}
