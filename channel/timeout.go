// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"time"

	pchannel "perun.network/go-perun/channel"
	"perun.network/go-perun/log"
)

// RoundDeadline expires when an unanswered payment round may be discarded.
// Implements the Perun Timeout interface.
type RoundDeadline struct {
	log.Embedding

	when         time.Time
	pollInterval time.Duration
	now          func() time.Time
}

// DefaultDeadlinePollInterval is the poll interval used by Wait.
const DefaultDeadlinePollInterval = 100 * time.Millisecond

var _ pchannel.Timeout = (*RoundDeadline)(nil)

// NewRoundDeadline returns a deadline which expires at when.
func NewRoundDeadline(when time.Time) *RoundDeadline {
	return &RoundDeadline{
		Embedding:    log.MakeEmbedding(log.Default()),
		when:         when,
		pollInterval: DefaultDeadlinePollInterval,
		now:          time.Now,
	}
}

// WithClock replaces the clock used to evaluate the deadline.
func (t *RoundDeadline) WithClock(now func() time.Time) *RoundDeadline {
	t.now = now
	return t
}

// When returns the expiry time.
func (t *RoundDeadline) When() time.Time {
	return t.when
}

// IsElapsed returns whether the deadline passed.
func (t *RoundDeadline) IsElapsed(context.Context) bool {
	now := t.now()
	elapsed := !now.Before(t.when)
	if elapsed {
		t.Log().Debugf("Round deadline elapsed since %v", now.Sub(t.when))
	}
	return elapsed
}

// Wait blocks until the deadline passed or ctx is done.
func (t *RoundDeadline) Wait(ctx context.Context) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for !t.IsElapsed(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
