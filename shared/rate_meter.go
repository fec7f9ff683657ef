package shared

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateMeter grants a bounded number of tickets over a rolling time window.
// A ticket counts against capacity from issuance until window elapses,
// regardless of when it is closed; capacity therefore frees itself as the
// window slides. Acquire blocks while the meter is full.
//
//	meter := shared.NewRateMeter(5, 32500*time.Millisecond)
//	ticket, err := meter.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer ticket.Close()
type RateMeter struct {
	quantity int
	window   time.Duration

	// turn serializes blocked acquirers so waiters are served in arrival
	// order. The channel holds a single token.
	turn chan struct{}

	mutex    sync.Mutex
	expiries []time.Time // issuance+window for each outstanding ticket, ascending
	active   int64       // issued minus closed, for diagnostics only
}

// Ticket is a grant from a RateMeter. Close is idempotent and must be called
// on every exit path.
type Ticket struct {
	meter     *RateMeter
	expiresAt time.Time
	closeOnce sync.Once
}

// ExpiresAt returns the instant at which the ticket stops counting against
// the meter's capacity.
func (t *Ticket) ExpiresAt() time.Time {
	return t.expiresAt
}

// Close releases the ticket. The meter's capacity is freed by the sliding
// window, not by Close; closing only settles the diagnostic accounting.
func (t *Ticket) Close() {
	if t == nil {
		return
	}
	t.closeOnce.Do(func() {
		t.meter.mutex.Lock()
		t.meter.active--
		t.meter.mutex.Unlock()
	})
}

// NewRateMeter creates a meter allowing quantity tickets per rolling window.
func NewRateMeter(quantity int, window time.Duration) *RateMeter {
	if quantity <= 0 {
		quantity = 1
	}
	if window <= 0 {
		window = time.Millisecond
	}
	meter := &RateMeter{
		quantity: quantity,
		window:   window,
		turn:     make(chan struct{}, 1),
	}
	meter.turn <- struct{}{}
	return meter
}

// Quantity returns the number of tickets available per window.
func (m *RateMeter) Quantity() int {
	return m.quantity
}

// Window returns the rolling window duration.
func (m *RateMeter) Window() time.Duration {
	return m.window
}

// Outstanding returns the number of tickets still counting against capacity.
func (m *RateMeter) Outstanding() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.prune(time.Now())
	return len(m.expiries)
}

// Acquire blocks until a ticket is available or the context is cancelled.
// Waiters take turns in arrival order.
func (m *RateMeter) Acquire(ctx context.Context) (*Ticket, error) {
	select {
	case <-m.turn:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { m.turn <- struct{}{} }()

	for {
		m.mutex.Lock()
		now := time.Now()
		m.prune(now)
		if len(m.expiries) < m.quantity {
			expiresAt := now.Add(m.window)
			m.expiries = append(m.expiries, expiresAt)
			m.active++
			m.mutex.Unlock()
			return &Ticket{meter: m, expiresAt: expiresAt}, nil
		}
		wait := m.expiries[0].Sub(now)
		m.mutex.Unlock()

		logrus.WithFields(logrus.Fields{
			"component": "RateMeter",
			"wait":      wait,
		}).Debug("Rate meter exhausted, waiting for earliest ticket to expire")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops expired tickets from the sliding window. Caller holds the lock.
func (m *RateMeter) prune(now time.Time) {
	idx := 0
	for idx < len(m.expiries) && !m.expiries[idx].After(now) {
		idx++
	}
	if idx > 0 {
		m.expiries = append(m.expiries[:0], m.expiries[idx:]...)
	}
}
