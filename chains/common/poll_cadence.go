package common

import (
	"sync"
)

const (
	// MinPollMs is the floor for a poll interval. Hammering gettxout
	// faster than this buys nothing on any Bitcoin network.
	MinPollMs = 500
)

// PollCadence adapts the interval between UTXO-set polls to observed
// activity. A scan that found a spend shortens the interval, an idle scan
// stretches it back out, bounded below by MinPollMs and above by four
// times the configured base so a long quiet stretch cannot push the
// watcher into minutes-long blindness.
type PollCadence struct {
	lock *sync.RWMutex

	intervalMs int
	maxMs      int
	streak     int
}

func NewPollCadence(baseMs int) *PollCadence {
	return &PollCadence{
		lock:       &sync.RWMutex{},
		intervalMs: baseMs,
		maxMs:      baseMs * 4,
	}
}

// SpendSeen tightens the cadence after a scan that observed activity.
// Three productive scans in a row cut the interval sharply; a lone one
// only nudges it.
func (c *PollCadence) SpendSeen() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.streak++
	if c.streak >= 3 {
		c.intervalMs = c.intervalMs * 6 / 10
	} else {
		c.intervalMs = c.intervalMs * 950 / 1000
	}

	if c.intervalMs < MinPollMs {
		c.intervalMs = MinPollMs
	}
}

// Idle relaxes the cadence after a scan that found nothing spent.
func (c *PollCadence) Idle() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.streak = 0
	c.intervalMs = c.intervalMs * 11 / 10
	if c.intervalMs > c.maxMs {
		c.intervalMs = c.maxMs
	}
}

// IntervalMs returns the current wait before the next poll.
func (c *PollCadence) IntervalMs() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.intervalMs
}
