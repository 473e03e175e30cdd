// Package clock supplies block-height ticks to the registry.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stwalsh4118/parcelledger/internal/models"
)

// TaxPeriod is the nominal number of blocks between tax payments (one year of
// ten-minute blocks). It is informational; nothing enforces it.
const TaxPeriod models.Tick = 52560

// ErrNotMonotonic is returned when a manual clock would move backwards.
var ErrNotMonotonic = errors.New("clock must not move backwards")

// Clock returns the current tick.
type Clock interface {
	Now() models.Tick
}

// Advancer is a clock that an operator can move forward.
type Advancer interface {
	Clock
	Advance(blocks models.Tick) models.Tick
}

// Manual is a clock driven explicitly by Set and Advance.
type Manual struct {
	mu     sync.Mutex
	height models.Tick
}

// NewManual creates a manual clock starting at height.
func NewManual(height models.Tick) *Manual {
	return &Manual{height: height}
}

// Now returns the current height.
func (m *Manual) Now() models.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// Advance moves the clock forward and returns the new height.
func (m *Manual) Advance(blocks models.Tick) models.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += blocks
	return m.height
}

// Set moves the clock to height, which must not be below the current height.
func (m *Manual) Set(height models.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height < m.height {
		return fmt.Errorf("%w: %d < %d", ErrNotMonotonic, height, m.height)
	}
	m.height = height
	return nil
}

// Interval derives the height from wall time: one block per interval since genesis.
type Interval struct {
	genesis  time.Time
	interval time.Duration
	start    models.Tick
	now      func() time.Time
}

// NewInterval creates a wall-time clock. Before genesis it reports start.
func NewInterval(genesis time.Time, interval time.Duration, start models.Tick) (*Interval, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("block interval must be positive, got %s", interval)
	}
	return &Interval{
		genesis:  genesis,
		interval: interval,
		start:    start,
		now:      time.Now,
	}, nil
}

// Now returns start plus the number of whole intervals elapsed since genesis.
func (c *Interval) Now() models.Tick {
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return c.start
	}
	return c.start + models.Tick(elapsed/c.interval)
}
