// Package testfixtures provides deterministic time and identifier sources
// for tests of the core components.
package testfixtures

import (
	"fmt"
	"sync"
	"time"
)

// ReferenceTime is the instant every fixture clock starts from by default.
func ReferenceTime() time.Time {
	return time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)
}

// Clock is a controllable, concurrency-safe time source.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock returns a clock set to start, or ReferenceTime when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{current: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set moves the clock to t, backwards if need be.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}

// IDGenerator yields "<prefix>-<n>" identifiers.
type IDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter uint64
}

func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.prefix, g.counter)
}
