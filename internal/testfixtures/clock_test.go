package testfixtures

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	c := NewClock(time.Time{})
	assert.Equal(t, ReferenceTime(), c.Now())

	got := c.Advance(90 * time.Minute)
	assert.Equal(t, ReferenceTime().Add(90*time.Minute), got)

	earlier := ReferenceTime().Add(-time.Hour)
	c.Set(earlier)
	assert.Equal(t, earlier, c.Now())
}

func TestIDGeneratorIsUniqueUnderConcurrency(t *testing.T) {
	g := NewIDGenerator("ride")
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	assert.Equal(t, "id-1", NewIDGenerator("").Next())
}
