// ABOUTME: Tests for the replay guard
// ABOUTME: Uses a fake clock to drive window expiry deterministically

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/hearth-gateway/internal/clock"
)

func TestGuard_RejectsReuseInsideWindow(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := New(90*time.Second, 100, clk)

	assert.True(t, g.Use("1:123456"))
	assert.False(t, g.Use("1:123456"))
	assert.True(t, g.Use("2:123456"), "keys are independent")

	clk.Advance(89 * time.Second)
	assert.False(t, g.Use("1:123456"))

	clk.Advance(time.Second)
	assert.True(t, g.Use("1:123456"), "window elapsed")
}

func TestGuard_EvictsOldestAtCapacity(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := New(time.Hour, 3, clk)

	for i := 0; i < 3; i++ {
		assert.True(t, g.Use(fmt.Sprintf("k%d", i)))
		clk.Advance(time.Second)
	}
	assert.True(t, g.Use("k3"))
	assert.Equal(t, 3, g.Len())

	assert.True(t, g.Use("k0"), "k0 was evicted")
	assert.False(t, g.Use("k3"))
}

func TestGuard_LenPrunes(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := New(time.Minute, 10, clk)
	g.Use("a")
	g.Use("b")
	assert.Equal(t, 2, g.Len())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 0, g.Len())
}

func TestGuard_ConcurrentSingleWinner(t *testing.T) {
	g := New(time.Minute, 100, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Use("same") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
