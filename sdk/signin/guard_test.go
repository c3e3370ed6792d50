package signin

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardAcquireOnce(t *testing.T) {
	var g Guard
	assert.False(t, g.Held())
	assert.True(t, g.Acquire())
	assert.False(t, g.Acquire())
	assert.True(t, g.Held())
}

func TestGuardConcurrentAcquireHasOneWinner(t *testing.T) {
	var g Guard
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestGuardForceAcquireReportsPreviousState(t *testing.T) {
	var g Guard
	assert.True(t, g.ForceAcquire())
	assert.False(t, g.ForceAcquire())
	assert.False(t, g.Acquire())
}
