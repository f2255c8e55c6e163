package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	testTarget   = 10 * time.Millisecond
	testInterval = 100 * time.Millisecond
)

func TestCodelQuietUnderTarget(t *testing.T) {
	t0 := time.Now()
	c := newCodel(testTarget, testInterval, t0)

	c.sample(5*time.Millisecond, t0)
	c.sample(8*time.Millisecond, t0.Add(50*time.Millisecond))
	assert.False(t, c.overloaded(t0.Add(150*time.Millisecond)))
}

func TestCodelDropsAfterSustainedDelay(t *testing.T) {
	t0 := time.Now()
	c := newCodel(testTarget, testInterval, t0)

	c.sample(20*time.Millisecond, t0)
	c.sample(30*time.Millisecond, t0.Add(50*time.Millisecond))
	// still inside the first window, no verdict yet
	assert.False(t, c.overloaded(t0.Add(90*time.Millisecond)))
	// first drop lands right at the window boundary
	assert.True(t, c.overloaded(t0.Add(100*time.Millisecond)))
}

func TestCodelBurstDoesNotDrop(t *testing.T) {
	t0 := time.Now()
	c := newCodel(testTarget, testInterval, t0)

	// one slow sample inside a window of otherwise fast service is a
	// burst, not sustained congestion
	c.sample(500*time.Millisecond, t0)
	c.sample(0, t0.Add(50*time.Millisecond))
	assert.False(t, c.overloaded(t0.Add(150*time.Millisecond)))
}

func TestCodelRecoversOnFastSample(t *testing.T) {
	t0 := time.Now()
	c := newCodel(testTarget, testInterval, t0)

	c.sample(20*time.Millisecond, t0)
	assert.True(t, c.overloaded(t0.Add(100*time.Millisecond)))

	c.sample(time.Millisecond, t0.Add(110*time.Millisecond))
	assert.False(t, c.overloaded(t0.Add(110*time.Millisecond)))
	assert.Equal(t, uint(0), c.count)
}

func TestCodelEmptyWindowKeepsVerdict(t *testing.T) {
	t0 := time.Now()
	c := newCodel(testTarget, testInterval, t0)

	c.sample(20*time.Millisecond, t0)
	assert.True(t, c.overloaded(t0.Add(100*time.Millisecond)))
	// hours of silence change nothing until a sample says otherwise
	assert.True(t, c.overloaded(t0.Add(2*time.Hour)))
}

func TestCodelWindowShrinksWhileCongested(t *testing.T) {
	t0 := time.Now()
	c := newCodel(testTarget, testInterval, t0)

	c.sample(20*time.Millisecond, t0)
	assert.True(t, c.overloaded(t0.Add(100*time.Millisecond)))
	assert.Equal(t, uint(1), c.count)

	// the next congested window is half as long
	c.sample(20*time.Millisecond, t0.Add(110*time.Millisecond))
	assert.True(t, c.overloaded(t0.Add(150*time.Millisecond)))
	assert.Equal(t, uint(2), c.count)
}
