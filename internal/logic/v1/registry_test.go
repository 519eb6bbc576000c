package v1

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_Sweep(t *testing.T) {
	ctx := context.Background()
	metrics := newFakeMetrics()
	idle := 0
	r := NewSessionRegistry(10*time.Minute, metrics, func(context.Context) { idle++ })

	r.RecordActive("a", testNow)
	r.RecordActive("b", testNow.Add(5*time.Minute))
	assert.Equal(t, 2, metrics.active)

	assert.Equal(t, 1, r.Sweep(ctx, testNow.Add(12*time.Minute)))
	assert.Equal(t, 1, metrics.active)
	assert.Zero(t, idle)

	assert.Equal(t, 0, r.Sweep(ctx, testNow.Add(16*time.Minute)))
	assert.Equal(t, 1, idle)

	r.Sweep(ctx, testNow.Add(30*time.Minute))
	assert.Equal(t, 1, idle, "idle hook fires once per drain")

	r.RecordActive("c", testNow.Add(31*time.Minute))
	r.Sweep(ctx, testNow.Add(45*time.Minute))
	assert.Equal(t, 2, idle)
	assert.Zero(t, r.Count())
}

func TestSessionRegistry_WindowIsInclusive(t *testing.T) {
	r := NewSessionRegistry(10*time.Minute, newFakeMetrics(), nil)
	r.RecordActive("a", testNow)
	assert.Equal(t, 1, r.Sweep(context.Background(), testNow.Add(10*time.Minute)))
}

func TestSessionRegistry_RunUnloadsGenerator(t *testing.T) {
	gen := &fakeGenerator{}
	ex := NewExclusive(gen)
	r := NewSessionRegistry(time.Nanosecond, newFakeMetrics(), UnloadOnIdle(ex))
	r.RecordActive("a", time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		gen.mu.Lock()
		defer gen.mu.Unlock()
		return gen.unloaded == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
