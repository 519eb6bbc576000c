package v1

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

func TestExclusive_SerializesCallers(t *testing.T) {
	ex := NewExclusive(&fakeGenerator{})

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ex.WithExclusiveAccess(context.Background(), func(context.Context, domain.Generator) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestExclusive_ReleasesOnPanic(t *testing.T) {
	ex := NewExclusive(&fakeGenerator{})

	assert.Panics(t, func() {
		_ = ex.WithExclusiveAccess(context.Background(), func(context.Context, domain.Generator) error {
			panic("generator exploded")
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ex.WithExclusiveAccess(ctx, func(context.Context, domain.Generator) error { return nil }))
}

func TestExclusive_WaiterHonoursContext(t *testing.T) {
	ex := NewExclusive(&fakeGenerator{})

	held, release := make(chan struct{}), make(chan struct{})
	done := make(chan error)
	go func() {
		done <- ex.WithExclusiveAccess(context.Background(), func(context.Context, domain.Generator) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := ex.WithExclusiveAccess(ctx, func(context.Context, domain.Generator) error {
		t.Error("must not run while the generator is held")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestExclusive_Unload(t *testing.T) {
	gen := &fakeGenerator{}
	ok, err := NewExclusive(gen).Unload(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, gen.unloaded)

	ok, err = NewExclusive(plainGenerator{}).Unload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

type plainGenerator struct{}

func (plainGenerator) Generate(context.Context, domain.GenerationParams) ([]image.Image, error) {
	return nil, nil
}
