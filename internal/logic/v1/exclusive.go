package v1

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// Exclusive serializes access to a Generator. Only one caller holds the
// generator at a time; the rest wait until it is free or their context ends.
type Exclusive struct {
	gen domain.Generator
	sem *semaphore.Weighted
}

// NewExclusive wraps gen for serialized use.
func NewExclusive(gen domain.Generator) *Exclusive {
	return &Exclusive{gen: gen, sem: semaphore.NewWeighted(1)}
}

// WithExclusiveAccess runs fn while holding the generator. The hold is
// released when fn returns or panics.
func (e *Exclusive) WithExclusiveAccess(ctx context.Context, fn func(ctx context.Context, gen domain.Generator) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire generator: %w", err)
	}
	defer e.sem.Release(1)
	return fn(ctx, e.gen)
}

// Unload releases the generator's model if it supports unloading.
func (e *Exclusive) Unload(ctx context.Context) (bool, error) {
	u, ok := e.gen.(domain.Unloader)
	if !ok {
		return false, nil
	}
	err := e.WithExclusiveAccess(ctx, func(ctx context.Context, _ domain.Generator) error {
		return u.Unload(ctx)
	})
	return err == nil, err
}
