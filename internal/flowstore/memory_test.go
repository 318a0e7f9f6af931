package flowstore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
	"github.com/roach88/hotswap/internal/flowstore/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) flowstore.Store { return flowstore.NewMemory() })
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := flowstore.NewMemory()
	f := storetest.Flow("Rollback Recovery", 0.9)
	_, err := s.Store(ctx, f)
	require.NoError(t, err)

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	got.Sequence[0] = "Mutated"

	again, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Sequence[0], again.Sequence[0])
}

func TestMemoryConcurrentStores(t *testing.T) {
	ctx := context.Background()
	s := flowstore.NewMemory()
	f := storetest.Flow("Rollback Recovery", 0.9)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Store(ctx, f)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestPlan(t *testing.T) {
	f := storetest.Flow("Rollback Recovery", 0.9)

	stored, res, write := flowstore.Plan(flow.Flow{}, false, f)
	assert.True(t, write)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, flowstore.MsgStored, res.Message)

	same := f.Clone()
	same.Origin = flow.OriginDeclared
	_, res, write = flowstore.Plan(stored, true, same)
	assert.False(t, write, "origin alone is not a content change")
	assert.Equal(t, 1, res.Version)

	changed := f.Clone()
	changed.Description = "different"
	next, res, write := flowstore.Plan(stored, true, changed)
	assert.True(t, write)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, 2, res.Version)
}
