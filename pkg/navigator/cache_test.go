package navigator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/routinerunner/pkg/cache"
)

type failingStore struct{ cache.Store }

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("store down")
}

func TestConfigCache_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := cache.NewRedisStore(ctx, cache.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	c := NewConfigCache(store, time.Minute, nil)
	n := NewSingleStepNavigator(c)
	start, err := n.StartLocation(ctx, singleStepConfig())
	require.NoError(t, err)

	key := CacheKey(start.RoutineID)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	// Another process sharing the store can resolve the location.
	other := NewSingleStepNavigator(NewConfigCache(store, time.Minute, nil))
	info, err := other.StepInfo(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, CallTypeReasoning, info.Type)
}

func TestConfigCache_StoreFailuresAreNotFatal(t *testing.T) {
	ctx := context.Background()
	c := NewConfigCache(failingStore{}, time.Minute, nil)
	n := NewSingleStepNavigator(c)

	start, err := n.StartLocation(ctx, singleStepConfig())
	require.NoError(t, err)

	info, err := n.StepInfo(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, "summarize", info.Name)

	_, err = c.Get(ctx, "never-written")
	assert.ErrorIs(t, err, ErrRoutineNotFound)
}
