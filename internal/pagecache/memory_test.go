package pagecache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/pagecache"
)

func TestMemoryCache_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := pagecache.NewMemoryCache()

	_, err := cache.Get(ctx, "job-1", 0, domain.KindAchievement)
	assert.ErrorIs(t, err, pagecache.ErrMiss)

	page := []byte("<html>achievement page</html>")
	require.NoError(t, cache.Put(ctx, "job-1", 0, domain.KindAchievement, page))

	got, err := cache.Get(ctx, "job-1", 0, domain.KindAchievement)
	require.NoError(t, err)
	assert.Equal(t, page, got)

	// Same difficulty, other kind is a distinct key.
	_, err = cache.Get(ctx, "job-1", 0, domain.KindDXScore)
	assert.ErrorIs(t, err, pagecache.ErrMiss)
}

func TestMemoryCache_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := pagecache.NewMemoryCache()
	require.NoError(t, cache.Put(ctx, "job-1", 2, domain.KindDXScore, []byte("abc")))

	got, err := cache.Get(ctx, "job-1", 2, domain.KindDXScore)
	require.NoError(t, err)
	got[0] = 'x'

	again, err := cache.Get(ctx, "job-1", 2, domain.KindDXScore)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryCache_DeleteJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := pagecache.NewMemoryCache()

	for _, diff := range domain.Difficulties {
		for _, kind := range domain.ScoreKinds {
			require.NoError(t, cache.Put(ctx, "job-1", diff, kind, []byte("page")))
		}
	}
	require.NoError(t, cache.Put(ctx, "job-2", 0, domain.KindAchievement, []byte("other")))

	require.NoError(t, cache.DeleteJob(ctx, "job-1"))

	for _, diff := range domain.Difficulties {
		for _, kind := range domain.ScoreKinds {
			_, err := cache.Get(ctx, "job-1", diff, kind)
			assert.ErrorIs(t, err, pagecache.ErrMiss)
		}
	}

	// Other jobs keep their pages.
	got, err := cache.Get(ctx, "job-2", 0, domain.KindAchievement)
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), got)
}
