package scores_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/pagecache"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/scores"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// pageHTML renders a one-song score page whose value encodes the
// requested difficulty and kind, so merges can be asserted precisely.
func pageHTML(diff int, kind domain.ScoreKind) []byte {
	return []byte(fmt.Sprintf(`<html><body>
  <div class="screw_block">GENRE</div>
  <div class="music_block">
    <img class="music_kind_icon" src="/img/music_standard.png">
    <div class="music_name_block">Song</div>
    <div class="music_lv_block">12</div>
    <div class="music_score_block">v-%d-%s</div>
  </div>
</body></html>`, diff, kind))
}

// fakeFetcher serves synthetic pages and tracks fetch counts.
type fakeFetcher struct {
	mu       sync.Mutex
	fetches  map[string]int
	favorite bool

	pageErr error
}

func newFakeFetcher(favorite bool) *fakeFetcher {
	return &fakeFetcher{fetches: make(map[string]int), favorite: favorite}
}

func (f *fakeFetcher) ScorePage(_ context.Context, _ *session.Session, _ string, diff int, kind domain.ScoreKind) ([]byte, error) {
	f.mu.Lock()
	f.fetches[fmt.Sprintf("%d:%d", diff, int(kind))]++
	f.mu.Unlock()
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	return pageHTML(diff, kind), nil
}

func (f *fakeFetcher) FriendDetail(context.Context, *session.Session, string) (*portal.FriendDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &portal.FriendDetail{FriendCode: "target", IsFavorite: f.favorite}, nil
}

func (f *fakeFetcher) SetFavorite(_ context.Context, _ *session.Session, _ string, fav bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.favorite = fav
	return nil
}

func (f *fakeFetcher) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.fetches {
		total += n
	}
	return total
}

func TestAggregate_FullMatrix(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(true)
	agg := scores.NewAggregator(fetcher, pagecache.NewMemoryCache(), scores.Config{}, logger.NewNop())

	var mu sync.Mutex
	doneDiffs := make(map[int]int)
	onDone := func(_ context.Context, diff int) error {
		mu.Lock()
		doneDiffs[diff]++
		mu.Unlock()
		return nil
	}

	result, err := agg.Aggregate(context.Background(), &session.Session{}, "job-1", "target", onDone)
	require.NoError(t, err)

	// Progress fired exactly once per difficulty.
	require.Len(t, doneDiffs, domain.TotalDifficulties)
	for _, diff := range domain.Difficulties {
		assert.Equal(t, 1, doneDiffs[diff], "diff %d", diff)
	}

	// All ten pages were fetched.
	assert.Equal(t, len(domain.Difficulties)*len(domain.ScoreKinds), fetcher.totalFetches())

	// Both kinds merged into the same entry per difficulty.
	for _, diff := range domain.Difficulties {
		entry := result["GENRE"][domain.ChartStandard]["Song"][diff]
		require.NotNil(t, entry, "diff %d", diff)
		assert.Equal(t, fmt.Sprintf("v-%d-achievement", diff), entry.Score)
		assert.Equal(t, fmt.Sprintf("v-%d-dxscore", diff), entry.DXScore)
		assert.Equal(t, "12", entry.Level)
	}
}

func TestAggregate_ResumesFromCache(t *testing.T) {
	t.Parallel()

	cache := pagecache.NewMemoryCache()
	ctx := context.Background()

	// A previous run already fetched all of difficulty 0 and 1.
	for _, diff := range []int{0, 1} {
		for _, kind := range domain.ScoreKinds {
			require.NoError(t, cache.Put(ctx, "job-1", diff, kind, pageHTML(diff, kind)))
		}
	}

	fetcher := newFakeFetcher(true)
	agg := scores.NewAggregator(fetcher, cache, scores.Config{}, logger.NewNop())

	result, err := agg.Aggregate(ctx, &session.Session{}, "job-1", "target", nil)
	require.NoError(t, err)

	// Only the six uncached pages hit the portal.
	assert.Equal(t, 6, fetcher.totalFetches())

	// Cached difficulties are still present in the result.
	assert.NotNil(t, result["GENRE"][domain.ChartStandard]["Song"][0])
	assert.NotNil(t, result["GENRE"][domain.ChartStandard]["Song"][1])
}

func TestAggregate_SetsFavoriteWhenMissing(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(false)
	agg := scores.NewAggregator(fetcher, pagecache.NewMemoryCache(), scores.Config{}, logger.NewNop())

	_, err := agg.Aggregate(context.Background(), &session.Session{}, "job-1", "target", nil)
	require.NoError(t, err)
	assert.True(t, fetcher.favorite)
}

func TestAggregate_FetchErrorAborts(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(true)
	fetcher.pageErr = errors.New("portal down")
	agg := scores.NewAggregator(fetcher, pagecache.NewMemoryCache(), scores.Config{}, logger.NewNop())

	_, err := agg.Aggregate(context.Background(), &session.Session{}, "job-1", "target", nil)
	assert.ErrorContains(t, err, "portal down")
}

func TestAggregate_ProgressErrorAborts(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(true)
	agg := scores.NewAggregator(fetcher, pagecache.NewMemoryCache(), scores.Config{}, logger.NewNop())

	onDone := func(context.Context, int) error { return errors.New("queue unreachable") }
	_, err := agg.Aggregate(context.Background(), &session.Session{}, "job-1", "target", onDone)
	assert.ErrorContains(t, err, "queue unreachable")
}
