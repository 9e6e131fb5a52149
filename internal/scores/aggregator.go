// Package scores fetches friend-versus pages across the difficulty and
// metric-kind matrix and aggregates parsed rows into the nested score
// result, resuming from the page cache after a crash.
package scores

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/pagecache"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// Fetcher is the slice of the portal client the aggregator needs.
type Fetcher interface {
	ScorePage(ctx context.Context, sess *session.Session, friendCode string, diff int, kind domain.ScoreKind) ([]byte, error)
	FriendDetail(ctx context.Context, sess *session.Session, friendCode string) (*portal.FriendDetail, error)
	SetFavorite(ctx context.Context, sess *session.Session, friendCode string, favorite bool) error
}

// ProgressFunc is invoked once per difficulty after both metric kinds
// for that difficulty have been merged.
type ProgressFunc func(ctx context.Context, diff int) error

// Config configures the aggregator.
type Config struct {
	// Workers bounds concurrent page fetches.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// FavoriteAttempts caps retries of the favorite confirmation.
	FavoriteAttempts int `mapstructure:"favorite_attempts" yaml:"favorite_attempts"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.FavoriteAttempts <= 0 {
		c.FavoriteAttempts = 3
	}
}

// Aggregator runs the score-scraping pipeline for one target player.
type Aggregator struct {
	fetcher Fetcher
	cache   pagecache.Cache
	cfg     Config
	log     logger.Logger
}

// NewAggregator creates a score aggregator.
func NewAggregator(fetcher Fetcher, cache pagecache.Cache, cfg Config, log logger.Logger) *Aggregator {
	cfg.SetDefaults()
	return &Aggregator{fetcher: fetcher, cache: cache, cfg: cfg, log: log}
}

// task is one (difficulty, kind) page fetch.
type task struct {
	diff int
	kind domain.ScoreKind
}

// Aggregate fetches all score pages for the target and merges them into
// the result. onDiffDone fires exactly once per difficulty, after both
// metric kinds have landed. Page fetches are cache-first keyed by jobID
// so a crashed run resumes where it stopped.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	sess *session.Session,
	jobID, target string,
	onDiffDone ProgressFunc,
) (domain.ScoreResult, error) {
	if err := a.ensureFavorite(ctx, sess, target); err != nil {
		return nil, err
	}

	tasks := make(chan task, len(domain.Difficulties)*len(domain.ScoreKinds))
	for _, diff := range domain.Difficulties {
		for _, kind := range domain.ScoreKinds {
			tasks <- task{diff: diff, kind: kind}
		}
	}
	close(tasks)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		result    = make(domain.ScoreResult)
		remaining = make(map[int]int, len(domain.Difficulties))
		firstErr  error
		wg        sync.WaitGroup
	)
	for _, diff := range domain.Difficulties {
		remaining[diff] = len(domain.ScoreKinds)
	}

	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if runCtx.Err() != nil {
					return
				}
				if err := a.runTask(runCtx, sess, jobID, target, t, &mu, result, remaining, onDiffDone); err != nil {
					setErr(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// runTask fetches, parses, and merges one page, firing the progress
// callback when its difficulty completes.
func (a *Aggregator) runTask(
	ctx context.Context,
	sess *session.Session,
	jobID, target string,
	t task,
	mu *sync.Mutex,
	result domain.ScoreResult,
	remaining map[int]int,
	onDiffDone ProgressFunc,
) error {
	page, err := a.fetchPage(ctx, sess, jobID, target, t)
	if err != nil {
		return err
	}

	rows, err := portal.ParseScoreRows(page)
	if err != nil {
		return fmt.Errorf("parse score page diff=%d kind=%s: %w", t.diff, t.kind, err)
	}

	mu.Lock()
	for _, row := range rows {
		mergeRow(result, row, t.diff, t.kind)
	}
	remaining[t.diff]--
	diffDone := remaining[t.diff] == 0
	mu.Unlock()

	a.log.Debug("score page merged",
		logger.String("job_id", jobID),
		logger.Int("diff", t.diff),
		logger.String("kind", t.kind.String()),
		logger.Int("rows", len(rows)),
	)

	if diffDone && onDiffDone != nil {
		if err := onDiffDone(ctx, t.diff); err != nil {
			return fmt.Errorf("report progress diff=%d: %w", t.diff, err)
		}
	}
	return nil
}

// fetchPage serves the page from cache when possible, fetching and
// caching on miss. A cache write failure costs only resumability.
func (a *Aggregator) fetchPage(ctx context.Context, sess *session.Session, jobID, target string, t task) ([]byte, error) {
	page, err := a.cache.Get(ctx, jobID, t.diff, t.kind)
	if err == nil {
		return page, nil
	}
	if !errors.Is(err, pagecache.ErrMiss) {
		a.log.Warn("page cache read failed",
			logger.String("job_id", jobID),
			logger.Error(err),
		)
	}

	page, err = a.fetcher.ScorePage(ctx, sess, target, t.diff, t.kind)
	if err != nil {
		return nil, fmt.Errorf("fetch score page diff=%d kind=%s: %w", t.diff, t.kind, err)
	}

	if putErr := a.cache.Put(ctx, jobID, t.diff, t.kind, page); putErr != nil {
		a.log.Warn("page cache write failed",
			logger.String("job_id", jobID),
			logger.Error(putErr),
		)
	}
	return page, nil
}

// ensureFavorite confirms the target is marked favorite by the bot,
// setting the flag and re-checking up to the configured attempt count.
// The friend-versus endpoint is gated on this relationship.
func (a *Aggregator) ensureFavorite(ctx context.Context, sess *session.Session, target string) error {
	for attempt := 1; attempt <= a.cfg.FavoriteAttempts; attempt++ {
		detail, err := a.fetcher.FriendDetail(ctx, sess, target)
		if err != nil {
			return fmt.Errorf("check favorite state of %s: %w", target, err)
		}
		if detail.IsFavorite {
			return nil
		}
		if err := a.fetcher.SetFavorite(ctx, sess, target, true); err != nil {
			return fmt.Errorf("mark %s favorite: %w", target, err)
		}
	}

	detail, err := a.fetcher.FriendDetail(ctx, sess, target)
	if err != nil {
		return fmt.Errorf("check favorite state of %s: %w", target, err)
	}
	if detail.IsFavorite {
		return nil
	}
	return fmt.Errorf("target %s not favorite after %d attempts", target, a.cfg.FavoriteAttempts)
}

// mergeRow folds one parsed row into the aggregate at its coordinates.
func mergeRow(result domain.ScoreResult, row portal.ScoreRow, diff int, kind domain.ScoreKind) {
	entry := result.Entry(row.Category, row.Chart, row.Title, diff)
	if entry.Level == "" {
		entry.Level = row.Level
	}
	switch kind {
	case domain.KindAchievement:
		entry.Score = row.Value
	case domain.KindDXScore:
		entry.DXScore = row.Value
	}
	if row.FC != "" {
		entry.FC = row.FC
	}
	if row.FS != "" {
		entry.FS = row.FS
	}
}
