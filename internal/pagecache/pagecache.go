// Package pagecache persists raw score-page HTML keyed by job so a
// crashed score update can resume without refetching completed pages.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
)

// ErrMiss is returned when no entry exists for the key.
var ErrMiss = errors.New("page cache miss")

// DefaultTTL bounds how long a cached page outlives its fetch.
const DefaultTTL = time.Hour

// Cache stores raw page content under (jobID, difficulty, kind).
// Entries are deleted eagerly when the owning job reaches a terminal
// state; the TTL is only a backstop.
type Cache interface {
	// Get returns the cached page, or ErrMiss.
	Get(ctx context.Context, jobID string, diff int, kind domain.ScoreKind) ([]byte, error)
	// Put stores the page under the key with the cache's TTL.
	Put(ctx context.Context, jobID string, diff int, kind domain.ScoreKind, page []byte) error
	// DeleteJob removes every entry belonging to the job.
	DeleteJob(ctx context.Context, jobID string) error
}

// Key builds the storage key for one cached page.
func Key(jobID string, diff int, kind domain.ScoreKind) string {
	return fmt.Sprintf("scorehub:page:%s:%d:%d", jobID, diff, int(kind))
}
