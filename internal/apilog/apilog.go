// Package apilog collects per-job portal call diagnostics and flushes
// them best-effort to an operator-facing endpoint at job completion.
package apilog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
)

// maxEntriesPerJob bounds the in-memory diagnostic buffer; older calls
// are dropped first.
const maxEntriesPerJob = 200

// Entry is one recorded call with its identifiers.
type Entry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	Body       string    `json:"responseBody"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Recorder buffers the calls of one job. It implements portal.Recorder.
type Recorder struct {
	jobID string

	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates a recorder for one job.
func NewRecorder(jobID string) *Recorder {
	return &Recorder{jobID: jobID}
}

// Record appends one call, evicting the oldest entry when full.
func (r *Recorder) Record(rec portal.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= maxEntriesPerJob {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, Entry{
		ID:         uuid.NewString(),
		JobID:      r.jobID,
		URL:        rec.URL,
		Method:     rec.Method,
		StatusCode: rec.StatusCode,
		Body:       rec.Body,
		RecordedAt: time.Now(),
	})
}

// Entries returns a snapshot of the recorded calls.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Flusher ships recorded diagnostics to the collaborator endpoint.
// Failures are logged, never surfaced: diagnostics must not gate jobs.
type Flusher struct {
	endpoint string
	http     *http.Client
	log      logger.Logger
}

// NewFlusher creates a flusher. An empty endpoint disables flushing.
func NewFlusher(endpoint string, timeout time.Duration, log logger.Logger) *Flusher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Flusher{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Flush posts the recorder's entries. Best-effort.
func (f *Flusher) Flush(ctx context.Context, rec *Recorder) {
	if f.endpoint == "" {
		return
	}
	entries := rec.Entries()
	if len(entries) == 0 {
		return
	}

	if err := f.post(ctx, entries); err != nil {
		f.log.Warn("api log flush failed",
			logger.String("job_id", rec.jobID),
			logger.Int("entries", len(entries)),
			logger.Error(err),
		)
		return
	}
	f.log.Debug("api log flushed",
		logger.String("job_id", rec.jobID),
		logger.Int("entries", len(entries)),
	)
}

func (f *Flusher) post(ctx context.Context, entries []Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode api log: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build api log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api log endpoint status %d", resp.StatusCode)
	}
	return nil
}
