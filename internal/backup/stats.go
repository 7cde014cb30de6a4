package backup

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// maxFailedFiles caps the failed remote ids kept for the summary.
const maxFailedFiles = 10

// Stats accumulates counters across one backup run. Safe for
// concurrent use by download workers.
type Stats struct {
	mu sync.Mutex

	Messages     int
	Downloaded   int
	Deduplicated int
	Skipped      int
	Failed       int
	Retries      int

	BytesDownloaded int64
	BytesSaved      int64

	// FailuresByKind buckets exhausted downloads by error class.
	FailuresByKind map[string]int

	// FailedFiles holds the remote ids of the first failed downloads,
	// capped at maxFailedFiles.
	FailedFiles []string

	started time.Time
}

// NewStats returns a Stats with the clock started.
func NewStats() *Stats {
	return &Stats{
		FailuresByKind: make(map[string]int),
		started:        time.Now(),
	}
}

// AddMessage counts one archived message.
func (s *Stats) AddMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages++
}

// AddDownload counts one transferred blob.
func (s *Stats) AddDownload(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded++
	s.BytesDownloaded += bytes
}

// AddDedup counts one blob resolved without a transfer, crediting the
// bytes that were not downloaded.
func (s *Stats) AddDedup(bytesSaved int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deduplicated++
	s.BytesSaved += bytesSaved
}

// AddSkip counts one item skipped before transfer (oversized, no blob).
func (s *Stats) AddSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Skipped++
}

// AddFailure counts one item that exhausted its retries, bucketed by
// the failure kind and remembering the remote id for the summary.
func (s *Stats) AddFailure(kind, fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failed++
	s.FailuresByKind[kind]++

	if fileID != "" && len(s.FailedFiles) < maxFailedFiles {
		s.FailedFiles = append(s.FailedFiles, fileID)
	}
}

// AddRetry counts one download retry.
func (s *Stats) AddRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Retries++
}

// Summary renders a one-line human-readable run summary.
func (s *Stats) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.started)

	out := fmt.Sprintf(
		"%d messages, %d downloaded (%s), %d deduplicated (%s saved), %d skipped, %d failed in %s",
		s.Messages,
		s.Downloaded, humanize.IBytes(uint64(s.BytesDownloaded)),
		s.Deduplicated, humanize.IBytes(uint64(s.BytesSaved)),
		s.Skipped, s.Failed,
		elapsed.Round(time.Second),
	)

	if s.BytesDownloaded > 0 && elapsed > 0 {
		speed := float64(s.BytesDownloaded) / elapsed.Seconds()
		out += fmt.Sprintf(", %s/s", humanize.IBytes(uint64(speed)))
	}

	if attempted := s.Downloaded + s.Failed; attempted > 0 {
		out += fmt.Sprintf(", %.0f%% success", 100*float64(s.Downloaded)/float64(attempted))
	}

	if s.Retries > 0 {
		out += fmt.Sprintf(", %d retries", s.Retries)
	}

	if len(s.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(s.FailuresByKind))
		for k := range s.FailuresByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s=%d", k, s.FailuresByKind[k])
		}

		out += " (failures: " + strings.Join(parts, " ") + ")"
	}

	if len(s.FailedFiles) > 0 {
		out += " (failed: " + strings.Join(s.FailedFiles, " ") + ")"
	}

	return out
}
