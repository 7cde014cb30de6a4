package backup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsConcurrentCounters(t *testing.T) {
	s := NewStats()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.AddMessage()
			s.AddDownload(100)
			s.AddDedup(50)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Messages)
	assert.Equal(t, 50, s.Downloaded)
	assert.Equal(t, int64(5000), s.BytesDownloaded)
	assert.Equal(t, int64(2500), s.BytesSaved)
}

func TestStatsSummary(t *testing.T) {
	s := NewStats()
	s.AddMessage()
	s.AddDownload(1024 * 1024)
	s.AddDedup(2048)
	s.AddSkip()
	s.AddRetry()
	s.AddRetry()
	s.AddFailure("network", "901")
	s.AddFailure("network", "903")
	s.AddFailure("validation_failed", "905")

	out := s.Summary()
	assert.Contains(t, out, "1 messages")
	assert.Contains(t, out, "1 downloaded (1.0 MiB)")
	assert.Contains(t, out, "1 deduplicated (2.0 KiB saved)")
	assert.Contains(t, out, "1 skipped")
	assert.Contains(t, out, "3 failed")
	assert.Contains(t, out, "25% success")
	assert.Contains(t, out, "2 retries")
	assert.Contains(t, out, "network=2 validation_failed=1")
	assert.Contains(t, out, "(failed: 901 903 905)")
}

func TestStatsFailedFilesCapped(t *testing.T) {
	s := NewStats()

	for i := range 15 {
		s.AddFailure("network", string(rune('a'+i)))
	}

	assert.Equal(t, 15, s.Failed, "every failure counted")
	assert.Len(t, s.FailedFiles, maxFailedFiles, "summary list capped")
}
