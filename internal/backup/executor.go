package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tgvault/tgvault/internal/media"
	"github.com/tgvault/tgvault/internal/store"
	"github.com/tgvault/tgvault/internal/telegram"
)

// diskSpaceMargin is the free space that must remain on the volume
// after a download completes.
const diskSpaceMargin = 100 * 1024 * 1024

// Executor failure sentinels.
var (
	// ErrDiskFull aborts the current entity: no further downloads can
	// succeed until space is freed.
	ErrDiskFull = errors.New("backup: insufficient disk space")

	// ErrTooLarge skips a single oversized item.
	ErrTooLarge = errors.New("backup: file exceeds size limit")

	// ErrInvalidDownload marks a transfer whose content failed
	// validation after arrival.
	ErrInvalidDownload = errors.New("backup: downloaded file failed validation")
)

// Item is one media download queued by the pipeline.
type Item struct {
	Ref  telegram.FileRef
	Meta *media.Metadata
	Res  *Resolution
}

// Result reports the outcome of one executed item.
type Result struct {
	Item  Item
	Media *store.MediaFile
	Bytes int64
	Err   error
}

// Executor transfers queued media with bounded concurrency, verifies
// and hashes arrivals, and commits them to the index. Identity
// collisions discovered after transfer are collapsed onto the winning
// row under mergeMu.
type Executor struct {
	client      telegram.Downloader
	store       *store.Store
	root        string
	algo        media.Algorithm
	workers     int
	maxRetries  int
	retryDelay  time.Duration
	maxFileSize int64
	logger      *slog.Logger

	mergeMu sync.Mutex

	// Progress, when set, supplies a per-transfer progress callback.
	Progress func(name string, total int64) telegram.ProgressFunc

	// onRetry, when set, is invoked once per backoff retry. Advised
	// waits are not retries and do not fire it.
	onRetry func()

	// Injectable for deterministic tests.
	sleepFunc    func(ctx context.Context, d time.Duration) error
	diskFreeFunc func(path string) (uint64, error)
}

// ExecutorOptions configures a new Executor.
type ExecutorOptions struct {
	Workers     int
	MaxRetries  int
	RetryDelay  time.Duration
	MaxFileSize int64
}

// NewExecutor returns an Executor writing blobs under root.
func NewExecutor(client telegram.Downloader, st *store.Store, root string, algo media.Algorithm, opts ExecutorOptions, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Workers < 1 {
		opts.Workers = 1
	}

	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	return &Executor{
		client:       client,
		store:        st,
		root:         root,
		algo:         algo,
		workers:      opts.Workers,
		maxRetries:   opts.MaxRetries,
		retryDelay:   opts.RetryDelay,
		maxFileSize:  opts.MaxFileSize,
		logger:       logger,
		sleepFunc:    sleepCtx,
		diskFreeFunc: getDiskSpace,
	}
}

// FetchBatch executes items concurrently with the configured worker
// limit, invoking done for each item as it finishes. Per-item failures
// are reported through done; a disk-full condition or context
// cancellation aborts the batch and is returned.
func (e *Executor) FetchBatch(ctx context.Context, items []Item, done func(Result)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, item := range items {
		g.Go(func() error {
			row, bytes, err := e.Fetch(ctx, item)
			done(Result{Item: item, Media: row, Bytes: bytes, Err: err})

			// Disk exhaustion poisons every remaining item; everything
			// else is an isolated failure.
			if errors.Is(err, ErrDiskFull) || errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	return g.Wait()
}

// Fetch downloads one item to its target path and commits it to the
// index. Returns the final index row (which may differ from the
// reservation when the content already existed) and the bytes the
// archive gained; a transfer discarded in favor of an existing intact
// copy reports zero bytes.
func (e *Executor) Fetch(ctx context.Context, item Item) (*store.MediaFile, int64, error) {
	if e.maxFileSize > 0 && item.Meta.Size > e.maxFileSize {
		return nil, 0, fmt.Errorf("%w: %d bytes declared, limit %d",
			ErrTooLarge, item.Meta.Size, e.maxFileSize)
	}

	if err := e.checkDiskSpace(item.Meta.Size); err != nil {
		return nil, 0, err
	}

	targetAbs := filepath.Join(e.root, filepath.FromSlash(item.Res.Path))
	if err := os.MkdirAll(filepath.Dir(targetAbs), 0o755); err != nil {
		return nil, 0, fmt.Errorf("backup: creating %s: %w", filepath.Dir(targetAbs), err)
	}

	partial := targetAbs + ".partial"

	size, err := e.downloadWithRetry(ctx, item, partial)
	if err != nil {
		os.Remove(partial)
		return nil, 0, err
	}

	if ok, reason := media.Validate(partial, item.Meta.Size, item.Ref.Kind, item.Meta.MimeType); !ok {
		os.Remove(partial)
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidDownload, reason)
	}

	digest, err := media.Sum(ctx, e.algo, partial)
	if err != nil {
		os.Remove(partial)
		return nil, 0, err
	}

	row, kept, err := e.commit(ctx, item, partial, targetAbs, digest, size)
	if err != nil {
		os.Remove(partial)
		return nil, 0, err
	}

	if !kept {
		size = 0
	}

	return row, size, nil
}

// downloadWithRetry streams the blob to the partial path, retrying
// transient failures with exponential backoff. Server-advised waits
// (rate limit, slow mode) are honored verbatim and do not consume the
// retry budget.
func (e *Executor) downloadWithRetry(ctx context.Context, item Item, partial string) (int64, error) {
	var progress telegram.ProgressFunc
	if e.Progress != nil {
		progress = e.Progress(item.Res.Path, item.Meta.Size)
	}

	attempt := 0
	delay := e.retryDelay

	for {
		size, err := e.downloadOnce(ctx, item.Ref, partial, progress)
		if err == nil {
			return size, nil
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if wait, ok := telegram.AdvisedWait(err); ok {
			e.logger.Warn("server requested wait",
				slog.String("path", item.Res.Path),
				slog.Duration("wait", wait),
			)

			if sleepErr := e.sleepFunc(ctx, wait); sleepErr != nil {
				return 0, sleepErr
			}

			continue
		}

		attempt++

		// maxRetries counts retries after the initial attempt.
		if !telegram.IsRetryable(err) || attempt > e.maxRetries {
			return 0, fmt.Errorf("backup: downloading %s: %w", item.Res.Path, err)
		}

		if e.onRetry != nil {
			e.onRetry()
		}

		e.logger.Warn("download failed, retrying",
			slog.String("path", item.Res.Path),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if sleepErr := e.sleepFunc(ctx, delay); sleepErr != nil {
			return 0, sleepErr
		}

		delay *= 2
	}
}

// downloadOnce performs a single streaming transfer attempt.
func (e *Executor) downloadOnce(ctx context.Context, ref telegram.FileRef, partial string, progress telegram.ProgressFunc) (int64, error) {
	f, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("backup: creating partial file: %w", err)
	}

	size, err := e.client.DownloadMedia(ctx, ref, f, progress)
	if err != nil {
		f.Close()
		os.Remove(partial)

		return 0, err
	}

	if err := f.Close(); err != nil {
		os.Remove(partial)

		return 0, fmt.Errorf("backup: closing partial file: %w", err)
	}

	return size, nil
}

// commit renames the verified partial into place and registers the
// blob. When the identity already belongs to another row, the arrival
// is reconciled against it: an alive winner keeps its file and the new
// copy is discarded, a dead winner adopts the new file. The bool
// reports whether the fresh copy was kept.
func (e *Executor) commit(ctx context.Context, item Item, partial, targetAbs, digest string, size int64) (*store.MediaFile, bool, error) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	if err := os.Rename(partial, targetAbs); err != nil {
		return nil, false, fmt.Errorf("backup: renaming partial to %s: %w", item.Res.Path, err)
	}

	reservationID := item.Res.Media.ID

	winner, err := e.store.CompleteMedia(ctx, reservationID, digest, size, item.Res.Path)
	if err != nil {
		os.Remove(targetAbs)
		return nil, false, err
	}

	if winner.ID == reservationID {
		return winner, true, nil
	}

	// The blob was already indexed under another row.
	if err := e.store.SetMediaFileRef(ctx, winner.ID, item.Meta.FileID, item.Meta.AccessHash); err != nil {
		return nil, false, err
	}

	winnerAbs := filepath.Join(e.root, filepath.FromSlash(winner.Path))
	if winner.Path != item.Res.Path && fileExists(winnerAbs) {
		// Existing copy is intact; the fresh download is redundant.
		os.Remove(targetAbs)

		e.logger.Debug("discarded redundant download",
			slog.Int64("media_id", winner.ID),
			slog.String("kept", winner.Path),
			slog.String("discarded", item.Res.Path),
		)

		return winner, false, nil
	}

	if winner.Path != item.Res.Path {
		// Existing copy vanished out of band; adopt the new file.
		if err := e.store.SetMediaPath(ctx, winner.ID, item.Res.Path); err != nil {
			return nil, false, err
		}

		winner.Path = item.Res.Path

		e.logger.Debug("replaced missing blob with fresh download",
			slog.Int64("media_id", winner.ID),
			slog.String("path", winner.Path),
		)
	}

	return winner, true, nil
}

// checkDiskSpace verifies the volume can hold declared more bytes while
// keeping the safety margin free.
func (e *Executor) checkDiskSpace(declared int64) error {
	free, err := e.diskFreeFunc(e.root)
	if err != nil {
		return fmt.Errorf("backup: checking disk space: %w", err)
	}

	need := uint64(declared) + diskSpaceMargin
	if free < need {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrDiskFull, free, need)
	}

	return nil
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
