package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tgvault/tgvault/internal/media"
	"github.com/tgvault/tgvault/internal/store"
	"github.com/tgvault/tgvault/internal/telegram"
)

// urlPattern extracts http(s) links from message text for the links
// table.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// Options tunes one pipeline run.
type Options struct {
	// Limit caps how many messages are read per entity; 0 means all.
	Limit int

	// NoMedia archives text and metadata only.
	NoMedia bool

	// BatchSize is the number of queued downloads that triggers a
	// flush.
	BatchSize int

	// BatchBytes is the total declared size that triggers a flush.
	BatchBytes int64
}

func (o *Options) normalize() {
	if o.BatchSize < 1 {
		o.BatchSize = 5
	}

	if o.BatchBytes < 1 {
		o.BatchBytes = 100 * 1024 * 1024
	}
}

// Pipeline mirrors entities from the remote service into per-entity
// archives under root. Each entity gets its own database and media
// directory; messages commit one at a time, media flows through the
// resolver and the executor in batches.
type Pipeline struct {
	client   telegram.Client
	root     string
	algo     media.Algorithm
	execOpts ExecutorOptions
	logger   *slog.Logger

	// Progress, when set, is handed to each entity's executor.
	Progress func(name string, total int64) telegram.ProgressFunc

	// Injectable for deterministic tests; nil means executor defaults.
	sleepFunc    func(ctx context.Context, d time.Duration) error
	diskFreeFunc func(path string) (uint64, error)
}

// NewPipeline returns a Pipeline archiving into root.
func NewPipeline(client telegram.Client, root string, algo media.Algorithm, execOpts ExecutorOptions, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		client:   client,
		root:     root,
		algo:     algo,
		execOpts: execOpts,
		logger:   logger,
	}
}

// pending is a message whose media is queued for download. The message
// row commits only after its blob is settled.
type pending struct {
	msg   *telegram.Message
	links []string
	item  Item
}

// Run archives the given entities in order. Inaccessible entities are
// skipped; a disk-full condition aborts the remaining entities. Returns
// the aggregated run statistics.
func (p *Pipeline) Run(ctx context.Context, entities []telegram.Entity, opts Options) (*Stats, error) {
	opts.normalize()

	runID := uuid.NewString()
	logger := p.logger.With(slog.String("run_id", runID))

	stats := NewStats()

	for _, entity := range entities {
		if entity.Forbidden {
			logger.Warn("skipping inaccessible entity",
				slog.Int64("entity_id", entity.ID),
				slog.String("name", entity.Name),
			)

			continue
		}

		err := p.processEntity(ctx, logger, entity, opts, stats)
		if err == nil {
			continue
		}

		if errors.Is(err, telegram.ErrAccessDenied) {
			logger.Warn("access denied, skipping entity",
				slog.Int64("entity_id", entity.ID),
				slog.String("name", entity.Name),
			)

			continue
		}

		if errors.Is(err, ErrDiskFull) {
			logger.Error("stopping run: disk full", slog.Int64("entity_id", entity.ID))
		}

		return stats, err
	}

	logger.Info("backup run complete", slog.String("summary", stats.Summary()))

	return stats, nil
}

// ProcessEntity archives a single entity and returns its statistics.
func (p *Pipeline) ProcessEntity(ctx context.Context, entity telegram.Entity, opts Options) (*Stats, error) {
	opts.normalize()

	stats := NewStats()

	return stats, p.processEntity(ctx, p.logger, entity, opts, stats)
}

// processEntity opens the entity's archive, reconciles it, walks the
// message history newest first committing each message as its media
// settles, then runs the post-run cleanup passes.
func (p *Pipeline) processEntity(ctx context.Context, logger *slog.Logger, entity telegram.Entity, opts Options, stats *Stats) error {
	logger = logger.With(
		slog.Int64("entity_id", entity.ID),
		slog.String("entity", entity.Name),
	)

	dir := filepath.Join(p.root, EntityDir(entity))
	if err := os.MkdirAll(filepath.Join(dir, mediaDirName), 0o755); err != nil {
		return fmt.Errorf("backup: creating %s: %w", dir, err)
	}

	st, err := store.Open(ctx, filepath.Join(dir, ArchiveDBName), string(p.algo), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	resolver := NewResolver(st, dir, p.algo, logger)
	reconciler := NewReconciler(st, dir, p.algo, logger)

	executor := NewExecutor(p.client, st, dir, p.algo, p.execOpts, logger)
	executor.Progress = p.Progress
	executor.onRetry = stats.AddRetry

	if p.sleepFunc != nil {
		executor.sleepFunc = p.sleepFunc
	}

	if p.diskFreeFunc != nil {
		executor.diskFreeFunc = p.diskFreeFunc
	}

	refreshed, err := reconciler.PrePass(ctx)
	if err != nil {
		return err
	}

	if refreshed {
		logger.Info("media index refreshed before run")
	}

	total, err := p.client.MessageCount(ctx, entity)
	if err != nil {
		return fmt.Errorf("backup: counting messages for %d: %w", entity.ID, err)
	}

	logger.Info("archiving entity", slog.Int("remote_messages", total))

	var (
		queue       []pending
		queuedBytes int64
		queuedPaths = make(map[string]bool)
	)

	flush := func() error {
		if len(queue) == 0 {
			return nil
		}

		err := p.flushBatch(ctx, logger, st, executor, entity.ID, queue, stats)
		queue = queue[:0]
		queuedBytes = 0
		clear(queuedPaths)

		return err
	}

	err = p.client.IterMessages(ctx, entity, opts.Limit, func(msg telegram.Message) error {
		stats.AddMessage()

		links := extractLinks(&msg)

		var md *media.Metadata
		if !opts.NoMedia && msg.Media != nil {
			md = media.FromRemote(msg.Media)
		}

		if md == nil {
			// No blob to settle; commit immediately.
			return st.SaveMessage(ctx, entity.ID, &msg, 0, links)
		}

		res, err := resolver.Resolve(ctx, md, msg.Media.Kind())
		if err != nil {
			return err
		}

		if !res.NeedDownload {
			stats.AddDedup(res.BytesSaved)

			return st.SaveMessage(ctx, entity.ID, &msg, res.Media.ID, links)
		}

		// Two queued items must never write the same target path
		// concurrently; settle the earlier one first.
		if queuedPaths[res.Path] {
			if err := flush(); err != nil {
				return err
			}
		}

		queue = append(queue, pending{
			msg:   &msg,
			links: links,
			item:  Item{Ref: telegram.Ref(msg.Media), Meta: md, Res: res},
		})
		queuedPaths[res.Path] = true
		queuedBytes += md.Size

		if len(queue) >= opts.BatchSize || queuedBytes >= opts.BatchBytes {
			return flush()
		}

		return nil
	})
	if err != nil {
		return err
	}

	if err := flush(); err != nil {
		return err
	}

	return reconciler.FinalPass(ctx)
}

// flushBatch downloads the queued blobs concurrently, committing each
// message as its item finishes. Failed items still commit their
// message, without a media reference, so a later run can repair it.
func (p *Pipeline) flushBatch(ctx context.Context, logger *slog.Logger, st *store.Store, executor *Executor, entityID int64, queue []pending, stats *Stats) error {
	byRes := make(map[*Resolution]pending, len(queue))
	items := make([]Item, 0, len(queue))

	for _, pd := range queue {
		byRes[pd.item.Res] = pd
		items = append(items, pd.item)
	}

	return executor.FetchBatch(ctx, items, func(res Result) {
		pd, ok := byRes[res.Item.Res]
		if !ok {
			return
		}

		switch {
		case res.Err == nil:
			stats.AddDownload(res.Bytes)

			if err := st.SaveMessage(ctx, entityID, pd.msg, res.Media.ID, pd.links); err != nil {
				logger.Error("saving message failed",
					slog.Int64("message_id", pd.msg.ID),
					slog.String("error", err.Error()),
				)
			}

		case errors.Is(res.Err, ErrTooLarge):
			stats.AddSkip()
			logger.Info("skipping oversized media",
				slog.Int64("message_id", pd.msg.ID),
				slog.Int64("declared_size", pd.item.Meta.Size),
			)

			p.saveWithoutMedia(ctx, logger, st, entityID, pd)

		case errors.Is(res.Err, ErrDiskFull) || errors.Is(res.Err, context.Canceled):
			// Batch is aborting; leave the message for the next run.

		default:
			stats.AddFailure(failureKind(res.Err), pd.item.Meta.FileID)
			logger.Warn("media download failed",
				slog.Int64("message_id", pd.msg.ID),
				slog.String("path", res.Item.Res.Path),
				slog.String("error", res.Err.Error()),
			)

			p.saveWithoutMedia(ctx, logger, st, entityID, pd)
		}
	})
}

func (p *Pipeline) saveWithoutMedia(ctx context.Context, logger *slog.Logger, st *store.Store, entityID int64, pd pending) {
	if err := st.SaveMessage(ctx, entityID, pd.msg, 0, pd.links); err != nil {
		logger.Error("saving message failed",
			slog.Int64("message_id", pd.msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// failureKind buckets a download error for the per-kind failure
// counters.
func failureKind(err error) string {
	switch {
	case errors.Is(err, telegram.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, telegram.ErrSlowMode):
		return "slow_mode"
	case errors.Is(err, telegram.ErrNetwork):
		return "network"
	case errors.Is(err, telegram.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, telegram.ErrInvalidData):
		return "invalid_data"
	case errors.Is(err, ErrInvalidDownload):
		return "validation_failed"
	default:
		return "other"
	}
}

// extractLinks collects the URLs a message carries: links in the text,
// the link-preview target, and the forward origin.
func extractLinks(msg *telegram.Message) []string {
	seen := make(map[string]bool)

	var links []string

	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			links = append(links, u)
		}
	}

	for _, u := range urlPattern.FindAllString(msg.Text, -1) {
		add(u)
	}

	if wp, ok := msg.Media.(*telegram.WebPage); ok {
		add(wp.URL)
	}

	if msg.Forward != nil {
		add(msg.Forward.URL())
	}

	return links
}
