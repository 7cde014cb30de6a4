package backup

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tgvault/tgvault/internal/media"
	"github.com/tgvault/tgvault/internal/store"
)

// Reconciliation thresholds.
const (
	// countDriftThreshold is how far the media count may drift from the
	// last recorded value before a full index refresh is forced.
	countDriftThreshold = 5

	// orphanWindow protects recently written files from the orphan
	// sweep: a blob may be on disk moments before its index row commits.
	orphanWindow = 5 * time.Minute
)

// Reconciler keeps the index and the filesystem consistent: it verifies
// indexed blobs still exist, removes files the index does not know,
// and collapses redundant rows.
type Reconciler struct {
	store  *store.Store
	root   string
	algo   media.Algorithm
	logger *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests
}

// NewReconciler returns a Reconciler over one entity's archive, with
// root being the entity directory.
func NewReconciler(st *store.Store, root string, algo media.Algorithm, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{store: st, root: root, algo: algo, logger: logger, nowFunc: time.Now}
}

// PrePass refreshes the index before a run when the media tree looks
// changed since the last run: the media directory's mtime moved or the
// media count drifted past the threshold. Rows whose blob vanished out
// of band get their path cleared so the match cascade stops offering
// them, and files the index does not know are hashed and registered.
func (r *Reconciler) PrePass(ctx context.Context) (bool, error) {
	due, err := r.refreshDue(ctx)
	if err != nil {
		return false, err
	}

	if !due {
		return false, nil
	}

	rows, err := r.store.CompletedMedia(ctx)
	if err != nil {
		return false, err
	}

	cleared := 0

	for _, m := range rows {
		if fileExists(filepath.Join(r.root, filepath.FromSlash(m.Path))) {
			continue
		}

		if err := r.store.ClearMediaPath(ctx, m.ID); err != nil {
			return false, err
		}

		cleared++
	}

	if cleared > 0 {
		r.logger.Info("index refresh cleared missing blobs", slog.Int("cleared", cleared))
	}

	indexed, err := r.indexNewFiles(ctx)
	if err != nil {
		return false, err
	}

	if indexed > 0 {
		r.logger.Info("index refresh adopted on-disk files", slog.Int("indexed", indexed))
	}

	return true, r.recordIndexState(ctx)
}

// indexNewFiles registers media files the index does not know about:
// archives moved between machines, or rows lost to an interrupted run.
// Each unknown file is hashed and inserted; hidden files and in-flight
// partials are skipped.
func (r *Reconciler) indexNewFiles(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, mediaDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	indexed := 0

	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return indexed, ctxErr
		}

		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".partial") {
			continue
		}

		rel := RelPath(mediaDirName, name)

		known, err := r.store.FindByPath(ctx, rel)
		if err != nil {
			return indexed, err
		}

		if known != nil {
			continue
		}

		abs := filepath.Join(r.root, mediaDirName, name)

		md, err := media.FromFile(abs)
		if err != nil {
			r.logger.Warn("could not inspect unindexed file",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)

			continue
		}

		digest, err := media.Sum(ctx, r.algo, abs)
		if err != nil {
			r.logger.Warn("could not hash unindexed file",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)

			continue
		}

		row, existed, err := r.store.UpsertByIdentity(ctx, &store.MediaFile{
			Hash: digest,
			Size: md.Size,
			Name: md.Name,
			Ext:  md.Ext,
			Path: rel,
		})
		if err != nil {
			return indexed, err
		}

		// The same content may already be indexed under a path that no
		// longer exists; adopt this file for it.
		if existed && row.Path != rel {
			if !fileExists(filepath.Join(r.root, filepath.FromSlash(row.Path))) {
				if err := r.store.SetMediaPath(ctx, row.ID, rel); err != nil {
					return indexed, err
				}
			}

			continue
		}

		if !existed {
			indexed++
		}
	}

	return indexed, nil
}

// refreshDue compares the media directory's mtime and the media count
// against the values recorded after the last refresh.
func (r *Reconciler) refreshDue(ctx context.Context) (bool, error) {
	lastTime, err := r.store.GetMeta(ctx, store.MetaLastIndexTime)
	if err != nil {
		return false, err
	}

	lastCount, err := r.store.GetMeta(ctx, store.MetaLastIndexSize)
	if err != nil {
		return false, err
	}

	if lastTime == "" || lastCount == "" {
		return true, nil
	}

	recorded, parseErr := time.Parse(time.RFC3339, lastTime)
	if parseErr != nil {
		return true, nil
	}

	info, err := os.Stat(filepath.Join(r.root, mediaDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	// The media tree was touched after the last refresh finished. A
	// small slack absorbs second-granularity filesystem timestamps.
	if info.ModTime().After(recorded.Add(time.Second)) {
		return true, nil
	}

	recordedCount, err := strconv.Atoi(lastCount)
	if err != nil {
		return true, nil
	}

	count, err := r.store.MediaCount(ctx)
	if err != nil {
		return false, err
	}

	drift := count - recordedCount
	if drift < 0 {
		drift = -drift
	}

	return drift >= countDriftThreshold, nil
}

// recordIndexState stores the refresh timestamp and media count that
// the next run compares against.
func (r *Reconciler) recordIndexState(ctx context.Context) error {
	count, err := r.store.MediaCount(ctx)
	if err != nil {
		return err
	}

	if err := r.store.SetMeta(ctx, store.MetaLastIndexSize, strconv.Itoa(count)); err != nil {
		return err
	}

	return r.store.SetMeta(ctx, store.MetaLastIndexTime,
		r.nowFunc().UTC().Format(time.RFC3339))
}

// SweepOrphans deletes files inside entity directories that no index
// row references. Files modified within the orphan window are left
// alone: they may belong to a download whose commit has not landed yet.
// Stale partial files are removed on the same terms.
func (r *Reconciler) SweepOrphans(ctx context.Context) (int, error) {
	rows, err := r.store.CompletedMedia(ctx)
	if err != nil {
		return 0, err
	}

	indexed := make(map[string]bool, len(rows))
	for _, m := range rows {
		indexed[filepath.Join(r.root, filepath.FromSlash(m.Path))] = true
	}

	cutoff := r.nowFunc().Add(-orphanWindow)
	removed := 0

	err = filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			return nil
		}

		// Files directly under the entity root (the database and its
		// journals) are not managed blobs; only the media tree is swept.
		if filepath.Dir(path) == filepath.Clean(r.root) {
			return nil
		}

		if indexed[path] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			r.logger.Warn("could not remove orphan",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return nil
		}

		r.logger.Debug("removed orphan file",
			slog.String("path", path),
			slog.Bool("partial", strings.HasSuffix(path, ".partial")),
		)
		removed++

		return nil
	})
	if err != nil {
		return removed, err
	}

	return removed, nil
}

// CollapseDuplicates merges rows that share a content identity, a
// state only databases predating the unique index can contain. The
// oldest row (by indexed_at) survives; references migrate to it and
// the redundant files and rows are removed.
func (r *Reconciler) CollapseDuplicates(ctx context.Context) (int, error) {
	groups, err := r.store.DuplicateMedia(ctx)
	if err != nil {
		return 0, err
	}

	collapsed := 0

	for _, group := range groups {
		keeper := group[0]

		for _, dup := range group[1:] {
			if err := r.store.MigrateMessageRefs(ctx, dup.ID, keeper.ID); err != nil {
				return collapsed, err
			}

			if dup.Path != "" && dup.Path != keeper.Path {
				abs := filepath.Join(r.root, filepath.FromSlash(dup.Path))
				if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
					r.logger.Warn("could not remove duplicate blob",
						slog.String("path", dup.Path),
						slog.String("error", err.Error()),
					)
				}
			}

			if err := r.store.DeleteMedia(ctx, dup.ID); err != nil {
				return collapsed, err
			}

			collapsed++
		}
	}

	return collapsed, nil
}

// RemoveUnused deletes completed rows no message references, along
// with their blobs.
func (r *Reconciler) RemoveUnused(ctx context.Context) (int, error) {
	rows, err := r.store.UnusedMedia(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, m := range rows {
		if m.Path != "" {
			abs := filepath.Join(r.root, filepath.FromSlash(m.Path))
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				r.logger.Warn("could not remove unused blob",
					slog.String("path", m.Path),
					slog.String("error", err.Error()),
				)

				continue
			}
		}

		if err := r.store.DeleteMedia(ctx, m.ID); err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}

// FinalPass runs the post-run cleanups: stale reservations, dangling
// references, duplicate collapse, and the orphan sweep.
func (r *Reconciler) FinalPass(ctx context.Context) error {
	stale, err := r.store.RemoveReservations(ctx)
	if err != nil {
		return err
	}

	if stale > 0 {
		r.logger.Info("removed stale reservations", slog.Int64("removed", stale))
	}

	fixed, err := r.store.ClearDanglingRefs(ctx)
	if err != nil {
		return err
	}

	if fixed > 0 {
		r.logger.Info("cleared dangling media references", slog.Int64("fixed", fixed))
	}

	collapsed, err := r.CollapseDuplicates(ctx)
	if err != nil {
		return err
	}

	if collapsed > 0 {
		r.logger.Info("collapsed duplicate media rows", slog.Int("collapsed", collapsed))
	}

	unused, err := r.RemoveUnused(ctx)
	if err != nil {
		return err
	}

	if unused > 0 {
		r.logger.Info("removed unreferenced media", slog.Int("removed", unused))
	}

	removed, err := r.SweepOrphans(ctx)
	if err != nil {
		return err
	}

	if removed > 0 {
		r.logger.Info("removed orphan files", slog.Int("removed", removed))
	}

	return r.recordIndexState(ctx)
}
