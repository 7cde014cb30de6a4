package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tgvault/tgvault/internal/media"
	"github.com/tgvault/tgvault/internal/store"
)

// Resolver decides, for each remote media descriptor, whether its blob
// already exists locally. It runs a match cascade against the index and
// the filesystem before any bytes are transferred.
type Resolver struct {
	store  *store.Store
	root   string
	algo   media.Algorithm
	logger *slog.Logger
}

// NewResolver returns a Resolver over one entity's index, with root
// being the entity's archive directory.
func NewResolver(st *store.Store, root string, algo media.Algorithm, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{store: st, root: root, algo: algo, logger: logger}
}

// Resolution is the outcome of resolving one media descriptor.
type Resolution struct {
	// Media is the index row backing the blob: an existing completed
	// row when the blob was matched, or a fresh reservation.
	Media *store.MediaFile

	// Path is the blob path relative to the entity directory. For
	// matches it is the existing blob's path; for downloads it is the
	// deterministic target.
	Path string

	// NeedDownload is true when no local copy could be found.
	NeedDownload bool

	// BytesSaved is the transfer size avoided by a match.
	BytesSaved int64
}

// Resolve runs the match cascade for a remote descriptor: attribute
// match, remote-id match, deterministic-path probe, then reservation.
// Matched rows are verified against the filesystem; a row whose file
// has been deleted out of band is reused and its blob re-downloaded.
func (r *Resolver) Resolve(ctx context.Context, md *media.Metadata, kind string) (*Resolution, error) {
	target := RelPath(mediaDirName, DeterministicName(md.FileID, md.Ext))

	// Attribute match: same size with agreeing declared attributes.
	row, err := r.store.FindByMetadata(ctx, store.MetadataQuery{
		Name:     md.Name,
		Size:     md.Size,
		Duration: md.Duration,
		Width:    md.Width,
		Height:   md.Height,
		FileID:   md.FileID,
	})
	if err != nil {
		return nil, err
	}

	tier := "metadata"

	if row == nil {
		// Remote-id match: the exact same upload seen in another message.
		row, err = r.store.FindByFileID(ctx, md.FileID)
		if err != nil {
			return nil, err
		}

		tier = "file_id"
	}

	if row != nil {
		res, err := r.hit(ctx, row, md, target, tier)
		if err != nil || !res.NeedDownload {
			return res, err
		}

		// The matched row's blob is gone. The deterministic path may
		// still hold a copy from an earlier run; prefer adopting that
		// over a re-download.
		if probed, err := r.probeTarget(ctx, target, md, kind); probed != nil || err != nil {
			return probed, err
		}

		return res, nil
	}

	// Deterministic-path probe: the blob is already on disk at its
	// canonical name but the index does not know it (index rebuilt, or
	// a previous run died between rename and commit).
	if res, err := r.probeTarget(ctx, target, md, kind); res != nil || err != nil {
		return res, err
	}

	// Nothing local: reserve the identity slot and download.
	id, err := r.store.InsertMedia(ctx, &store.MediaFile{
		Size:       md.Size,
		Name:       md.Name,
		Ext:        md.Ext,
		MimeType:   md.MimeType,
		Duration:   md.Duration,
		Width:      md.Width,
		Height:     md.Height,
		FileID:     md.FileID,
		AccessHash: md.AccessHash,
		Kind:       kind,
	})
	if err != nil {
		return nil, err
	}

	reserved, err := r.store.MediaByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Resolution{Media: reserved, Path: target, NeedDownload: true}, nil
}

// hit handles a cascade match: verify the blob still exists, backfill
// remote ids, and converge the file onto its deterministic name. A
// match whose file is gone keeps the row but re-downloads the blob.
func (r *Resolver) hit(ctx context.Context, row *store.MediaFile, md *media.Metadata, target, tier string) (*Resolution, error) {
	if err := r.store.SetMediaFileRef(ctx, row.ID, md.FileID, md.AccessHash); err != nil {
		return nil, err
	}

	if row.FileID == "" {
		row.FileID = md.FileID
	}

	if row.AccessHash == 0 {
		row.AccessHash = md.AccessHash
	}

	alive := fileExists(filepath.Join(r.root, filepath.FromSlash(row.Path)))
	if !alive {
		r.logger.Warn("indexed blob missing from disk, re-downloading",
			slog.Int64("media_id", row.ID),
			slog.String("path", row.Path),
		)

		return &Resolution{Media: row, Path: target, NeedDownload: true}, nil
	}

	path, err := r.converge(ctx, row)
	if err != nil {
		return nil, err
	}

	if err := r.store.TouchMedia(ctx, row.ID); err != nil {
		return nil, err
	}

	r.logger.Debug("media resolved without transfer",
		slog.String("tier", tier),
		slog.Int64("media_id", row.ID),
		slog.String("path", path),
	)

	return &Resolution{Media: row, Path: path, BytesSaved: md.Size}, nil
}

// probeTarget checks the deterministic path on disk and, when a file is
// there, ingests it: hash, register by identity, commit the path.
func (r *Resolver) probeTarget(ctx context.Context, target string, md *media.Metadata, kind string) (*Resolution, error) {
	abs := filepath.Join(r.root, filepath.FromSlash(target))
	if !fileExists(abs) {
		return nil, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("backup: stat %s: %w", abs, err)
	}

	digest, err := media.Sum(ctx, r.algo, abs)
	if err != nil {
		return nil, err
	}

	row, existed, err := r.store.UpsertByIdentity(ctx, &store.MediaFile{
		Hash:       digest,
		Size:       info.Size(),
		Name:       md.Name,
		Ext:        md.Ext,
		MimeType:   md.MimeType,
		Duration:   md.Duration,
		Width:      md.Width,
		Height:     md.Height,
		Path:       target,
		FileID:     md.FileID,
		AccessHash: md.AccessHash,
		Kind:       kind,
	})
	if err != nil {
		return nil, err
	}

	// The identity may already be indexed under a different path. When
	// that path is dead, adopt the probed file; when alive, prefer it
	// and leave the probed copy to the orphan sweep.
	if existed && row.Path != target {
		if !fileExists(filepath.Join(r.root, filepath.FromSlash(row.Path))) {
			if err := r.store.SetMediaPath(ctx, row.ID, target); err != nil {
				return nil, err
			}

			row.Path = target
		}
	}

	r.logger.Debug("adopted blob found at deterministic path",
		slog.Int64("media_id", row.ID),
		slog.String("path", row.Path),
	)

	return &Resolution{Media: row, Path: row.Path, BytesSaved: info.Size()}, nil
}

// converge renames a blob to its deterministic "<file_id><ext>" name
// within its current directory, committing the index only after the
// rename succeeds. Rows without a remote id keep their name, as do
// files without an extension. The extension comes from the on-disk
// name, not the row: an indexed file may carry a different suffix than
// the remote descriptor declared.
func (r *Resolver) converge(ctx context.Context, row *store.MediaFile) (string, error) {
	if row.FileID == "" || row.Path == "" {
		return row.Path, nil
	}

	dir, base := filepath.Split(filepath.FromSlash(row.Path))

	ext := filepath.Ext(base)
	if ext == "" {
		return row.Path, nil
	}

	want := DeterministicName(row.FileID, ext)
	if base == want {
		return row.Path, nil
	}

	newRel := RelPath(filepath.ToSlash(filepath.Clean(dir)), want)
	oldAbs := filepath.Join(r.root, filepath.FromSlash(row.Path))
	newAbs := filepath.Join(r.root, filepath.FromSlash(newRel))

	if fileExists(newAbs) {
		// Deterministic name already taken; keep the current name.
		return row.Path, nil
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		r.logger.Warn("could not rename blob to canonical name",
			slog.String("from", row.Path),
			slog.String("to", newRel),
			slog.String("error", err.Error()),
		)

		return row.Path, nil
	}

	if err := r.store.SetMediaPath(ctx, row.ID, newRel); err != nil {
		return "", err
	}

	row.Path = newRel

	return newRel, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
