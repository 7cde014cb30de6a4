// Package backup drives the ingestion pipeline: resolving remote media
// against the local index, executing downloads with bounded
// concurrency, and reconciling the index with the filesystem.
package backup

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tgvault/tgvault/internal/telegram"
)

// Archive layout inside an entity directory.
const (
	// ArchiveDBName is the per-entity database filename.
	ArchiveDBName = "backup.db"

	// mediaDirName is the subdirectory holding the entity's blobs.
	mediaDirName = "media"
)

// unsafeChars matches everything not allowed in an on-disk entity
// directory name.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._ -]`)

// EntityDir returns the archive directory name for an entity:
// "<id>_<sanitized name>". Names are NFC-normalized so the same entity
// maps to the same directory across platforms with different Unicode
// composition.
func EntityDir(e telegram.Entity) string {
	name := norm.NFC.String(e.Name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)

	if name == "" {
		return strconv.FormatInt(e.ID, 10)
	}

	return strconv.FormatInt(e.ID, 10) + "_" + name
}

// DeterministicName returns the canonical on-disk filename for a blob:
// the remote file id plus the extension. Every blob converges to this
// name regardless of how it was first discovered.
func DeterministicName(fileID, ext string) string {
	return fileID + ext
}

// RelPath joins a directory and filename into the relative path stored
// in the index. Paths are always slash-separated, NFC normalized, and
// relative to the entity directory, so an entity archive can be moved
// wholesale.
func RelPath(dir, filename string) string {
	return norm.NFC.String(path.Join(dir, filename))
}
