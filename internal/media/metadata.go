package media

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tgvault/tgvault/internal/telegram"
)

// Metadata is the attribute set used for dedup matching. Pointer fields
// are nil when the attribute is unknown, which matching treats as
// distinct from zero.
type Metadata struct {
	Name     string
	Ext      string
	Size     int64
	Duration *int64
	Width    *int64
	Height   *int64
	MimeType string

	FileID     string
	AccessHash int64
}

// copySuffix matches the " (n)" duplicate marker filesystems and chat
// clients append to repeated filenames.
var copySuffix = regexp.MustCompile(` \(\d+\)$`)

// NormalizeName canonicalizes a filename for matching: the extension is
// dropped, a trailing " (n)" copy marker is removed, and surrounding
// whitespace is trimmed.
func NormalizeName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = copySuffix.ReplaceAllString(base, "")

	return strings.TrimSpace(base)
}

// ExtFromMime maps a MIME type to a file extension, with a dot. The
// ".jpe" alias some registries report for JPEG is folded into ".jpg".
// Unknown types map to ".bin".
func ExtFromMime(mime string) string {
	if mime == "" {
		return ".bin"
	}

	m := mimetype.Lookup(mime)
	if m == nil || m.Extension() == "" {
		return ".bin"
	}

	ext := m.Extension()
	if ext == ".jpe" {
		ext = ".jpg"
	}

	return ext
}

// FromFile extracts matching metadata from a file already on disk.
func FromFile(path string) (*Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("media: stat %s: %w", path, err)
	}

	base := filepath.Base(path)

	return &Metadata{
		Name: NormalizeName(base),
		Ext:  strings.ToLower(filepath.Ext(base)),
		Size: info.Size(),
	}, nil
}

// FromRemote extracts matching metadata from a remote media descriptor
// before any bytes are transferred. Returns nil for descriptors with no
// downloadable blob (link previews).
func FromRemote(m telegram.Media) *Metadata {
	switch v := m.(type) {
	case *telegram.Photo:
		return fromPhoto(v)
	case *telegram.Document:
		return fromDocument(v)
	default:
		return nil
	}
}

// fromPhoto builds metadata for a compressed photo. The service always
// delivers photos as JPEG regardless of the original upload, so the
// extension is fixed and the name is synthesized from the file id.
func fromPhoto(p *telegram.Photo) *Metadata {
	largest := p.Largest()

	md := &Metadata{
		Name:       "photo_" + strconv.FormatInt(p.ID, 10),
		Ext:        ".jpg",
		Size:       largest.Bytes,
		MimeType:   "image/jpeg",
		FileID:     strconv.FormatInt(p.ID, 10),
		AccessHash: p.AccessHash,
	}

	if largest.Width > 0 {
		w := int64(largest.Width)
		md.Width = &w
	}

	if largest.Height > 0 {
		h := int64(largest.Height)
		md.Height = &h
	}

	return md
}

func fromDocument(d *telegram.Document) *Metadata {
	md := &Metadata{
		Size:       d.Size,
		MimeType:   d.Mime,
		FileID:     strconv.FormatInt(d.ID, 10),
		AccessHash: d.AccessHash,
	}

	var filename string
	for _, a := range d.Attrs {
		switch attr := a.(type) {
		case telegram.FilenameAttr:
			filename = attr.Name
		case telegram.VideoAttr:
			if attr.Duration > 0 {
				dur := attr.Duration
				md.Duration = &dur
			}

			if attr.Width > 0 {
				w := attr.Width
				md.Width = &w
			}

			if attr.Height > 0 {
				h := attr.Height
				md.Height = &h
			}
		case telegram.AudioAttr:
			if attr.Duration > 0 {
				dur := attr.Duration
				md.Duration = &dur
			}
		}
	}

	if filename != "" {
		md.Name = NormalizeName(filename)
		md.Ext = strings.ToLower(filepath.Ext(filename))
	}

	if md.Ext == "" {
		md.Ext = ExtFromMime(d.Mime)
	}

	if md.Name == "" {
		md.Name = "file_" + strconv.FormatInt(d.ID, 10)
	}

	return md
}
