package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Validation thresholds. Declared sizes from the remote service are
// advisory, so a small delta is tolerated; anything beyond it means a
// truncated or corrupted transfer.
const (
	sizeToleranceMin   = 1024 // bytes
	sizeToleranceRatio = 0.01
	minVideoSize       = 1024 // bytes
)

// imageMIMEs are the image formats whose magic bytes are checked after
// download. Formats outside this set skip the content check.
var imageMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// SizeTolerance returns the allowed absolute delta between a declared
// and an actual file size: 1% of the declared size, floored at 1 KiB.
func SizeTolerance(declared int64) int64 {
	tol := int64(float64(declared) * sizeToleranceRatio)
	if tol < sizeToleranceMin {
		tol = sizeToleranceMin
	}

	return tol
}

// SizeMatches reports whether actual is within tolerance of declared.
// A declared size of 0 means the remote did not declare one and any
// non-empty file passes.
func SizeMatches(declared, actual int64) bool {
	if declared <= 0 {
		return actual > 0
	}

	delta := declared - actual
	if delta < 0 {
		delta = -delta
	}

	return delta <= SizeTolerance(declared)
}

// Validate checks a downloaded file against its declared size and kind.
// kind is the media discriminator ("photo" or "document"); mime is the
// declared MIME type, used to select content checks. Returns ok and a
// human-readable reason when the file is rejected.
func Validate(path string, declaredSize int64, kind, mime string) (bool, string) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Sprintf("stat failed: %v", err)
	}

	if info.Size() == 0 {
		return false, "file is empty"
	}

	if !SizeMatches(declaredSize, info.Size()) {
		return false, fmt.Sprintf("size mismatch: declared %d, actual %d (tolerance %d)",
			declaredSize, info.Size(), SizeTolerance(declaredSize))
	}

	if kind == "photo" || imageMIMEs[mime] {
		detected, err := mimetype.DetectFile(path)
		if err != nil {
			return false, fmt.Sprintf("content detection failed: %v", err)
		}

		if !isImage(detected) {
			return false, fmt.Sprintf("content is %s, not a supported image", detected.String())
		}

		return true, ""
	}

	if strings.HasPrefix(mime, "video/") && info.Size() < minVideoSize {
		return false, fmt.Sprintf("video too small: %d bytes", info.Size())
	}

	return true, ""
}

// isImage walks the detected type's parent chain looking for one of the
// supported image formats. mimetype reports subtypes (e.g. progressive
// JPEG) as children of the base format.
func isImage(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if imageMIMEs[m.String()] {
			return true
		}
	}

	return false
}
