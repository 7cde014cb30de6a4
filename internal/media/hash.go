// Package media computes content digests, validates downloaded files
// against their declared attributes, and extracts the metadata used for
// deduplication.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// Algorithm names a content digest function. Digests from different
// algorithms are never compared; the store records which algorithm
// produced its index and refuses to open under a different one.
type Algorithm string

// Supported digest algorithms.
const (
	Blake3 Algorithm = "blake3"
	SHA256 Algorithm = "sha256"
)

// chunkSize is the read granularity for streamed hashing. Files are
// never loaded whole into memory.
const chunkSize = 64 * 1024

// ErrUnknownAlgorithm is returned for an algorithm name the build does
// not support.
var ErrUnknownAlgorithm = fmt.Errorf("media: unknown hash algorithm")

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case Blake3:
		return blake3.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, a)
	}
}

// Valid reports whether the algorithm name is supported.
func (a Algorithm) Valid() bool {
	_, err := a.New()

	return err == nil
}

// Sum streams the file at path through the algorithm in fixed-size
// chunks and returns the lowercase hex digest. The context is checked
// between chunks so large files abort promptly on cancellation.
func Sum(ctx context.Context, algo Algorithm, path string) (string, error) {
	h, err := algo.New()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("media: opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			return "", fmt.Errorf("media: reading %s: %w", path, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashResult pairs a path with its digest or error.
type HashResult struct {
	Path   string
	Digest string
	Err    error
}

// SumAll hashes paths concurrently with a bounded worker pool and
// returns results in input order. Individual file errors are reported
// per result, not as a pool failure.
func SumAll(ctx context.Context, algo Algorithm, paths []string, workers int) []HashResult {
	if workers < 1 {
		workers = 1
	}

	results := make([]HashResult, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, p := range paths {
		g.Go(func() error {
			digest, err := Sum(ctx, algo, p)
			results[i] = HashResult{Path: p, Digest: digest, Err: err}

			return nil
		})
	}

	// Workers never return errors; Wait only observes ctx cancellation.
	_ = g.Wait()

	return results
}
