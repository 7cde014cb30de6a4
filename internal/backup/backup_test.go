package backup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tgvault/tgvault/internal/media"
	"github.com/tgvault/tgvault/internal/store"
	"github.com/tgvault/tgvault/internal/telegram"
)

// jpegBlob builds a JPEG-looking payload of the given total size.
func jpegBlob(size int) []byte {
	blob := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	for len(blob) < size {
		blob = append(blob, byte(len(blob)))
	}

	return blob[:size]
}

// fakeClient is a scripted remote service for pipeline and executor
// tests. Blobs are keyed by remote file id; failures lists errors a
// download returns before succeeding.
type fakeClient struct {
	mu sync.Mutex

	entities  []telegram.Entity
	messages  map[int64][]telegram.Message
	blobs     map[int64][]byte
	failures  map[int64][]error
	countErrs map[int64]error

	downloads int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(map[int64][]telegram.Message),
		blobs:    make(map[int64][]byte),
		failures: make(map[int64][]error),
	}
}

func (c *fakeClient) DownloadMedia(ctx context.Context, ref telegram.FileRef, w io.Writer, progress telegram.ProgressFunc) (int64, error) {
	c.mu.Lock()

	if errs := c.failures[ref.ID]; len(errs) > 0 {
		err := errs[0]
		c.failures[ref.ID] = errs[1:]
		c.mu.Unlock()

		return 0, err
	}

	blob, ok := c.blobs[ref.ID]
	c.downloads++
	c.mu.Unlock()

	if !ok {
		return 0, telegram.ErrInvalidData
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := io.Copy(w, bytes.NewReader(blob))
	if err != nil {
		return n, err
	}

	if progress != nil {
		progress(n, n)
	}

	return n, nil
}

func (c *fakeClient) downloadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.downloads
}

func (c *fakeClient) Dialogs(ctx context.Context) ([]telegram.Entity, error) {
	return c.entities, nil
}

func (c *fakeClient) MessageCount(ctx context.Context, entity telegram.Entity) (int, error) {
	if err := c.countErrs[entity.ID]; err != nil {
		return 0, err
	}

	return len(c.messages[entity.ID]), nil
}

func (c *fakeClient) IterMessages(ctx context.Context, entity telegram.Entity, limit int, fn func(telegram.Message) error) error {
	msgs := c.messages[entity.ID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(m); err != nil {
			return err
		}
	}

	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error { return nil }
func (c *fakeClient) Close() error                     { return nil }

// harness bundles a backup root, one entity's opened archive for
// component tests, and a wired pipeline. The component archive belongs
// to entity 10 "family", matching the entity most pipeline tests use.
type harness struct {
	root string // backup root
	dir  string // entity 10_family's archive directory

	store      *store.Store
	client     *fakeClient
	resolver   *Resolver
	executor   *Executor
	reconciler *Reconciler
	pipeline   *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, "10_family")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "media"), 0o755))

	st, err := store.Open(context.Background(),
		filepath.Join(dir, ArchiveDBName), "blake3", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := newFakeClient()
	resolver := NewResolver(st, dir, media.Blake3, slog.Default())

	executor := NewExecutor(client, st, dir, media.Blake3, ExecutorOptions{
		Workers:     2,
		MaxRetries:  3,
		RetryDelay:  time.Millisecond,
		MaxFileSize: 1 << 30,
	}, slog.Default())
	executor.sleepFunc = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	executor.diskFreeFunc = func(string) (uint64, error) { return 1 << 40, nil }

	reconciler := NewReconciler(st, dir, media.Blake3, slog.Default())

	pipeline := NewPipeline(client, root, media.Blake3, ExecutorOptions{
		Workers:     2,
		MaxRetries:  3,
		RetryDelay:  time.Millisecond,
		MaxFileSize: 1 << 30,
	}, slog.Default())
	pipeline.sleepFunc = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	pipeline.diskFreeFunc = func(string) (uint64, error) { return 1 << 40, nil }

	return &harness{
		root:       root,
		dir:        dir,
		store:      st,
		client:     client,
		resolver:   resolver,
		executor:   executor,
		reconciler: reconciler,
		pipeline:   pipeline,
	}
}

// entityStore opens the archive database the pipeline created for an
// entity, for post-run assertions.
func (h *harness) entityStore(t *testing.T, e telegram.Entity) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(),
		filepath.Join(h.root, EntityDir(e), ArchiveDBName), "blake3", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

// photoMessage builds a message carrying a photo whose blob is
// registered with the fake client.
func (h *harness) photoMessage(t *testing.T, msgID, fileID int64, blob []byte) telegram.Message {
	t.Helper()

	h.client.blobs[fileID] = blob

	return telegram.Message{
		ID:   msgID,
		Date: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		Media: &telegram.Photo{
			ID:         fileID,
			AccessHash: fileID * 10,
			Sizes:      []telegram.PhotoSize{{Width: 800, Height: 600, Bytes: int64(len(blob))}},
		},
	}
}

// docMessage builds a message carrying a named document.
func (h *harness) docMessage(t *testing.T, msgID, fileID int64, name, mime string, blob []byte) telegram.Message {
	t.Helper()

	h.client.blobs[fileID] = blob

	return telegram.Message{
		ID:   msgID,
		Date: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		Media: &telegram.Document{
			ID:         fileID,
			AccessHash: fileID * 10,
			Mime:       mime,
			Size:       int64(len(blob)),
			Attrs:      []telegram.DocumentAttr{telegram.FilenameAttr{Name: name}},
		},
	}
}

// resolveForDownload builds a download Item through the real resolver.
func (h *harness) resolveForDownload(t *testing.T, msg telegram.Message) Item {
	t.Helper()

	md := media.FromRemote(msg.Media)
	require.NotNil(t, md)

	res, err := h.resolver.Resolve(context.Background(), md, msg.Media.Kind())
	require.NoError(t, err)
	require.True(t, res.NeedDownload)

	return Item{Ref: telegram.Ref(msg.Media), Meta: md, Res: res}
}

// messageStub builds a minimal text message.
func messageStub(id int64) *telegram.Message {
	return &telegram.Message{
		ID:   id,
		Date: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		Text: "hello",
	}
}

func writeBlob(t *testing.T, root, rel string, data []byte) string {
	t.Helper()

	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, data, 0o644))

	return abs
}
