package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"),
		"blake3", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func int64p(v int64) *int64 { return &v }

func TestOpenInitializesMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	version, err := s.GetMeta(ctx, MetaSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	algo, err := s.GetMeta(ctx, MetaHashAlgorithm)
	require.NoError(t, err)
	assert.Equal(t, "blake3", algo)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()

	s, err := Open(ctx, path, "blake3", slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, "blake3", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestOpenAlgorithmMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()

	s, err := Open(ctx, path, "blake3", slog.Default())
	require.NoError(t, err)

	// With hashed rows present, a different algorithm must be refused.
	_, err = s.InsertMedia(ctx, &MediaFile{Hash: "aa11", Size: 100, Path: "x/y.jpg"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, "sha256", slog.Default())
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)
}

func TestOpenAlgorithmAdoptedWhenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()

	s, err := Open(ctx, path, "blake3", slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// No hashed media yet, so switching algorithms is allowed.
	s, err = Open(ctx, path, "sha256", slog.Default())
	require.NoError(t, err)

	algo, err := s.GetMeta(ctx, MetaHashAlgorithm)
	require.NoError(t, err)
	assert.Equal(t, "sha256", algo)
	assert.NoError(t, s.Close())
}

func TestMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetMeta(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta(ctx, MetaLastIndexTime, "2026-08-24T10:00:00Z"))
	require.NoError(t, s.SetMeta(ctx, MetaLastIndexTime, "2026-08-24T11:00:00Z"))

	v, err = s.GetMeta(ctx, MetaLastIndexTime)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T11:00:00Z", v)
}

func TestUpsertByIdentityNewAndExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &MediaFile{
		Hash: "deadbeef", Size: 2048, Name: "trip", Ext: ".mp4",
		Path: "123_chat/111.mp4", FileID: "111", Kind: "document",
	}

	got, existed, err := s.UpsertByIdentity(ctx, first)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NotZero(t, got.ID)

	// Same blob arriving under a different remote id merges into the
	// existing row; missing attributes are backfilled, present ones kept.
	second := &MediaFile{
		Hash: "deadbeef", Size: 2048, Name: "trip (1)", Ext: ".mp4",
		FileID: "222", AccessHash: 9, Duration: int64p(95),
	}

	merged, existed, err := s.UpsertByIdentity(ctx, second)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, got.ID, merged.ID)

	row, err := s.MediaByID(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, "111", row.FileID, "first remote id wins")
	assert.Equal(t, int64(9), row.AccessHash, "missing access hash backfilled")
	assert.Equal(t, "trip", row.Name, "existing name kept")
	require.NotNil(t, row.Duration)
	assert.Equal(t, int64(95), *row.Duration)
}

func TestUpsertRequiresHash(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.UpsertByIdentity(context.Background(), &MediaFile{Size: 10})
	assert.Error(t, err)
}

func TestReservationCompleteNormal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertMedia(ctx, &MediaFile{Size: 5000, Name: "doc", FileID: "42"})
	require.NoError(t, err)

	row, err := s.MediaByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, row.Completed())

	done, err := s.CompleteMedia(ctx, id, "cafe01", 4999, "123_chat/42.pdf")
	require.NoError(t, err)
	assert.Equal(t, id, done.ID)
	assert.True(t, done.Completed())
	assert.Equal(t, int64(4999), done.Size, "measured size replaces declared")
}

func TestReservationCompleteCollapsesIntoWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	winner, _, err := s.UpsertByIdentity(ctx, &MediaFile{
		Hash: "facade", Size: 300, Path: "123_chat/1.jpg", FileID: "1",
	})
	require.NoError(t, err)

	resID, err := s.InsertMedia(ctx, &MediaFile{Size: 300, FileID: "2"})
	require.NoError(t, err)

	msg := testMessage(10)
	require.NoError(t, s.SaveMessage(ctx, 123, msg, resID, nil))

	// Completing the reservation with an identity that already exists
	// must merge into the winner and repoint the message.
	got, err := s.CompleteMedia(ctx, resID, "facade", 300, "123_chat/2.jpg")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)

	gone, err := s.MediaByID(ctx, resID)
	require.NoError(t, err)
	assert.Nil(t, gone, "reservation row deleted")

	ref, err := s.MessageMediaRef(ctx, 123, 10)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, ref)
}

func TestFindByMetadataMatchesBySize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertByIdentity(ctx, &MediaFile{
		Hash: "aaaa", Size: 1000, Name: "report", Ext: ".pdf", Path: "c/1.pdf",
	})
	require.NoError(t, err)

	// Size alone selects the candidate; the remote name may differ
	// from the stored one.
	m, err := s.FindByMetadata(ctx, MetadataQuery{Name: "quarterly", Size: 1000})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "aaaa", m.Hash)

	// A declared duration agrees with a row whose duration is unknown.
	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 1000, Duration: int64p(60)})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "aaaa", m.Hash)

	// A declared resolution agrees with a row with no dimensions.
	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 1000, Width: int64p(1280), Height: int64p(960)})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "aaaa", m.Hash)

	// A different size never matches.
	m, err = s.FindByMetadata(ctx, MetadataQuery{Name: "report", Size: 999})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFindByMetadataAttributeConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertByIdentity(ctx, &MediaFile{
		Hash: "bbbb", Size: 2000, Duration: int64p(60), Path: "c/2.mp4",
	})
	require.NoError(t, err)

	_, _, err = s.UpsertByIdentity(ctx, &MediaFile{
		Hash: "cccc", Size: 3000, Width: int64p(1280), Height: int64p(960), Path: "c/3.jpg",
	})
	require.NoError(t, err)

	// A stored duration that disagrees with the declared one excludes
	// the row.
	m, err := s.FindByMetadata(ctx, MetadataQuery{Size: 2000, Duration: int64p(5)})
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 2000, Duration: int64p(60)})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "bbbb", m.Hash)

	// Same for a conflicting resolution.
	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 3000, Width: int64p(640), Height: int64p(480)})
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 3000, Width: int64p(1280), Height: int64p(960)})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "cccc", m.Hash)
}

func TestFindByMetadataTiebreaks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, m := range []*MediaFile{
		{Hash: "a1", Size: 500, Name: "holiday", Path: "c/a.jpg"},
		{Hash: "a2", Size: 500, Name: "img_777", Path: "c/b.jpg"},
		{Hash: "a3", Size: 500, Name: "beach trip", Path: "c/c.jpg"},
	} {
		s.nowFunc = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, _, err := s.UpsertByIdentity(ctx, m)
		require.NoError(t, err)
	}

	// A stored name carrying the remote id wins over the others.
	m, err := s.FindByMetadata(ctx, MetadataQuery{Size: 500, FileID: "777"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a2", m.Hash)

	// Normalized-name containment, in either direction.
	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 500, Name: "beach"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a3", m.Hash)

	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 500, Name: "holiday 2026 album"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a1", m.Hash)

	// No name evidence at all: the oldest candidate survives.
	m, err = s.FindByMetadata(ctx, MetadataQuery{Size: 500, Name: "zzz", FileID: "999"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a1", m.Hash)
}

func TestRemoveReservations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMedia(ctx, &MediaFile{Size: 100, FileID: "1"})
	require.NoError(t, err)
	_, err = s.InsertMedia(ctx, &MediaFile{Size: 200, FileID: "2"})
	require.NoError(t, err)

	kept, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "9999", Size: 300, Path: "c/9.bin"})
	require.NoError(t, err)

	n, err := s.RemoveReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.MediaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	row, err := s.MediaByID(ctx, kept.ID)
	require.NoError(t, err)
	require.NotNil(t, row, "completed rows survive the sweep")
}

func TestFindByMetadataIgnoresIncompleteRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A reservation (no hash) must never satisfy a metadata match.
	_, err := s.InsertMedia(ctx, &MediaFile{Size: 1000, Name: "pending"})
	require.NoError(t, err)

	m, err := s.FindByMetadata(ctx, MetadataQuery{Name: "pending", Size: 1000})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFindByFileID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertByIdentity(ctx, &MediaFile{
		Hash: "dddd", Size: 10, Path: "c/55.bin", FileID: "55",
	})
	require.NoError(t, err)

	m, err := s.FindByFileID(ctx, "55")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "dddd", m.Hash)

	m, err = s.FindByFileID(ctx, "999")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = s.FindByFileID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSetMediaPathAndFindByPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "eeee", Size: 10, Path: "c/tmp.bin"})
	require.NoError(t, err)

	require.NoError(t, s.SetMediaPath(ctx, row.ID, "c/77.bin"))

	m, err := s.FindByPath(ctx, "c/77.bin")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, row.ID, m.ID)
}

func TestSetMediaFileRefOnlyFillsMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "ffff", Size: 10, Path: "c/a.bin"})
	require.NoError(t, err)

	require.NoError(t, s.SetMediaFileRef(ctx, row.ID, "100", 7))
	require.NoError(t, s.SetMediaFileRef(ctx, row.ID, "200", 8))

	m, err := s.MediaByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", m.FileID)
	assert.Equal(t, int64(7), m.AccessHash)
}

func TestUnusedMedia(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	used, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "1111", Size: 10, Path: "c/1.bin"})
	require.NoError(t, err)

	unused, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "2222", Size: 20, Path: "c/2.bin"})
	require.NoError(t, err)

	require.NoError(t, s.SaveMessage(ctx, 1, testMessage(1), used.ID, nil))

	rows, err := s.UnusedMedia(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, unused.ID, rows[0].ID)
}

func TestClearDanglingRefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "3333", Size: 10, Path: "c/3.bin"})
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, 1, testMessage(1), row.ID, nil))

	// Simulate a legacy database where the media row vanished without
	// reference cleanup (created before foreign keys were enforced).
	_, err = s.db.ExecContext(ctx, "PRAGMA foreign_keys=OFF")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "DELETE FROM media_files WHERE id = ?", row.ID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	require.NoError(t, err)

	n, err := s.ClearDanglingRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ref, err := s.MessageMediaRef(ctx, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, ref)
}

func TestMigrateMessageRefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "4444", Size: 10, Path: "c/4.bin"})
	require.NoError(t, err)

	b, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "5555", Size: 20, Path: "c/5.bin"})
	require.NoError(t, err)

	require.NoError(t, s.SaveMessage(ctx, 1, testMessage(1), a.ID, nil))
	require.NoError(t, s.SaveMessage(ctx, 1, testMessage(2), a.ID, nil))

	require.NoError(t, s.MigrateMessageRefs(ctx, a.ID, b.ID))

	for _, msgID := range []int64{1, 2} {
		ref, err := s.MessageMediaRef(ctx, 1, msgID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, ref)
	}
}

func TestTouchMedia(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	row, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "6666", Size: 10, Path: "c/6.bin"})
	require.NoError(t, err)

	s.nowFunc = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.TouchMedia(ctx, row.ID))

	m, err := s.MediaByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), m.LastUsedAt.UTC())
}

func TestDuplicateMediaEmptyOnCleanIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertByIdentity(ctx, &MediaFile{Hash: "7777", Size: 10, Path: "c/7.bin"})
	require.NoError(t, err)

	// Two pending reservations must not be reported as duplicates.
	_, err = s.InsertMedia(ctx, &MediaFile{Size: 10})
	require.NoError(t, err)
	_, err = s.InsertMedia(ctx, &MediaFile{Size: 10})
	require.NoError(t, err)

	groups, err := s.DuplicateMedia(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestDuplicateMediaLegacyGroups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Legacy databases predate the unique identity index; recreate that
	// state by dropping it.
	_, err := s.db.ExecContext(ctx, "DROP INDEX idx_media_hash_size")
	require.NoError(t, err)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return old }
	oldID, err := s.InsertMedia(ctx, &MediaFile{Hash: "8888", Size: 10, Path: "c/old.bin"})
	require.NoError(t, err)

	s.nowFunc = func() time.Time { return old.Add(24 * time.Hour) }
	newID, err := s.InsertMedia(ctx, &MediaFile{Hash: "8888", Size: 10, Path: "c/new.bin"})
	require.NoError(t, err)

	groups, err := s.DuplicateMedia(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 2)
	assert.Equal(t, oldID, groups[0][0].ID, "oldest first")
	assert.Equal(t, newID, groups[0][1].ID)
}
