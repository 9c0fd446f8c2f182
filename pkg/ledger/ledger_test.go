package ledger

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/Yaimsputnik5/multi-server/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(zerolog.Nop(), dir)
	require.NoError(t, err)
	return s, dir
}

func dataPath(dir string, u uuid.UUID) string {
	name := hex.EncodeToString(u[:])
	return filepath.Join(dir, "ledgers", name[:2], name, "data")
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}

func TestAppendDedup(t *testing.T) {
	s, dir := newTestStore(t)
	u := uuid.UUID{1}

	id, loaded, err := s.Open(u)
	require.NoError(t, err)
	require.True(t, loaded)
	l := s.Get(id)

	written, err := l.Append(wire.EntryHeader{Key: 7, Size: 1}, []byte("x"))
	require.NoError(t, err)
	require.True(t, written)
	require.EqualValues(t, 1, l.Count())
	require.EqualValues(t, 16, fileSize(t, dataPath(dir, u)))

	// A duplicate key is a silent no-op.
	written, err = l.Append(wire.EntryHeader{Key: 7, Size: 1}, []byte("x"))
	require.NoError(t, err)
	require.False(t, written)
	require.EqualValues(t, 1, l.Count())
	require.EqualValues(t, 16, fileSize(t, dataPath(dir, u)))
	require.True(t, l.Contains(7))
}

func TestAppendPadding(t *testing.T) {
	s, dir := newTestStore(t)
	u := uuid.UUID{2}

	id, _, err := s.Open(u)
	require.NoError(t, err)
	l := s.Get(id)

	var want int64
	for i, size := range []uint8{0, 1, 7, 8, 127, 128} {
		payload := make([]byte, size)
		h := wire.EntryHeader{Key: uint64(i + 1), Size: size}
		_, err := l.Append(h, payload)
		require.NoError(t, err)
		want += int64(h.StoredSize())
	}
	got := fileSize(t, dataPath(dir, u))
	require.Equal(t, want, got)
	require.Zero(t, got%16, "ledger file not 16-byte aligned")
}

func TestReadEntry(t *testing.T) {
	s, _ := newTestStore(t)

	id, _, err := s.Open(uuid.UUID{3})
	require.NoError(t, err)
	l := s.Get(id)

	_, err = l.Append(wire.EntryHeader{Key: 1, Size: 3}, []byte("abc"))
	require.NoError(t, err)
	_, err = l.Append(wire.EntryHeader{Key: 2, Size: 0}, nil)
	require.NoError(t, err)

	h, payload, err := l.ReadEntry(0)
	require.NoError(t, err)
	require.Equal(t, wire.EntryHeader{Key: 1, Size: 3}, h)
	require.Equal(t, []byte("abc"), payload)

	h, payload, err = l.ReadEntry(1)
	require.NoError(t, err)
	require.Equal(t, wire.EntryHeader{Key: 2, Size: 0}, h)
	require.Empty(t, payload)

	_, _, err = l.ReadEntry(2)
	require.Error(t, err)
}

func TestRebuild(t *testing.T) {
	dir := t.TempDir()
	u := uuid.UUID{4}

	s1, err := NewStore(zerolog.Nop(), dir)
	require.NoError(t, err)
	id, _, err := s1.Open(u)
	require.NoError(t, err)
	l1 := s1.Get(id)

	type entry struct {
		h       wire.EntryHeader
		payload []byte
	}
	entries := []entry{
		{wire.EntryHeader{Key: 10, Size: 0}, nil},
		{wire.EntryHeader{Key: 11, Size: 5}, []byte("hello")},
		{wire.EntryHeader{Key: 12, Size: 128}, make([]byte, 128)},
		{wire.EntryHeader{Key: 13, Size: 7}, []byte("seven77")},
	}
	for _, e := range entries {
		_, err := l1.Append(e.h, e.payload)
		require.NoError(t, err)
	}
	wantIndex := append([]uint32(nil), l1.index...)
	wantSize := l1.Size()
	s1.CloseAll()

	// A fresh open must rebuild the identical projection from the file.
	s2, err := NewStore(zerolog.Nop(), dir)
	require.NoError(t, err)
	id, loaded, err := s2.Open(u)
	require.NoError(t, err)
	require.True(t, loaded)
	l2 := s2.Get(id)

	require.EqualValues(t, len(entries), l2.Count())
	require.Equal(t, wantSize, l2.Size())
	require.Equal(t, wantIndex, l2.index)
	for i, e := range entries {
		require.True(t, l2.Contains(e.h.Key))
		h, payload, err := l2.ReadEntry(uint32(i))
		require.NoError(t, err)
		require.Equal(t, e.h, h)
		if e.h.Size != 0 {
			require.Equal(t, e.payload, payload)
		}
	}
}

func TestOpenTruncated(t *testing.T) {
	dir := t.TempDir()
	u := uuid.UUID{5}

	// A header whose stored size overruns the file must refuse to open.
	path := dataPath(dir, u)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	rec := wire.EntryHeader{Key: 9, Size: 128}.AppendEncode(nil)
	rec = append(rec, make([]byte, 7)...) // 16 bytes on disk, claims 144
	require.NoError(t, os.WriteFile(path, rec, 0o644))

	s, err := NewStore(zerolog.Nop(), dir)
	require.NoError(t, err)
	_, _, err = s.Open(u)
	require.ErrorContains(t, err, "truncated")
}

func TestAdjacentUUIDs(t *testing.T) {
	s, dir := newTestStore(t)
	u1 := uuid.UUID{6}
	u2 := uuid.UUID{6}
	u2[15] = 1

	id1, _, err := s.Open(u1)
	require.NoError(t, err)
	id2, _, err := s.Open(u2)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	_, err = s.Get(id1).Append(wire.EntryHeader{Key: 1}, nil)
	require.NoError(t, err)
	_, err = s.Get(id2).Append(wire.EntryHeader{Key: 2}, nil)
	require.NoError(t, err)

	require.FileExists(t, dataPath(dir, u1))
	require.FileExists(t, dataPath(dir, u2))
	require.NotEqual(t, dataPath(dir, u1), dataPath(dir, u2))
}

func TestRefCount(t *testing.T) {
	s, _ := newTestStore(t)
	u := uuid.UUID{7}

	id, loaded, err := s.Open(u)
	require.NoError(t, err)
	require.True(t, loaded)

	id2, loaded, err := s.Open(u)
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, id, id2)

	require.False(t, s.Release(id), "closed while still referenced")
	require.NotNil(t, s.Get(id))
	require.True(t, s.Release(id))
	require.Nil(t, s.Get(id))

	// The slot is reusable.
	id3, loaded, err := s.Open(uuid.UUID{8})
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, id, id3)
}
