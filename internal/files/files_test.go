package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveAndRead(t *testing.T) {
	s := newTestStorage(t)
	tenantID := uuid.New()

	rel, err := s.Save(tenantID, "show.torrent", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rel, "_show.torrent"))
	assert.True(t, s.Exists(tenantID, rel))

	data, err := s.Read(tenantID, rel)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestSave_CollidingNamesKeptApart(t *testing.T) {
	s := newTestStorage(t)
	tenantID := uuid.New()

	first, err := s.Save(tenantID, "show.torrent", []byte("one"))
	require.NoError(t, err)
	second, err := s.Save(tenantID, "show.torrent", []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	data, err := s.Read(tenantID, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
}

func TestSave_StripsDirectoryFromName(t *testing.T) {
	s := newTestStorage(t)
	tenantID := uuid.New()

	rel, err := s.Save(tenantID, "../../escape.torrent", []byte("x"))
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
	assert.True(t, s.Exists(tenantID, rel))
}

func TestRead_Missing(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Read(uuid.New(), "nope.torrent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRead_RejectsEscapingPath(t *testing.T) {
	s := newTestStorage(t)
	tenantID := uuid.New()

	// A traversal path must resolve inside the tenant dir or be rejected,
	// never reach a sibling tenant's files.
	other := uuid.New()
	rel, err := s.Save(other, "secret.torrent", []byte("x"))
	require.NoError(t, err)

	_, err = s.Read(tenantID, "../"+other.String()+"/"+rel)
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)
	tenantID := uuid.New()

	rel, err := s.Save(tenantID, "a.nzb", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(tenantID, rel))
	assert.False(t, s.Exists(tenantID, rel))

	// Deleting an already-gone file is not an error.
	assert.NoError(t, s.Delete(tenantID, rel))
}

func TestListAndTotalSize(t *testing.T) {
	s := newTestStorage(t)
	tenantID := uuid.New()

	_, err := s.Save(tenantID, "a.torrent", []byte("aaaa"))
	require.NoError(t, err)
	_, err = s.Save(tenantID, "b.torrent", []byte("bb"))
	require.NoError(t, err)

	infos, err := s.List(tenantID)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	total, err := s.TotalSize(tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)
}

func TestList_UnknownTenantIsEmpty(t *testing.T) {
	s := newTestStorage(t)
	infos, err := s.List(uuid.New())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestList_SkipsDirectories(t *testing.T) {
	s := newTestStorage(t)
	tenantID := uuid.New()

	_, err := s.Save(tenantID, "a.torrent", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, tenantID.String(), "sub"), 0o750))

	infos, err := s.List(tenantID)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}
