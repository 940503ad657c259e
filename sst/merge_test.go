package sst

import (
	"testing"

	"turbopersist/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openForCompaction(t *testing.T, dir string, seq uint32) *File {
	t.Helper()
	f, err := OpenFileForCompaction(sstPath(dir, seq))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.DecrRef() })
	return f
}

func TestMergeNewestWins(t *testing.T) {
	dir := t.TempDir()

	old := []*Entry{
		inlineEntry("a", "a-old"),
		inlineEntry("b", "b-old"),
		blobEntry("d", 40),
		inlineEntry("e", "e-old"),
	}
	mid := []*Entry{
		inlineEntry("a", "a-mid"),
		inlineEntry("c", "c-mid"),
		tombstoneEntry("d"),
	}
	newest := []*Entry{
		tombstoneEntry("b"),
		inlineEntry("e", "e-new"),
		blobEntry("f", 41),
	}
	for _, es := range [][]*Entry{old, mid, newest} {
		sortEntries(es)
	}
	_, err := WriteSstFile(dir, 1, 0, old)
	require.NoError(t, err)
	_, err = WriteSstFile(dir, 2, 0, mid)
	require.NoError(t, err)
	_, err = WriteSstFile(dir, 3, 0, newest)
	require.NoError(t, err)

	files := []*File{
		openForCompaction(t, dir, 1),
		openForCompaction(t, dir, 2),
		openForCompaction(t, dir, 3),
	}
	m, err := NewMergeIter(files)
	require.NoError(t, err)

	got := map[string]*Entry{}
	var prev *Entry
	for ; m.Valid(); m.Next() {
		e := m.Entry()
		if prev != nil {
			assert.Negative(t, utils.CompareHashKey(prev.Hash, prev.Key, e.Hash, e.Key))
		}
		got[string(e.Key)] = e
		prev = e
	}
	require.NoError(t, m.Err())
	require.Len(t, got, 6)

	assert.Equal(t, "a-mid", string(got["a"].Value.Data))
	assert.Equal(t, KindTombstone, got["b"].Value.Kind)
	assert.Equal(t, "c-mid", string(got["c"].Value.Data))
	assert.Equal(t, KindTombstone, got["d"].Value.Kind)
	assert.Equal(t, "e-new", string(got["e"].Value.Data))
	assert.Equal(t, KindBlob, got["f"].Value.Kind)
	assert.Equal(t, uint32(41), got["f"].Value.BlobSeq)

	// d的老版本是blob,被墓碑盖掉后blob文件就没人要了
	assert.Equal(t, []uint32{40}, m.DroppedBlobs())
}

func TestMergeSingleSource(t *testing.T) {
	dir := t.TempDir()
	es := []*Entry{inlineEntry("x", "1"), inlineEntry("y", "2")}
	sortEntries(es)
	_, err := WriteSstFile(dir, 4, 0, es)
	require.NoError(t, err)

	m, err := NewMergeIter([]*File{openForCompaction(t, dir, 4)})
	require.NoError(t, err)
	n := 0
	for ; m.Valid(); m.Next() {
		n++
	}
	require.NoError(t, m.Err())
	assert.Equal(t, 2, n)
	assert.Empty(t, m.DroppedBlobs())
}
