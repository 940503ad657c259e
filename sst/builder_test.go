package sst

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"turbopersist/utils"
	"turbopersist/utils/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inlineEntry(key, value string) *Entry {
	k := []byte(key)
	return &Entry{Hash: utils.HashKey(k), Key: k, Value: InlineValue([]byte(value))}
}

func tombstoneEntry(key string) *Entry {
	k := []byte(key)
	return &Entry{Hash: utils.HashKey(k), Key: k, Value: Tombstone()}
}

func blobEntry(key string, blobSeq uint32) *Entry {
	k := []byte(key)
	return &Entry{Hash: utils.HashKey(k), Key: k, Value: BlobValue(blobSeq)}
}

func sortEntries(es []*Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Compare(es[j]) < 0 })
}

func buildSst(t *testing.T, dir string, seq, family uint32, es []*Entry) (*File, *MetaEntry) {
	t.Helper()
	me, err := WriteSstFile(dir, seq, family, es)
	require.NoError(t, err)
	f, err := OpenFile(sstPath(dir, seq), nil, nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.DecrRef() })
	return f, me
}

func sstPath(dir string, seq uint32) string {
	return filepath.Join(dir, utils.SeqName(seq, utils.SstFileSuffix))
}

func TestSstRoundTrip(t *testing.T) {
	dir := t.TempDir()
	es := []*Entry{
		inlineEntry("alpha", "va"),
		inlineEntry("beta", strings.Repeat("m", 6<<10)),
		inlineEntry("empty-value", ""),
		tombstoneEntry("gone"),
		blobEntry("huge", 77),
	}
	sortEntries(es)

	f, me := buildSst(t, dir, 3, 1, es)
	assert.Equal(t, uint32(3), me.Seq)
	assert.Equal(t, es[0].Hash, me.MinHash)
	assert.Equal(t, es[len(es)-1].Hash, me.MaxHash)
	assert.Equal(t, uint32(1), f.Family())
	assert.Equal(t, uint32(len(es)), f.EntryCount())
	assert.Equal(t, me.MinHash, f.MinHash())
	assert.Equal(t, me.MaxHash, f.MaxHash())

	filter, err := me.Filter()
	require.NoError(t, err)
	for _, e := range es {
		assert.True(t, filter.ContainsHash(e.Hash))
	}

	for _, e := range es {
		res, val, err := f.Lookup(e.Hash, e.Key)
		require.NoError(t, err)
		switch e.Value.Kind {
		case KindTombstone:
			assert.Equal(t, LookupFoundTombstone, res)
		case KindBlob:
			assert.Equal(t, LookupFound, res)
			assert.Equal(t, uint32(77), val.BlobSeq)
		default:
			assert.Equal(t, LookupFound, res)
			assert.Equal(t, e.Value.Data, val.Inline)
			assert.Zero(t, val.BlobSeq)
		}
	}
}

func TestSstLookupMisses(t *testing.T) {
	dir := t.TempDir()
	es := []*Entry{
		{Hash: 100, Key: []byte("a"), Value: InlineValue([]byte("va"))},
		{Hash: 200, Key: []byte("b"), Value: InlineValue([]byte("vb"))},
	}
	f, _ := buildSst(t, dir, 1, 0, es)

	res, _, err := f.Lookup(50, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, LookupRangeMiss, res)

	res, _, err = f.Lookup(300, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, LookupRangeMiss, res)

	res, _, err = f.Lookup(150, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, LookupNotFound, res)
}

func TestSstEqualHashRun(t *testing.T) {
	dir := t.TempDir()
	es := []*Entry{
		{Hash: 98, Key: []byte("w"), Value: InlineValue([]byte("vw"))},
		{Hash: 99, Key: []byte("a"), Value: InlineValue([]byte("v1"))},
		{Hash: 99, Key: []byte("b"), Value: Tombstone()},
		{Hash: 99, Key: []byte("c"), Value: InlineValue([]byte("v3"))},
		{Hash: 100, Key: []byte("z"), Value: InlineValue([]byte("vz"))},
	}
	f, _ := buildSst(t, dir, 2, 0, es)

	res, val, err := f.Lookup(99, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, []byte("v1"), val.Inline)

	res, _, err = f.Lookup(99, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, LookupFoundTombstone, res)

	res, val, err = f.Lookup(99, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, []byte("v3"), val.Inline)

	// hash在文件范围内但key不存在
	res, _, err = f.Lookup(99, []byte("zz"))
	require.NoError(t, err)
	assert.Equal(t, LookupNotFound, res)
}

func TestSstMultiBlock(t *testing.T) {
	dir := t.TempDir()
	const n = 3000
	es := make([]*Entry, 0, n)
	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%05d", i)
		v := fmt.Sprintf("value-%05d", i)
		es = append(es, inlineEntry(k, v))
		want[k] = v
	}
	sortEntries(es)

	f, _ := buildSst(t, dir, 9, 0, es)
	assert.Greater(t, f.keyBlockCount, 1)
	assert.Equal(t, uint32(n), f.EntryCount())

	for i := 0; i < n; i += 97 {
		e := es[i]
		res, val, err := f.Lookup(e.Hash, e.Key)
		require.NoError(t, err)
		require.Equal(t, LookupFound, res)
		assert.Equal(t, want[string(e.Key)], string(val.Inline))
	}
}

func TestSstBatchLookup(t *testing.T) {
	dir := t.TempDir()
	const n = 500
	es := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		es = append(es, inlineEntry(fmt.Sprintf("bk-%04d", i), fmt.Sprintf("bv-%04d", i)))
	}
	sortEntries(es)
	f, _ := buildSst(t, dir, 4, 0, es)

	qs := make([]*BatchQuery, 0, n+2)
	for _, e := range es {
		qs = append(qs, &BatchQuery{Hash: e.Hash, Key: e.Key})
	}
	for _, miss := range []string{"nope-1", "nope-2"} {
		k := []byte(miss)
		qs = append(qs, &BatchQuery{Hash: utils.HashKey(k), Key: k})
	}
	sort.Slice(qs, func(i, j int) bool {
		return utils.CompareHashKey(qs[i].Hash, qs[i].Key, qs[j].Hash, qs[j].Key) < 0
	})

	require.NoError(t, f.BatchLookup(qs))
	for _, q := range qs {
		if strings.HasPrefix(string(q.Key), "bk-") {
			require.Equal(t, LookupFound, q.Result, "key %s", q.Key)
			assert.Equal(t, "bv-"+strings.TrimPrefix(string(q.Key), "bk-"), string(q.Value.Inline))
		} else {
			assert.Contains(t, []LookupResult{LookupNotFound, LookupRangeMiss}, q.Result)
		}
	}
}

func TestSstIterOrder(t *testing.T) {
	dir := t.TempDir()
	const n = 2000
	es := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		es = append(es, inlineEntry(fmt.Sprintf("it-%05d", i), fmt.Sprintf("iv-%05d", i)))
	}
	sortEntries(es)
	f, _ := buildSst(t, dir, 5, 2, es)

	it := f.NewIter()
	got := 0
	var prev *Entry
	for ; it.Valid(); it.Next() {
		e, err := it.Entry()
		require.NoError(t, err)
		if prev != nil {
			assert.Negative(t, prev.Compare(e))
		}
		assert.Equal(t, es[got].Hash, e.Hash)
		assert.Equal(t, es[got].Key, e.Key)
		assert.Equal(t, es[got].Value.Data, e.Value.Data)
		prev, got = e, got+1
	}
	require.NoError(t, it.Err())
	assert.Equal(t, n, got)
}

func TestSstDictionaries(t *testing.T) {
	dir := t.TempDir()
	const n = 4000
	es := make([]*Entry, 0, n)
	var rawBytes int
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("user:profile:%06d", i)
		v := strings.Repeat("payload-", 16) + fmt.Sprintf("%06d", i)
		es = append(es, inlineEntry(k, v))
		rawBytes += len(k) + len(v)
	}
	sortEntries(es)

	f, _ := buildSst(t, dir, 6, 0, es)
	// 键值都高度重复,带字典的压缩应该压得下去
	assert.Less(t, f.Size(), int64(rawBytes))

	for i := 0; i < n; i += 131 {
		e := es[i]
		res, val, err := f.Lookup(e.Hash, e.Key)
		require.NoError(t, err)
		require.Equal(t, LookupFound, res)
		assert.Equal(t, e.Value.Data, val.Inline)
	}
}

func TestSstCacheFill(t *testing.T) {
	dir := t.TempDir()
	es := []*Entry{
		inlineEntry("cache-a", "1"),
		inlineEntry("cache-b", "2"),
	}
	sortEntries(es)
	_, err := WriteSstFile(dir, 7, 0, es)
	require.NoError(t, err)

	kc, vc := cache.NewCache(64), cache.NewCache(64)
	f, err := OpenFile(sstPath(dir, 7), kc, vc, false)
	require.NoError(t, err)
	defer f.DecrRef()
	_, _, err = f.Lookup(es[0].Hash, es[0].Key)
	require.NoError(t, err)
	assert.Positive(t, kc.Len())
	assert.Positive(t, vc.Len())

	// cold文件读归读,不回填
	kc2, vc2 := cache.NewCache(64), cache.NewCache(64)
	f2, err := OpenFile(sstPath(dir, 7), kc2, vc2, true)
	require.NoError(t, err)
	defer f2.DecrRef()
	res, val, err := f2.Lookup(es[0].Hash, es[0].Key)
	require.NoError(t, err)
	assert.Equal(t, LookupFound, res)
	assert.Equal(t, es[0].Value.Data, val.Inline)
	assert.Zero(t, kc2.Len())
	assert.Zero(t, vc2.Len())
}

func TestSstCorruption(t *testing.T) {
	dir := t.TempDir()
	es := []*Entry{inlineEntry("c1", "v1"), inlineEntry("c2", "v2")}
	sortEntries(es)
	_, err := WriteSstFile(dir, 8, 0, es)
	require.NoError(t, err)
	path := sstPath(dir, 8)
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	// 魔数损坏
	bad := append([]byte{}, good...)
	bad[len(bad)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, bad, 0666))
	_, err = OpenFile(path, nil, nil, false)
	assert.ErrorIs(t, err, utils.ErrBadMagic)

	// 元数据区损坏
	bad = append([]byte{}, good...)
	bad[len(bad)-20] ^= 0xff
	require.NoError(t, os.WriteFile(path, bad, 0666))
	_, err = OpenFile(path, nil, nil, false)
	assert.ErrorIs(t, err, utils.ErrChecksumMismatch)

	// 掐头去尾
	require.NoError(t, os.WriteFile(path, good[:10], 0666))
	_, err = OpenFile(path, nil, nil, false)
	assert.ErrorIs(t, err, utils.ErrTruncate)
}

func TestSstRejectsUnsortedEntries(t *testing.T) {
	dir := t.TempDir()
	es := []*Entry{
		{Hash: 2, Key: []byte("b"), Value: InlineValue([]byte("x"))},
		{Hash: 1, Key: []byte("a"), Value: InlineValue([]byte("y"))},
	}
	assert.Panics(t, func() {
		_, _ = WriteSstFile(dir, 10, 0, es)
	})
}
