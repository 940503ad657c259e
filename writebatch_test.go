package turbopersist

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"turbopersist/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverwriteWithinBatch(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	b, err := db.WriteBatch()
	require.NoError(t, err)
	mustPut(t, b, 0, "k", "old")
	mustPut(t, b, 0, "k", "new")
	require.NoError(t, db.CommitWriteBatch(b))
	assert.Equal(t, "new", mustGet(t, db, 0, "k"))
}

func TestPutThenDeleteWithinBatch(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	b, err := db.WriteBatch()
	require.NoError(t, err)
	mustPut(t, b, 0, "k", "v")
	require.NoError(t, b.Delete(0, []byte("k")))
	require.NoError(t, db.CommitWriteBatch(b))
	mustMiss(t, db, 0, "k")
}

func TestBatchValidation(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 2)
	defer func() { _ = db.Shutdown() }()

	b, err := db.WriteBatch()
	require.NoError(t, err)
	defer b.Cancel()

	require.ErrorIs(t, b.Put(0, nil, []byte("v")), utils.ErrEmptyKey)
	require.ErrorIs(t, b.Put(2, []byte("k"), []byte("v")), utils.ErrFamilyOutOfRange)
	require.ErrorIs(t, b.Put(-1, []byte("k"), []byte("v")), utils.ErrFamilyOutOfRange)
	require.ErrorIs(t, b.Delete(5, []byte("k")), utils.ErrFamilyOutOfRange)
}

// 超过内存阈值的批会被提前串流落盘成多个sst
func TestBatchStreamingSpill(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	n := utils.WriteBatchMaxPendingEntries + 100
	b, err := db.WriteBatch()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		mustPut(t, b, 0, fmt.Sprintf("spill-key-%06d", i), fmt.Sprintf("%d", i))
	}
	require.NoError(t, db.CommitWriteBatch(b))

	info := db.MetaInfo()
	require.Len(t, info, 1)
	assert.GreaterOrEqual(t, len(info[0].Ssts), 2, "spill should have produced multiple ssts")

	for _, i := range []int{0, 1, n / 2, n - 1} {
		k := fmt.Sprintf("spill-key-%06d", i)
		assert.Equal(t, fmt.Sprintf("%d", i), mustGet(t, db, 0, k))
	}
}

// 批内被覆盖的大value,它已经落盘的blob要在finish时清走
func TestBlobOverwriteCleansOrphan(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	big1 := bytes.Repeat([]byte("A"), utils.MaxMediumValueSize+1)
	big2 := bytes.Repeat([]byte("B"), utils.MaxMediumValueSize+1)
	b, err := db.WriteBatch()
	require.NoError(t, err)
	require.NoError(t, b.Put(0, []byte("k"), big1))
	require.NoError(t, b.Put(0, []byte("k"), big2))
	require.NoError(t, db.CommitWriteBatch(b))

	v, ok, err := db.Get(0, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, bytes.Equal(big2, v))

	// 盘上只剩一个blob
	dents, err := os.ReadDir(dir)
	require.NoError(t, err)
	blobs := 0
	for _, d := range dents {
		if _, suffix, ok := utils.ParseSeqName(d.Name()); ok && suffix == utils.BlobFileSuffix {
			blobs++
		}
	}
	assert.Equal(t, 1, blobs)
}

// 提交失败释放闸门,但对这个批再Cancel不许把别人新抢到的闸门也放掉
func TestFailedCommitKeepsSingleWriter(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	b, err := db.WriteBatch()
	require.NoError(t, err)
	mustPut(t, b, 0, "k", "v")

	// 目录被拔掉,落盘必然失败
	require.NoError(t, os.RemoveAll(dir))
	require.Error(t, db.CommitWriteBatch(b))

	// 失败的提交已经释放过闸门,新批照常开启
	b2, err := db.WriteBatch()
	require.NoError(t, err)

	// 迟到的Cancel只能是空操作,b2的独占不受影响
	b.Cancel()
	_, err = db.WriteBatch()
	require.ErrorIs(t, err, utils.ErrWriteConflict)
	b2.Cancel()
}

func TestCancelDiscardsEverything(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	b, err := db.WriteBatch()
	require.NoError(t, err)
	mustPut(t, b, 0, "k", "v")
	require.NoError(t, b.Put(0, []byte("big"), bytes.Repeat([]byte("x"), utils.MaxMediumValueSize+1)))
	b.Cancel()

	mustMiss(t, db, 0, "k")
	assert.True(t, db.IsEmpty())

	// 取消后闸门释放,新批照常工作
	b, err = db.WriteBatch()
	require.NoError(t, err)
	mustPut(t, b, 0, "k2", "v2")
	require.NoError(t, db.CommitWriteBatch(b))
	assert.Equal(t, "v2", mustGet(t, db, 0, "k2"))
}
