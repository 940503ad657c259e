package turbopersist

import (
	"fmt"
	"testing"

	"turbopersist/sst"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitKV(t *testing.T, db *TurboPersistence, family int, kv map[string]string) {
	t.Helper()
	b, err := db.WriteBatch()
	require.NoError(t, err)
	for k, v := range kv {
		mustPut(t, b, family, k, v)
	}
	require.NoError(t, db.CommitWriteBatch(b))
}

func TestCompactEmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	changed, err := db.Compact(nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFullCompactIdempotent(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	// 三次提交,键有重叠,留下三个范围交叠的sst
	for round := 0; round < 3; round++ {
		kv := make(map[string]string)
		for i := 0; i < 100; i++ {
			kv[fmt.Sprintf("key-%03d", i)] = fmt.Sprintf("r%d-%03d", round, i)
		}
		commitKV(t, db, 0, kv)
	}
	require.Equal(t, 3, db.Statistics().SstFiles)

	changed, err := db.Compact(FullCompactConfig())
	require.NoError(t, err)
	assert.True(t, changed)

	// 重复key已经去掉,留下的是最后一轮的值
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		assert.Equal(t, fmt.Sprintf("r2-%03d", i), mustGet(t, db, 0, k))
	}

	// 紧接着再压一次必须是空操作
	changed, err = db.Compact(FullCompactConfig())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCompactReclaimsFiles(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)

	for round := 0; round < 4; round++ {
		kv := make(map[string]string)
		for i := 0; i < 50; i++ {
			kv[fmt.Sprintf("k%02d", i)] = fmt.Sprintf("round%d", round)
		}
		commitKV(t, db, 0, kv)
	}
	before := db.Statistics()
	require.Equal(t, 4, before.MetaFiles)
	require.Equal(t, 4, before.SstFiles)

	require.NoError(t, db.FullCompact())
	after := db.Statistics()
	assert.Equal(t, 1, after.MetaFiles)
	assert.Less(t, after.SstFiles, before.SstFiles)

	// 重开之后合并结果依旧,旧文件真的从盘上回收了
	require.NoError(t, db.Shutdown())
	db = openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()
	assert.Equal(t, 1, db.Statistics().MetaFiles)
	for i := 0; i < 50; i++ {
		assert.Equal(t, "round3", mustGet(t, db, 0, fmt.Sprintf("k%02d", i)))
	}
}

func TestCompactPreservesTombstones(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)

	commitKV(t, db, 0, map[string]string{"keep": "v", "drop": "v"})
	b, err := db.WriteBatch()
	require.NoError(t, err)
	require.NoError(t, b.Delete(0, []byte("drop")))
	require.NoError(t, db.CommitWriteBatch(b))

	require.NoError(t, db.FullCompact())
	assert.Equal(t, "v", mustGet(t, db, 0, "keep"))
	mustMiss(t, db, 0, "drop")

	require.NoError(t, db.Shutdown())
	db = openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()
	mustMiss(t, db, 0, "drop")
}

// 冷热分离:被点查过的key和没被点查过的key压缩后落进不同的文件
func TestCompactWarmColdPartition(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	kv := make(map[string]string)
	for i := 0; i < 200; i++ {
		kv[fmt.Sprintf("key-%03d", i)] = fmt.Sprintf("val-%03d", i)
	}
	commitKV(t, db, 0, kv)

	// 只读前一半,访问记录随下一次提交写进meta
	for i := 0; i < 100; i++ {
		mustGet(t, db, 0, fmt.Sprintf("key-%03d", i))
	}
	commitKV(t, db, 0, map[string]string{"key-000": "val-000-new"})

	require.NoError(t, db.FullCompact())

	var warm, cold int
	for _, mi := range db.MetaInfo() {
		for _, s := range mi.Ssts {
			if s.Cold {
				cold++
			} else {
				warm++
			}
		}
	}
	assert.Greater(t, warm, 0, "accessed keys should land in warm files")
	assert.Greater(t, cold, 0, "untouched keys should land in cold files")

	// 分流只是布局,读结果不许变
	assert.Equal(t, "val-000-new", mustGet(t, db, 0, "key-000"))
	for i := 1; i < 200; i++ {
		k := fmt.Sprintf("key-%03d", i)
		assert.Equal(t, fmt.Sprintf("val-%03d", i), mustGet(t, db, 0, k))
	}
}

// 阈值不满足时压缩什么都不做
func TestCompactRespectsThresholds(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	commitKV(t, db, 0, map[string]string{"a": "1"})
	commitKV(t, db, 0, map[string]string{"a": "2"})

	// 两个小文件凑不出1MiB的预估重复量
	changed, err := db.Compact(DefaultCompactConfig())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "2", mustGet(t, db, 0, "a"))

	cfg := FullCompactConfig()
	changed, err = db.Compact(cfg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "2", mustGet(t, db, 0, "a"))
}

// 一个重叠簇被count上限切成多个归并任务时,装着新数据的产出
// 必须拿到更大的seq,后续再压缩才不会让旧值翻案
func TestSplitMergeRunsKeepNewest(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 1)
	defer func() { _ = db.Shutdown() }()

	for round := 0; round < 4; round++ {
		kv := make(map[string]string)
		for i := 0; i < 50; i++ {
			kv[fmt.Sprintf("key-%03d", i)] = fmt.Sprintf("r%d", round)
		}
		commitKV(t, db, 0, kv)
	}

	// 四个全范围重叠的sst,上限2把它们切成两个归并任务
	cfg := FullCompactConfig()
	cfg.OptimalMergeCount = 2
	cfg.MaxMergeCount = 2
	changed, err := db.Compact(cfg)
	require.NoError(t, err)
	require.True(t, changed)

	info := db.MetaInfo()
	require.Len(t, info, 1)
	require.GreaterOrEqual(t, len(info[0].Ssts), 2, "count cap should have split the cluster")
	for i := 0; i < 50; i++ {
		assert.Equal(t, "r3", mustGet(t, db, 0, fmt.Sprintf("key-%03d", i)))
	}

	// 再把两个产出并到一起,同key必须还是最新一轮赢
	require.NoError(t, db.FullCompact())
	for i := 0; i < 50; i++ {
		assert.Equal(t, "r3", mustGet(t, db, 0, fmt.Sprintf("key-%03d", i)))
	}
}

// 簇内某个任务降级成move之后,更旧的任务也必须跟着降级:
// 它们的归并产出会领到比被move的新数据更大的seq,放出去就是定时炸弹
func TestPackClusterDemotionCascades(t *testing.T) {
	cfg := &CompactConfig{
		MinMergeCount:                2,
		OptimalMergeCount:            2,
		MaxMergeCount:                2,
		MaxMergeBytes:                1 << 40,
		MinMergeDuplicationBytes:     1000,
		OptimalMergeDuplicationBytes: 1 << 40,
		MaxMergeSegmentCount:         100,
	}
	cluster := []*compactDesc{
		// 最新的两个几乎不重叠,凑不出1000字节的预估重复量
		{entry: &sst.MetaEntry{Seq: 40, MinHash: 0, MaxHash: 10, Size: 10}, pri: 0},
		{entry: &sst.MetaEntry{Seq: 30, MinHash: 5, MaxHash: 15, Size: 10}, pri: 1},
		// 更旧的两个完全重叠,单看阈值够格归并
		{entry: &sst.MetaEntry{Seq: 20, MinHash: 0, MaxHash: 1 << 20, Size: 1 << 20}, pri: 2},
		{entry: &sst.MetaEntry{Seq: 10, MinHash: 0, MaxHash: 1 << 20, Size: 1 << 20}, pri: 3},
	}

	budget := 100
	merges := 0
	runs := packCluster(cluster, cfg, &budget, &merges)
	assert.Equal(t, 0, merges)
	for _, r := range runs {
		assert.False(t, r.merge)
	}
}

func TestCompactMultipleFamilies(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, 3)
	defer func() { _ = db.Shutdown() }()

	for round := 0; round < 2; round++ {
		for fam := 0; fam < 3; fam++ {
			kv := make(map[string]string)
			for i := 0; i < 30; i++ {
				kv[fmt.Sprintf("f%d-k%02d", fam, i)] = fmt.Sprintf("f%d-r%d", fam, round)
			}
			commitKV(t, db, fam, kv)
		}
	}
	require.NoError(t, db.FullCompact())

	for fam := 0; fam < 3; fam++ {
		for i := 0; i < 30; i++ {
			k := fmt.Sprintf("f%d-k%02d", fam, i)
			assert.Equal(t, fmt.Sprintf("f%d-r1", fam), mustGet(t, db, fam, k))
		}
	}
}
