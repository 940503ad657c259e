package turbopersist

import (
	"math"

	"turbopersist/utils"

	"github.com/pkg/errors"
)

// Options 数据库级别的配置
type Options struct {
	// Families 逻辑命名空间的个数,打开之后不可变
	// family是数组下标,各family的键空间互相独立
	Families int

	// 两个块缓存的字节预算,按平均块大小折算成条目数
	KeyBlockCacheSize   int64
	ValueBlockCacheSize int64

	// Scheduler 注入落盘和压缩的并行策略,nil表示串行
	Scheduler utils.ParallelScheduler
}

func NewDefaultOptions() *Options {
	return &Options{
		Families:            16,
		KeyBlockCacheSize:   utils.KeyBlockCacheSize,
		ValueBlockCacheSize: utils.ValueBlockCacheSize,
	}
}

func (opt *Options) check() error {
	if opt.Families <= 0 || opt.Families > utils.MaxFamilies {
		return errors.Errorf("families must be in (0, %d], got %d", utils.MaxFamilies, opt.Families)
	}
	return nil
}

// CompactConfig 压缩的选择策略,全部是阈值,不含任何路径状态
type CompactConfig struct {
	// 一个合并任务最少/理想/最多包含几个sst
	MinMergeCount     int
	OptimalMergeCount int
	MaxMergeCount     int
	// 单个合并任务的输入字节上限
	MaxMergeBytes uint64
	// 预估重复字节数低于Min的候选不值得合并;
	// 任务攒够Optimal个重复字节且成员数到了OptimalMergeCount就不再扩
	MinMergeDuplicationBytes     uint64
	OptimalMergeDuplicationBytes uint64
	// 一轮压缩全库最多选出多少个合并任务
	MaxMergeSegmentCount int
}

func DefaultCompactConfig() *CompactConfig {
	return &CompactConfig{
		MinMergeCount:                2,
		OptimalMergeCount:            8,
		MaxMergeCount:                32,
		MaxMergeBytes:                512 << 20,
		MinMergeDuplicationBytes:     1 << 20,
		OptimalMergeDuplicationBytes: 32 << 20,
		MaxMergeSegmentCount:         8,
	}
}

// FullCompactConfig 所有阈值拉满,凡是范围有重叠的都合并掉
func FullCompactConfig() *CompactConfig {
	return &CompactConfig{
		MinMergeCount:                2,
		OptimalMergeCount:            math.MaxInt32,
		MaxMergeCount:                math.MaxInt32,
		MaxMergeBytes:                math.MaxUint64,
		MinMergeDuplicationBytes:     0,
		OptimalMergeDuplicationBytes: math.MaxUint64,
		MaxMergeSegmentCount:         math.MaxInt32,
	}
}
