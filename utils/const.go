package utils

import (
	"hash/crc32"
	"os"
	"unsafe"
)

// file
const (
	CurrentFilename = "CURRENT"
	LogFilename     = "LOG"

	SstFileSuffix  = ".sst"
	MetaFileSuffix = ".meta"
	BlobFileSuffix = ".blob"
	DelFileSuffix  = ".del"

	DefaultFileFlag = os.O_RDWR | os.O_CREATE | os.O_APPEND
	DefaultFileMode = 0666

	// 文件名里的序列号固定 8 位十进制,目录序即数值序
	SeqNameLen = 8

	MaxFamilies = 256

	Ki int64 = 1 << 10
	Mi int64 = 1 << 20
)

// sst
const (
	// 块是压缩与缓存的单位,攒够目标平均大小就切块
	KeyBlockAvgSize   = 8 << 10
	ValueBlockAvgSize = 128 << 10

	// value 按大小分级:小 value 共享一个块,中等 value 独占一个块,
	// 超过 MaxMediumValueSize 的单独落一个 blob 文件
	MaxSmallValueSize  = 4 << 10
	MaxMediumValueSize = 1 << 20

	// zstd 字典直接取本文件的数据样本,超过上限截断;
	// 数据总量不足 DictDataFactor 倍字典大小时不值得,跳过字典
	KeyDictSize    = 16 << 10
	ValueDictSize  = 64 << 10
	DictDataFactor = 4

	KeyDictID   uint32 = 1
	ValueDictID uint32 = 2
)

// write batch / compaction
const (
	// 单个 family 的待写集合超过任一阈值就提前落盘
	WriteBatchMaxPendingEntries = 1 << 16
	WriteBatchMaxPendingBytes   = 64 << 20

	DataThresholdPerCompactedFile = 256 << 20
	MaxEntriesPerCompactedFile    = 1 << 20
	// value块的下标是u32,但真正的约束是别让单个文件的块索引膨胀
	MaxValueBlocksPerCompactedFile = 4096
)

// amqf
const (
	AmqfFalsePositiveRate = 0.01
	// 构造时多留 5% 容量,避免建满后误判率超标
	AmqfCapacityHeadroom = 1.05
)

// cache
const (
	KeyBlockCacheSize   = 64 << 20
	ValueBlockCacheSize = 256 << 20
)

// codec
var (
	SstMagicText  = [4]byte{'T', 'P', 'S', 'T'}
	MetaMagicText = [4]byte{'T', 'P', 'M', 'T'}
	MagicVersion  = uint32(1)
	// CastagnoliCrcTable is a CRC32 polynomial table
	CastagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)
)

const U32Size = int(unsafe.Sizeof(uint32(0)))
const U64Size = int(unsafe.Sizeof(uint64(0)))
