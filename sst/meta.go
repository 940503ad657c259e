package sst

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"turbopersist/amqf"
	"turbopersist/utils"

	"github.com/pkg/errors"
)

// meta文件布局,从前到后:
// magic 4B | version u32 | family u32 | entryCount u32
// entryCount * 36B条目头: seq u32 | flags u32 | minHash u64 | maxHash u64 | size u64 | amqfLen u32
// 各条目的amqf字节区(按条目顺序拼接)
// obsoleteCount u32 | obsoleteCount个seq u32
// usedLen u32 | used-keys过滤器字节区
// crc u32(盖住它之前的全部字节)
//
// 一个meta管一个family在一次提交里产出的所有SST,过滤器只存字节,
// 打开时不解码,谁用谁解析
const (
	metaHeaderSize = 16
	metaEntrySize  = 36
)

// MetaFlagCold 标记冷文件,点查时跳过块缓存的填充
const MetaFlagCold uint32 = 1 << 0

// MetaEntry meta里的一条SST记录
type MetaEntry struct {
	Seq     uint32
	Flags   uint32
	MinHash uint64
	MaxHash uint64
	Size    uint64

	filterData []byte
	filterOnce sync.Once
	filter     *amqf.Filter
	filterErr  error
}

func (e *MetaEntry) IsCold() bool {
	return e.Flags&MetaFlagCold != 0
}

// Filter 惰性解析AMQF,第一次用到才解码
func (e *MetaEntry) Filter() (*amqf.Filter, error) {
	e.filterOnce.Do(func() {
		if e.filter != nil || len(e.filterData) == 0 {
			return
		}
		e.filter, e.filterErr = amqf.ParseFilter(e.filterData)
	})
	return e.filter, e.filterErr
}

// FilterBytes 序列化AMQF,回写meta时用
func (e *MetaEntry) FilterBytes() ([]byte, error) {
	if e.filterData != nil {
		return e.filterData, nil
	}
	if e.filter == nil {
		return nil, nil
	}
	return e.filter.Bytes()
}

// InRange hash是否落在本文件的hash区间里
func (e *MetaEntry) InRange(h uint64) bool {
	return h >= e.MinHash && h <= e.MaxHash
}

// MetaFile 一个打开的meta文件
type MetaFile struct {
	Path     string
	Seq      uint32
	Family   uint32
	Entries  []*MetaEntry
	Obsolete []uint32

	usedData []byte
	usedOnce sync.Once
	used     *amqf.Filter
	usedErr  error
}

// UsedFilter 自上次合并以来被点查命中过的key集合,没有就返回nil
func (m *MetaFile) UsedFilter() (*amqf.Filter, error) {
	m.usedOnce.Do(func() {
		if len(m.usedData) == 0 {
			return
		}
		m.used, m.usedErr = amqf.ParseFilter(m.usedData)
	})
	return m.used, m.usedErr
}

// HasUsedKeys 有没有记录过任何访问
func (m *MetaFile) HasUsedKeys() bool {
	return len(m.usedData) > 0
}

// WriteMetaFile 落一个meta文件,不fsync,提交时统一sync并重开校验
func WriteMetaFile(dir string, seq uint32, family uint32, entries []*MetaEntry,
	obsolete []uint32, used *amqf.Filter) (*MetaFile, error) {

	buf := make([]byte, 0, metaHeaderSize+len(entries)*metaEntrySize)
	buf = append(buf, utils.MetaMagicText[:]...)
	buf = utils.AppendU32(buf, utils.MagicVersion)
	buf = utils.AppendU32(buf, family)
	buf = utils.AppendU32(buf, uint32(len(entries)))

	filters := make([][]byte, len(entries))
	for i, e := range entries {
		fb, err := e.FilterBytes()
		if err != nil {
			return nil, errors.Wrapf(err, "meta %08d entry %08d filter", seq, e.Seq)
		}
		filters[i] = fb
		buf = utils.AppendU32(buf, e.Seq)
		buf = utils.AppendU32(buf, e.Flags)
		buf = utils.AppendU64(buf, e.MinHash)
		buf = utils.AppendU64(buf, e.MaxHash)
		buf = utils.AppendU64(buf, e.Size)
		buf = utils.AppendU32(buf, uint32(len(fb)))
	}
	for _, fb := range filters {
		buf = append(buf, fb...)
	}
	buf = utils.AppendU32(buf, uint32(len(obsolete)))
	for _, s := range obsolete {
		buf = utils.AppendU32(buf, s)
	}
	var usedBytes []byte
	if used != nil {
		var err error
		if usedBytes, err = used.Bytes(); err != nil {
			return nil, errors.Wrap(err, "used filter")
		}
	}
	buf = utils.AppendU32(buf, uint32(len(usedBytes)))
	buf = append(buf, usedBytes...)
	buf = utils.AppendU32(buf, utils.CalculateChecksum(buf))

	path := filepath.Join(dir, utils.SeqName(seq, utils.MetaFileSuffix))
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, utils.DefaultFileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "create meta %s", path)
	}
	w := bufio.NewWriter(fd)
	if _, err = w.Write(buf); err == nil {
		err = w.Flush()
	}
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "write meta %s", path)
	}

	mf := &MetaFile{
		Path:     path,
		Seq:      seq,
		Family:   family,
		Entries:  entries,
		Obsolete: obsolete,
		usedData: usedBytes,
	}
	for i, e := range entries {
		e.filterData = filters[i]
	}
	return mf, nil
}

// Trim 返回一个只保留alive条目的浅拷贝,提交换状态时用,
// 原对象可能还被并发读者引用,不能原地改
func (m *MetaFile) Trim(alive []*MetaEntry) *MetaFile {
	return &MetaFile{
		Path:     m.Path,
		Seq:      m.Seq,
		Family:   m.Family,
		Entries:  alive,
		usedData: m.usedData,
	}
}

// OpenMetaFile 读入并校验一个meta文件,过滤器保持字节态
func OpenMetaFile(path string) (*MetaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read meta %s", path)
	}
	if len(data) < metaHeaderSize+utils.U32Size {
		return nil, errors.Wrapf(utils.ErrTruncate, "meta %s", path)
	}
	body, tail := data[:len(data)-utils.U32Size], data[len(data)-utils.U32Size:]
	if err := utils.VerifyChecksum(body, utils.Bytes2Uint32(tail)); err != nil {
		return nil, errors.Wrapf(err, "meta %s", path)
	}
	if [4]byte(body[:4]) != utils.MetaMagicText {
		return nil, errors.Wrapf(utils.ErrBadMagic, "meta %s", path)
	}
	if v := utils.Bytes2Uint32(body[4:]); v != utils.MagicVersion {
		return nil, errors.Wrapf(utils.ErrBadMagic, "meta %s version %d", path, v)
	}

	seq, suffix, ok := utils.ParseSeqName(filepath.Base(path))
	utils.CondPanic(!ok || suffix != utils.MetaFileSuffix,
		errors.Errorf("meta path %s", path))

	mf := &MetaFile{
		Path:   path,
		Seq:    seq,
		Family: utils.Bytes2Uint32(body[8:]),
	}
	n := int(utils.Bytes2Uint32(body[12:]))
	off := metaHeaderSize
	if len(body) < off+n*metaEntrySize {
		return nil, errors.Wrapf(utils.ErrTruncate, "meta %s entries", path)
	}
	filterLens := make([]int, n)
	for i := 0; i < n; i++ {
		h := body[off+i*metaEntrySize:]
		mf.Entries = append(mf.Entries, &MetaEntry{
			Seq:     utils.Bytes2Uint32(h),
			Flags:   utils.Bytes2Uint32(h[4:]),
			MinHash: utils.Bytes2Uint64(h[8:]),
			MaxHash: utils.Bytes2Uint64(h[16:]),
			Size:    utils.Bytes2Uint64(h[24:]),
		})
		filterLens[i] = int(utils.Bytes2Uint32(h[32:]))
	}
	off += n * metaEntrySize
	for i, e := range mf.Entries {
		if len(body) < off+filterLens[i] {
			return nil, errors.Wrapf(utils.ErrTruncate, "meta %s filters", path)
		}
		if filterLens[i] > 0 {
			e.filterData = body[off : off+filterLens[i]]
		}
		off += filterLens[i]
	}

	if len(body) < off+utils.U32Size {
		return nil, errors.Wrapf(utils.ErrTruncate, "meta %s obsolete", path)
	}
	obsN := int(utils.Bytes2Uint32(body[off:]))
	off += utils.U32Size
	if len(body) < off+obsN*utils.U32Size {
		return nil, errors.Wrapf(utils.ErrTruncate, "meta %s obsolete", path)
	}
	for i := 0; i < obsN; i++ {
		mf.Obsolete = append(mf.Obsolete, utils.Bytes2Uint32(body[off+i*utils.U32Size:]))
	}
	off += obsN * utils.U32Size

	if len(body) < off+utils.U32Size {
		return nil, errors.Wrapf(utils.ErrTruncate, "meta %s used filter", path)
	}
	usedLen := int(utils.Bytes2Uint32(body[off:]))
	off += utils.U32Size
	if len(body) != off+usedLen {
		return nil, errors.Wrapf(utils.ErrTruncate, "meta %s used filter", path)
	}
	if usedLen > 0 {
		mf.usedData = body[off : off+usedLen]
	}
	return mf, nil
}
