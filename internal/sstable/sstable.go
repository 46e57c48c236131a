// Package sstable implements the immutable, sorted on-disk file format
// described below:
//
//	+--------------------------------------------------------------+
//	| HEADER (16 bytes)                                             |
//	|   bloom_size  int64                                           |
//	|   index_size  int64                                           |
//	+--------------------------------------------------------------+
//	| DATA REGION  -- entries in ascending key order, each:         |
//	|   key_len     int32                                           |
//	|   key_bytes   key_len bytes                                   |
//	|   value_len   int32                                           |
//	|   value_bytes value_len bytes (may be 0)                      |
//	|   timestamp   int64                                           |
//	|   tombstone   int8 (0/1)                                      |
//	+--------------------------------------------------------------+
//	| BLOOM REGION -- exactly bloom_size bytes                      |
//	+--------------------------------------------------------------+
//	| INDEX REGION -- sparse index:                                 |
//	|   entry_count int32                                           |
//	|   repeated entry_count times:                                 |
//	|     key_len   int32                                           |
//	|     key_bytes key_len bytes                                   |
//	|     offset    int64 (absolute byte offset of the record)      |
//	+--------------------------------------------------------------+
//
// All multi-byte integers are big-endian. Writes go to a sibling "<path>.tmp"
// file and are atomically renamed into place on success, so a crash mid-write
// never leaves a partially written file at the final path.
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"lsmkv/internal/bloom"
	"lsmkv/internal/entry"
)

const headerSize = 16

// ErrCorrupt is returned when an SSTable's header is inconsistent with its
// file size, its index points past the data region, or its bloom region
// fails to deserialize.
var ErrCorrupt = fmt.Errorf("sstable: corrupt data")

type indexEntry struct {
	key    []byte
	offset int64
}

// Table is a resident handle onto an on-disk SSTable: its bloom filter and
// sparse index are cached in memory; the data region stays on disk and is
// read through a freshly opened file handle on every request, so readers
// never share a seek position.
type Table struct {
	Path string

	bloom *bloom.Filter
	index []indexEntry

	dataOffset int64
	dataEnd    int64 // cached at load time so lookups never re-derive it
}

// Create writes entries (already in ascending key order) to path via a
// temp-file-then-rename protocol, sized for a bloom filter targeting false
// positive rate fpr.
func Create(path string, entries []entry.Entry, fpr float64) (*Table, error) {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("sstable: create temp file: %w", err)
	}

	if err := writeTable(f, entries, fpr); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("sstable: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("sstable: rename into place: %w", err)
	}

	return Open(path)
}

func writeTable(f *os.File, entries []entry.Entry, fpr float64) error {
	// Header placeholder, backpatched once region sizes are known.
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		return fmt.Errorf("sstable: write header placeholder: %w", err)
	}

	n := len(entries)
	sampleEvery := 1
	if n >= 100 {
		sampleEvery = (n + 99) / 100
	}

	filter := bloom.NewForEstimate(max(n, 1), fpr)
	w := bufio.NewWriter(f)
	var sparse []indexEntry

	offset := int64(headerSize)
	for i, e := range entries {
		if i%sampleEvery == 0 || n < 100 {
			sparse = append(sparse, indexEntry{key: append([]byte(nil), e.Key...), offset: offset})
		}
		written, err := encodeRecord(w, e)
		if err != nil {
			return fmt.Errorf("sstable: write record: %w", err)
		}
		offset += written
		filter.Add(e.Key)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("sstable: flush data region: %w", err)
	}

	bloomStart, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sstable: seek before bloom region: %w", err)
	}
	if _, err := filter.WriteTo(f); err != nil {
		return fmt.Errorf("sstable: write bloom region: %w", err)
	}
	bloomEnd, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sstable: seek after bloom region: %w", err)
	}
	bloomSize := bloomEnd - bloomStart

	indexStart := bloomEnd
	if err := writeIndex(f, sparse); err != nil {
		return fmt.Errorf("sstable: write index region: %w", err)
	}
	indexEnd, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sstable: seek after index region: %w", err)
	}
	indexSize := indexEnd - indexStart

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("sstable: seek to header: %w", err)
	}
	if err := binary.Write(f, binary.BigEndian, bloomSize); err != nil {
		return fmt.Errorf("sstable: backpatch bloom_size: %w", err)
	}
	if err := binary.Write(f, binary.BigEndian, indexSize); err != nil {
		return fmt.Errorf("sstable: backpatch index_size: %w", err)
	}
	return nil
}

func encodeRecord(w io.Writer, e entry.Entry) (int64, error) {
	var tombstone int8
	if e.Tombstone {
		tombstone = 1
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(e.Key))); err != nil {
		return 0, err
	}
	if _, err := w.Write(e.Key); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(e.Value))); err != nil {
		return 0, err
	}
	if len(e.Value) > 0 {
		if _, err := w.Write(e.Value); err != nil {
			return 0, err
		}
	}
	if err := binary.Write(w, binary.BigEndian, e.Timestamp); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.BigEndian, tombstone); err != nil {
		return 0, err
	}
	return int64(4 + len(e.Key) + 4 + len(e.Value) + 8 + 1), nil
}

func decodeRecord(r io.Reader) (entry.Entry, error) {
	var keyLen int32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return entry.Entry{}, err
	}
	if keyLen < 0 {
		return entry.Entry{}, ErrCorrupt
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return entry.Entry{}, unexpectedEOF(err)
	}

	var valLen int32
	if err := binary.Read(r, binary.BigEndian, &valLen); err != nil {
		return entry.Entry{}, unexpectedEOF(err)
	}
	if valLen < 0 {
		return entry.Entry{}, ErrCorrupt
	}
	var value []byte
	if valLen > 0 {
		value = make([]byte, valLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return entry.Entry{}, unexpectedEOF(err)
		}
	}

	var timestamp int64
	if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
		return entry.Entry{}, unexpectedEOF(err)
	}
	var tombstone int8
	if err := binary.Read(r, binary.BigEndian, &tombstone); err != nil {
		return entry.Entry{}, unexpectedEOF(err)
	}

	e := entry.Entry{Key: key, Timestamp: timestamp, Tombstone: tombstone != 0}
	if !e.Tombstone {
		e.Value = value
	}
	return e, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func writeIndex(w io.Writer, sparse []indexEntry) error {
	if err := binary.Write(w, binary.BigEndian, int32(len(sparse))); err != nil {
		return err
	}
	for _, e := range sparse {
		if err := binary.Write(w, binary.BigEndian, int32(len(e.key))); err != nil {
			return err
		}
		if _, err := w.Write(e.key); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, e.offset); err != nil {
			return err
		}
	}
	return nil
}

// Open loads path's header, bloom filter, and sparse index into memory. The
// data region is left on disk.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	fileLen := info.Size()
	if fileLen < headerSize {
		return nil, fmt.Errorf("%w: %s shorter than header", ErrCorrupt, path)
	}

	var bloomSize, indexSize int64
	if err := binary.Read(f, binary.BigEndian, &bloomSize); err != nil {
		return nil, fmt.Errorf("sstable: read bloom_size: %w", err)
	}
	if err := binary.Read(f, binary.BigEndian, &indexSize); err != nil {
		return nil, fmt.Errorf("sstable: read index_size: %w", err)
	}
	if bloomSize < 0 || indexSize < 0 || headerSize+bloomSize+indexSize > fileLen {
		return nil, fmt.Errorf("%w: %s header inconsistent with file size", ErrCorrupt, path)
	}

	dataEnd := fileLen - bloomSize - indexSize

	if _, err := f.Seek(dataEnd, io.SeekStart); err != nil {
		return nil, fmt.Errorf("sstable: seek to bloom region: %w", err)
	}
	filter, _, err := bloom.ReadFrom(io.LimitReader(f, bloomSize))
	if err != nil {
		return nil, fmt.Errorf("%w: bloom deserialization failed: %v", ErrCorrupt, err)
	}

	if _, err := f.Seek(dataEnd+bloomSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("sstable: seek to index region: %w", err)
	}
	sparse, err := readIndex(io.LimitReader(f, indexSize), dataEnd)
	if err != nil {
		return nil, err
	}

	return &Table{
		Path:       path,
		bloom:      filter,
		index:      sparse,
		dataOffset: headerSize,
		dataEnd:    dataEnd,
	}, nil
}

func readIndex(r io.Reader, dataEnd int64) ([]indexEntry, error) {
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("sstable: read index entry_count: %w", err)
	}
	if count < 0 {
		return nil, ErrCorrupt
	}
	out := make([]indexEntry, 0, count)
	for i := int32(0); i < count; i++ {
		var keyLen int32
		if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
			return nil, fmt.Errorf("sstable: read index key_len: %w", err)
		}
		if keyLen < 0 {
			return nil, ErrCorrupt
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("sstable: read index key: %w", err)
		}
		var offset int64
		if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
			return nil, fmt.Errorf("sstable: read index offset: %w", err)
		}
		if offset < headerSize || offset > dataEnd {
			return nil, fmt.Errorf("%w: index offset %d points outside data region", ErrCorrupt, offset)
		}
		out = append(out, indexEntry{key: key, offset: offset})
	}
	return out, nil
}

// floor returns the absolute offset of the greatest indexed key <= key, or
// the start of the data region if no such key exists.
func (t *Table) floor(key []byte) int64 {
	i := sort.Search(len(t.index), func(i int) bool {
		return compareBytes(t.index[i].key, key) > 0
	})
	if i == 0 {
		return t.dataOffset
	}
	return t.index[i-1].offset
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Get looks up key, consulting the bloom filter first. It returns
// (entry, true, nil) on a hit, (zero, false, nil) on a definite miss, and a
// non-nil error only on I/O or corruption failures.
func (t *Table) Get(key []byte) (entry.Entry, bool, error) {
	if !t.bloom.MightContain(key) {
		return entry.Entry{}, false, nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return entry.Entry{}, false, fmt.Errorf("sstable: open for read: %w", err)
	}
	defer f.Close()

	offset := t.floor(key)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return entry.Entry{}, false, fmt.Errorf("sstable: seek to floor offset: %w", err)
	}

	r := bufio.NewReader(io.LimitReader(f, t.dataEnd-offset))
	for {
		e, err := decodeRecord(r)
		if err == io.EOF {
			return entry.Entry{}, false, nil
		}
		if err != nil {
			return entry.Entry{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		c := compareBytes(e.Key, key)
		if c == 0 {
			return e, true, nil
		}
		if c > 0 {
			return entry.Entry{}, false, nil
		}
	}
}

// All returns every entry in the data region, in ascending key order.
func (t *Table) All() ([]entry.Entry, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open for scan: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(t.dataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("sstable: seek to data region: %w", err)
	}

	r := bufio.NewReader(io.LimitReader(f, t.dataEnd-t.dataOffset))
	var out []entry.Entry
	for {
		e, err := decodeRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes the backing file. Idempotent.
func (t *Table) Delete() error {
	if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sstable: delete %s: %w", t.Path, err)
	}
	return nil
}
