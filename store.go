// Package lsmkv is a persistent, crash-safe key-value store built on a
// log-structured merge tree: a write-ahead log for durability, an
// in-memory memtable for recent writes, and immutable on-disk SSTables
// merged by a background compactor.
package lsmkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"lsmkv/internal/compaction"
	"lsmkv/internal/entry"
	"lsmkv/internal/memtable"
	"lsmkv/internal/sstable"
	"lsmkv/internal/wal"
)

// Store is the public façade over the WAL, the memtable pair, the resident
// SSTable list, and the background flush/compaction workers. All exported
// methods are safe for concurrent use.
type Store struct {
	cfg        config
	sstableDir string

	wal *wal.WAL

	mu        sync.RWMutex
	active    *memtable.Memtable
	immutable *memtable.Memtable
	closed    bool

	sstMu    sync.Mutex
	sstables []*sstable.Table // ascending recency: oldest first, newest last

	compactor       *compaction.Compactor
	sstableSeq      atomic.Uint64 // shared by flush and compaction output naming
	flushCh         chan *memtable.Memtable
	flushWorkerDone chan struct{}

	closeOnce sync.Once
}

// Stats is a point-in-time snapshot of a Store's internal state.
type Stats struct {
	ActiveMemtableBytes   int
	ActiveMemtableEntries int
	HasImmutableMemtable  bool
	SSTableCount          int
}

// Open creates the data directory layout if absent, replays the WAL into a
// fresh memtable, loads any resident SSTables, and starts the background
// flush and compaction workers.
func Open(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(cfg.dataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create data directory: %w", err)
	}
	sstableDir := filepath.Join(cfg.dataDirectory, "sstables")
	if err := os.MkdirAll(sstableDir, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create sstables directory: %w", err)
	}

	walPath := filepath.Join(cfg.dataDirectory, "wal.log")
	w, err := wal.Open(walPath, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("lsmkv: open wal: %w", err)
	}

	recovered, err := w.Recover()
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("lsmkv: recover wal: %w", err)
	}

	tables, err := loadSSTables(sstableDir)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	s := &Store{
		cfg:             cfg,
		sstableDir:      sstableDir,
		wal:             w,
		active:          memtable.New(),
		sstables:        tables,
		flushCh:         make(chan *memtable.Memtable, 1),
		flushWorkerDone: make(chan struct{}),
	}
	for _, e := range recovered {
		s.active.InsertEntry(e)
	}

	s.compactor = compaction.New(sstableDir, s.bloomFPR(), cfg.logger, s.nextSSTableSeq, s.replaceSSTables)
	go s.flushWorker()

	// A recovered memtable, or a store reopened just past its compaction
	// threshold, may already need background work before the first Put.
	s.maybeRotate()
	s.compactor.MaybeCompact(s.sstableSnapshot(), cfg.compactionThresh)

	return s, nil
}

func loadSSTables(dir string) ([]*sstable.Table, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.db"))
	if err != nil {
		return nil, fmt.Errorf("lsmkv: list sstables: %w", err)
	}
	// Filenames embed a millisecond timestamp first, so lexicographic order
	// is chronological order for the lifetime of this format.
	sort.Strings(paths)

	tables := make([]*sstable.Table, 0, len(paths))
	for _, p := range paths {
		tbl, err := sstable.Open(p)
		if err != nil {
			return nil, fmt.Errorf("%w: open sstable %s: %v", ErrCorruptData, p, err)
		}
		tables = append(tables, tbl)
	}
	return tables, nil
}

func (s *Store) bloomFPR() float64 {
	return float64(s.cfg.bloomFPRPercent) / 100.0
}

// Put durably writes value for key. The call blocks until the WAL record
// has been fsync'd.
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 || value == nil {
		return ErrInvalidArgument
	}
	return s.write(entry.New(key, value))
}

// Delete durably records the deletion of key. The call blocks until the
// WAL tombstone record has been fsync'd.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidArgument
	}
	return s.write(entry.NewTombstone(key))
}

func (s *Store) write(e entry.Entry) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	if err := s.wal.Append(e); err != nil {
		s.mu.RUnlock()
		return fmt.Errorf("lsmkv: append wal: %w", err)
	}
	// Insert while still holding the read lock: rotate takes the write lock,
	// so it cannot move this memtable to the flush path before e lands in it.
	s.active.InsertEntry(e)
	s.mu.RUnlock()

	s.maybeRotate()
	return nil
}

// Get returns the value for key, whether it was found, and any error
// encountered while searching the SSTables. A tombstone at any level ends
// the search with (nil, false, nil).
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrInvalidArgument
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, ErrClosed
	}
	active := s.active
	immutable := s.immutable
	s.mu.RUnlock()

	if e, ok := active.Get(key); ok {
		return valueOf(e)
	}
	if immutable != nil {
		if e, ok := immutable.Get(key); ok {
			return valueOf(e)
		}
	}

	tables := s.sstableSnapshot()
	for i := len(tables) - 1; i >= 0; i-- {
		e, ok, err := tables[i].Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("lsmkv: sstable lookup: %w", err)
		}
		if ok {
			return valueOf(e)
		}
	}
	return nil, false, nil
}

func valueOf(e entry.Entry) ([]byte, bool, error) {
	if e.Tombstone {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// maybeRotate checks the active memtable's size and, if it is at or above
// the configured threshold, rotates it into the immutable slot.
func (s *Store) maybeRotate() {
	s.mu.RLock()
	full := !s.closed && s.active.SizeBytes() >= s.cfg.memtableMaxSize
	s.mu.RUnlock()
	if !full {
		return
	}
	s.rotate()
}

// rotate swaps the active memtable for a fresh one and queues the old one
// for background flush. If an immutable memtable from a prior rotation is
// still pending, it is flushed synchronously first, per the rotation
// protocol's single-pending-immutable invariant.
func (s *Store) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.active.SizeBytes() < s.cfg.memtableMaxSize {
		return
	}

	if s.immutable != nil {
		if err := s.flush(s.immutable); err != nil {
			s.cfg.logger.Printf("rotate: synchronous flush of pending immutable memtable failed, deferring rotation: %v", err)
			return
		}
		s.immutable = nil
	}

	if err := s.wal.Clear(); err != nil {
		s.cfg.logger.Printf("rotate: wal clear failed, continuing with uncleared log: %v", err)
	}

	s.immutable = s.active
	s.active = memtable.New()

	imm := s.immutable
	select {
	case s.flushCh <- imm:
	default:
		// The slot still holds a request for a memtable the synchronous
		// flush above already wrote, which the worker would skip as stale.
		// Replace it: only rotate sends on flushCh, under the write lock, so
		// the slot is free once drained.
		select {
		case <-s.flushCh:
		default:
		}
		s.flushCh <- imm
	}
}

// flushWorker is the single dedicated background worker that writes
// immutable memtables to SSTables, keeping flushes from being starved
// behind a running compaction and making shutdown deterministic.
func (s *Store) flushWorker() {
	defer close(s.flushWorkerDone)
	for imm := range s.flushCh {
		s.mu.RLock()
		stillPending := s.immutable == imm
		s.mu.RUnlock()
		if !stillPending {
			// A synchronous flush (from rotate's "flush the old one first"
			// step, or from Close) already handled this memtable; this
			// queued request is stale.
			continue
		}

		if err := s.flush(imm); err != nil {
			s.cfg.logger.Printf("background flush failed, retaining immutable memtable for retry: %v", err)
			continue
		}
		s.mu.Lock()
		if s.immutable == imm {
			s.immutable = nil
		}
		s.mu.Unlock()
	}
}

// flush writes imm's contents to a new SSTable, adds it to the resident
// list, and gives the compactor a chance to run. Called either from the
// background flush worker or synchronously from rotate/Close.
func (s *Store) flush(imm *memtable.Memtable) error {
	entries := imm.Snapshot()
	if len(entries) == 0 {
		return nil
	}

	name := fmt.Sprintf("sstable_%d_%020d.db", time.Now().UnixMilli(), s.nextSSTableSeq())
	path := filepath.Join(s.sstableDir, name)
	tbl, err := sstable.Create(path, entries, s.bloomFPR())
	if err != nil {
		return fmt.Errorf("lsmkv: flush sstable: %w", err)
	}

	s.sstMu.Lock()
	s.sstables = append(s.sstables, tbl)
	s.sstMu.Unlock()

	s.compactor.MaybeCompact(s.sstableSnapshot(), s.cfg.compactionThresh)
	return nil
}

// nextSSTableSeq returns the next value of the single counter shared by
// flush and compaction output, so filenames from either path interleave in
// true creation order when sorted lexicographically.
func (s *Store) nextSSTableSeq() uint64 {
	return s.sstableSeq.Add(1)
}

func (s *Store) sstableSnapshot() []*sstable.Table {
	s.sstMu.Lock()
	defer s.sstMu.Unlock()
	out := make([]*sstable.Table, len(s.sstables))
	copy(out, s.sstables)
	return out
}

// replaceSSTables is the compactor's Replace callback: it splices sources
// out of the resident list and merged in, under the SSTable list's own
// lock. The compactor has already deleted the source files by the time
// this is called.
//
// merged is spliced in ahead of every surviving table, not appended at the
// tail: a compaction runs against a snapshot taken at its start, so any
// table added by a flush that completed while the compaction was still
// running is strictly newer than merged's contents and must keep sorting
// after it, even though it isn't one of sources.
func (s *Store) replaceSSTables(sources []*sstable.Table, merged *sstable.Table) {
	isSource := make(map[*sstable.Table]bool, len(sources))
	for _, t := range sources {
		isSource[t] = true
	}

	s.sstMu.Lock()
	defer s.sstMu.Unlock()
	kept := s.sstables[:0:0]
	for _, t := range s.sstables {
		if !isSource[t] {
			kept = append(kept, t)
		}
	}
	if merged == nil {
		s.sstables = kept
		return
	}
	spliced := make([]*sstable.Table, 0, len(kept)+1)
	spliced = append(spliced, merged)
	spliced = append(spliced, kept...)
	s.sstables = spliced
}

// Stats returns a point-in-time snapshot of the store's internal state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	active := s.active
	hasImmutable := s.immutable != nil
	s.mu.RUnlock()

	return Stats{
		ActiveMemtableBytes:   active.SizeBytes(),
		ActiveMemtableEntries: active.EntryCount(),
		HasImmutableMemtable:  hasImmutable,
		SSTableCount:          len(s.sstableSnapshot()),
	}
}

// Close flushes any pending memtables synchronously, then waits up to ten
// seconds for the background flush and compaction workers to drain before
// closing the WAL. A compaction still running past the deadline is
// abandoned in place: Close does not wait for it, and an output file it
// finishes writing is loaded by the next Open like any other SSTable.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.immutable != nil {
			if err := s.flush(s.immutable); err != nil {
				s.cfg.logger.Printf("close: failed to flush immutable memtable: %v", err)
			}
			s.immutable = nil
		}
		if !s.active.IsEmpty() {
			if err := s.flush(s.active); err != nil {
				s.cfg.logger.Printf("close: failed to flush active memtable: %v", err)
			}
			s.active = memtable.New()
		}
		s.mu.Unlock()

		close(s.flushCh)
		s.compactor.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return awaitDone(gctx, s.flushWorkerDone) })
		g.Go(func() error { return awaitDone(gctx, s.compactor.Done()) })
		_ = g.Wait() // best-effort bounded drain; a timeout abandons, not kills, the stragglers

		if err := s.wal.Close(); err != nil {
			closeErr = fmt.Errorf("lsmkv: close wal: %w", err)
		}
	})
	return closeErr
}

func awaitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
