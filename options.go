package lsmkv

import (
	"log"
	"os"
)

// config holds the resolved result of applying a slice of Options.
type config struct {
	dataDirectory      string
	memtableMaxSize    int
	sstableMaxSize     int
	bloomFPRPercent    int
	compactionThresh   int
	logger             *log.Logger
}

// Option configures a Store at Open time.
type Option func(*config)

func defaultConfig() config {
	return config{
		dataDirectory:    "lsm_data",
		memtableMaxSize:  1048576,
		sstableMaxSize:   10485760,
		bloomFPRPercent:  1,
		compactionThresh: 4,
		logger:           log.New(os.Stderr, "lsmkv: ", log.LstdFlags),
	}
}

// WithDataDirectory sets the root directory holding wal.log and the
// sstables/ subdirectory. Default "lsm_data".
func WithDataDirectory(path string) Option {
	return func(c *config) { c.dataDirectory = path }
}

// WithMemtableMaxSize sets the approximate byte size at which the active
// memtable rotates into an immutable one awaiting flush. Default 1048576.
func WithMemtableMaxSize(bytes int) Option {
	return func(c *config) { c.memtableMaxSize = bytes }
}

// WithSSTableMaxSize is informational only: it records the target size an
// operator expects flushed SSTables to stay under. The Store does not read
// it; flush and compaction output sizes are not limited by it. Default
// 10485760.
func WithSSTableMaxSize(bytes int) Option {
	return func(c *config) { c.sstableMaxSize = bytes }
}

// WithBloomFilterFPRPercent sets the target false-positive rate, in whole
// percent, of SSTable bloom filters. Default 1 (i.e. 1%).
func WithBloomFilterFPRPercent(pct int) Option {
	return func(c *config) { c.bloomFPRPercent = pct }
}

// WithCompactionThreshold sets the number of resident SSTables at or above
// which a background compaction is scheduled. Default 4.
func WithCompactionThreshold(n int) Option {
	return func(c *config) { c.compactionThresh = n }
}

// WithLogger overrides the logger used for recovery warnings and
// background flush/compaction failures. Default writes to os.Stderr.
func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
