// Command lsmkv-demo exercises a Store end to end: it writes a batch of
// keys, deletes a few, reopens the same data directory, and prints what
// survived.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"lsmkv"
)

func main() {
	dir := flag.String("dir", "lsm_data", "data directory")
	count := flag.Int("count", 200, "number of keys to write")
	memtableMaxSize := flag.Int("memtable-max-size", 1024, "memtable rotation threshold in bytes")
	flag.Parse()

	logger := log.New(os.Stderr, "lsmkv-demo: ", log.LstdFlags)

	store, err := lsmkv.Open(
		lsmkv.WithDataDirectory(*dir),
		lsmkv.WithMemtableMaxSize(*memtableMaxSize),
		lsmkv.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("open: %v", err)
	}

	for i := 0; i < *count; i++ {
		key := fmt.Sprintf("key:%04d", i)
		value := fmt.Sprintf("value:%d", i)
		if err := store.Put([]byte(key), []byte(value)); err != nil {
			logger.Fatalf("put %s: %v", key, err)
		}
	}
	for i := 0; i < *count; i += 10 {
		key := fmt.Sprintf("key:%04d", i)
		if err := store.Delete([]byte(key)); err != nil {
			logger.Fatalf("delete %s: %v", key, err)
		}
	}

	stats := store.Stats()
	fmt.Printf("before close: %d active entries, %d bytes, immutable pending=%v, %d sstables\n",
		stats.ActiveMemtableEntries, stats.ActiveMemtableBytes, stats.HasImmutableMemtable, stats.SSTableCount)

	if err := store.Close(); err != nil {
		logger.Fatalf("close: %v", err)
	}

	reopened, err := lsmkv.Open(
		lsmkv.WithDataDirectory(*dir),
		lsmkv.WithMemtableMaxSize(*memtableMaxSize),
		lsmkv.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	present, absent := 0, 0
	for i := 0; i < *count; i++ {
		key := fmt.Sprintf("key:%04d", i)
		_, ok, err := reopened.Get([]byte(key))
		if err != nil {
			logger.Fatalf("get %s: %v", key, err)
		}
		if ok {
			present++
		} else {
			absent++
		}
	}
	fmt.Printf("after reopen: %d present, %d absent (out of %d)\n", present, absent, *count)
}
