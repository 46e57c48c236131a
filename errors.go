package lsmkv

import "errors"

// Sentinel errors returned by Store operations. Wrapped filesystem/codec
// failures carry context via fmt.Errorf("...: %w", err) rather than being
// reclassified into a sentinel.
var (
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")
	ErrCorruptData     = errors.New("lsmkv: corrupt data")
	ErrClosed          = errors.New("lsmkv: store is closed")
)
