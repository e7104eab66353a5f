package store

import "errors"

var (
	// ErrCapacity is returned when the cache is full and eviction cannot
	// reclaim enough space.
	ErrCapacity = errors.New("cache capacity exhausted")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrKeyTooLarge is returned for keys longer than leaf_key_max.
	ErrKeyTooLarge = errors.New("key exceeds leaf_key_max")

	// ErrValueTooLarge is returned for values longer than leaf_value_max.
	ErrValueTooLarge = errors.New("value exceeds leaf_value_max")

	// ErrInvalidKey is returned for empty keys or keys that do not match
	// the key format.
	ErrInvalidKey = errors.New("invalid key")

	// ErrCorrupt is returned by verification when a tree invariant is broken.
	ErrCorrupt = errors.New("tree corrupted")

	// ErrCorruptLog is returned when a log record fails its checksum.
	ErrCorruptLog = errors.New("corrupted log record")
)
