// Package store implements a page-oriented B+tree whose pages are bounded by
// byte size rather than entry count. It is built to be hammered by many
// concurrent inserters so that page splits race with each other.
//
// Layout:
//
//	root ──► internal pages (separator keys + child refs)
//	           │
//	           ▼
//	         leaf pages (sorted key/value cells) ──next──► leaf ──next──► ...
//
// Concurrency:
//   - Each page has a latch (sync.RWMutex). Latches are taken top-down with
//     lock coupling, or left to right along the leaf chain.
//   - Inserts first descend optimistically (read latches, write latch on the
//     leaf). If the leaf cannot absorb the entry the insert restarts with
//     write latches, keeping every ancestor that might need a separator.
//   - The root pointer has its own latch; replacing the root requires it.
//   - Eviction never waits on a latch (TryLock), so it cannot deadlock with
//     a descent.
//
// Cache:
//   - Every resident page is charged its byte size against the cache. When
//     the cache is full, clean and dirty leaves are evicted in clock order to
//     a page file with fixed-size slots; evicted leaves are read back on access.
//   - A read-back that pushes the cache over capacity evicts other leaves
//     before returning.
//   - Internal pages are pinned: they are charged against the cache but never
//     evicted, so a tree whose internal pages outgrow the cache fails inserts
//     with ErrCapacity.
//   - A new leaf becomes visible to the evictor only once it is fully built.
package store
