package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/weiihann/splitstress/config"
)

const (
	pageFileName = "pages.db"
	logFileName  = "wal.log"
)

// Config describes a store instance.
type Config struct {
	// Home holds the page file and log. Empty keeps everything in memory,
	// in which case nothing can be evicted.
	Home       string
	CacheSize  config.Size
	LogEnabled bool
	Statistics config.StatisticsMode
	Table      config.Table
	Logger     *slog.Logger
}

// FromConfig extracts the store settings from a run configuration.
func FromConfig(cfg config.Config, logger *slog.Logger) Config {
	return Config{
		Home:       cfg.Home,
		CacheSize:  cfg.Connection.CacheSize,
		LogEnabled: cfg.Connection.Log.Enabled,
		Statistics: cfg.Connection.Statistics,
		Table:      cfg.Table,
		Logger:     logger,
	}
}

// Store is a concurrent B+tree with byte-bounded pages.
type Store struct {
	cfg    Config
	logger *slog.Logger

	leafMax         int
	internalMax     int
	maxInternalCell int
	stringKeys      bool

	rootMu sync.RWMutex
	root   *node

	nextID atomic.Uint64

	cacheCap   int64
	headroom   int64
	cacheBytes atomic.Int64
	evictMu    sync.Mutex
	leavesMu   sync.Mutex
	leaves     []*node
	hand       int

	pages *pageFile
	wal   *wal

	stats counters
	fast  bool

	ops       sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// CheckConfig reports whether cfg describes a usable layout without opening
// anything.
func CheckConfig(cfg Config) error {
	if err := cfg.Table.Validate(); err != nil {
		return err
	}

	return validateLayout(cfg)
}

// Open creates a new, empty store. Existing files in Home are replaced.
// Inconsistent page or item limits yield a *config.ConfigError.
func Open(cfg Config) (*Store, error) {
	if err := CheckConfig(cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Store{
		cfg:             cfg,
		logger:          logger,
		leafMax:         cfg.Table.LeafPageMax.Bytes(),
		internalMax:     cfg.Table.InternalPageMax.Bytes(),
		maxInternalCell: internalCellOverhead + cfg.Table.LeafKeyMax.Bytes() + childRefSize,
		stringKeys:      cfg.Table.KeyFormat == "S",
		cacheCap:        int64(cfg.CacheSize),
		headroom:        min(int64(cfg.Table.MemoryPageMax), int64(cfg.CacheSize)/10),
		fast:            cfg.Statistics != config.StatisticsNone,
	}

	if cfg.Home != "" {
		if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
			return nil, fmt.Errorf("create home %s: %w", cfg.Home, err)
		}

		pages, err := openPageFile(
			filepath.Join(cfg.Home, pageFileName), s.leafMax,
		)
		if err != nil {
			return nil, err
		}
		s.pages = pages

		if cfg.LogEnabled {
			w, err := openWAL(filepath.Join(cfg.Home, logFileName))
			if err != nil {
				pages.Close()

				return nil, err
			}
			s.wal = w
		}
	}

	s.root = s.newNode(0)
	s.track(s.root)

	s.logger.Debug("store opened",
		slog.String("home", cfg.Home),
		slog.String("cache_size", cfg.CacheSize.String()),
		slog.String("table", cfg.Table.TableString()),
	)

	return s, nil
}

func validateLayout(cfg Config) error {
	t := cfg.Table

	if t.LeafPageMax > maxPageSize {
		return config.Invalid("table.leaf_page_max",
			fmt.Sprintf("%s exceeds %s", t.LeafPageMax, config.Size(maxPageSize)))
	}
	if t.InternalPageMax > maxPageSize {
		return config.Invalid("table.internal_page_max",
			fmt.Sprintf("%s exceeds %s", t.InternalPageMax, config.Size(maxPageSize)))
	}
	if t.LeafKeyMax > maxItemLen {
		return config.Invalid("table.leaf_key_max",
			fmt.Sprintf("%s exceeds %d", t.LeafKeyMax, maxItemLen))
	}
	if t.LeafValueMax > maxItemLen {
		return config.Invalid("table.leaf_value_max",
			fmt.Sprintf("%s exceeds %d", t.LeafValueMax, maxItemLen))
	}

	// Splitting an overflowing page must leave both halves within the
	// page max, which holds when a single cell is at most half of the
	// page's usable space.
	leafCell := leafCellOverhead + t.LeafKeyMax.Bytes() + t.LeafValueMax.Bytes()
	if 2*leafCell > t.LeafPageMax.Bytes()-pageHeaderSize {
		return config.Invalid("table.leaf_page_max", fmt.Sprintf(
			"%s cannot hold two cells of leaf_key_max+leaf_value_max (%d bytes each)",
			t.LeafPageMax, leafCell))
	}

	internalCell := internalCellOverhead + t.LeafKeyMax.Bytes() + childRefSize
	if 2*internalCell > t.InternalPageMax.Bytes()-pageHeaderSize-childRefSize {
		return config.Invalid("table.internal_page_max", fmt.Sprintf(
			"%s cannot hold two separators of leaf_key_max (%d bytes each)",
			t.InternalPageMax, internalCell))
	}

	if cfg.CacheSize < 4*max(t.LeafPageMax, t.InternalPageMax) {
		return config.Invalid("connection.cache_size",
			fmt.Sprintf("%s holds fewer than four pages", cfg.CacheSize))
	}

	return nil
}

// newNode allocates an empty page and charges it to the cache. New leaves
// are not evictable until they are passed to track.
func (s *Store) newNode(level int) *node {
	n := &node{
		id:    s.nextID.Add(1),
		level: level,
		size:  pageHeaderSize,
		dirty: true,
	}
	if level > 0 {
		n.size += childRefSize
		s.stats.internalPages.Add(1)
	} else {
		s.stats.leafPages.Add(1)
	}
	s.cacheBytes.Add(int64(n.size))

	return n
}

// track hands a fully built leaf to the evictor. From here on the leaf's
// contents may only change under its latch.
func (s *Store) track(n *node) {
	n.touched.Store(true)

	s.leavesMu.Lock()
	s.leaves = append(s.leaves, n)
	s.leavesMu.Unlock()
}

func (s *Store) checkItem(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > s.cfg.Table.LeafKeyMax.Bytes() {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	if len(value) > s.cfg.Table.LeafValueMax.Bytes() {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	if s.stringKeys && bytes.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: string key contains NUL", ErrInvalidKey)
	}

	return nil
}

// Insert stores value under key, overwriting any existing value.
func (s *Store) Insert(key, value []byte) error {
	s.ops.RLock()
	defer s.ops.RUnlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.checkItem(key, value); err != nil {
		return err
	}
	if err := s.reserve(); err != nil {
		return err
	}

	key = bytes.Clone(key)
	value = bytes.Clone(value)
	if value == nil {
		value = []byte{}
	}

	done, err := s.insertOptimistic(key, value)
	if err != nil || done {
		return err
	}

	s.count(&s.stats.restarts)

	return s.insertPessimistic(key, value)
}

// insertOptimistic descends with read latches and write-latches only the
// leaf. It reports false when the leaf would overflow.
func (s *Store) insertOptimistic(key, value []byte) (bool, error) {
	s.rootMu.RLock()
	n := s.root
	if n.isLeaf() {
		n.mu.Lock()
	} else {
		n.mu.RLock()
	}
	s.rootMu.RUnlock()

	for !n.isLeaf() {
		child := n.children[n.childIndex(key)]
		if child.isLeaf() {
			child.mu.Lock()
		} else {
			child.mu.RLock()
		}
		n.mu.RUnlock()
		n = child
	}
	defer n.mu.Unlock()

	if err := s.ensureResident(n); err != nil {
		return false, err
	}

	idx, found := n.search(key)
	if n.size+s.leafDelta(n, idx, found, key, value) > s.leafMax {
		return false, nil
	}

	return true, s.applyLeaf(n, idx, found, key, value)
}

// insertPessimistic descends with write latches, releasing ancestors as soon
// as a page is known to absorb a split below it, then splits and propagates.
func (s *Store) insertPessimistic(key, value []byte) error {
	s.rootMu.Lock()
	rootHeld := true

	var path []*node
	release := func() {
		for _, p := range path {
			p.mu.Unlock()
		}
		path = path[:0]
		if rootHeld {
			s.rootMu.Unlock()
			rootHeld = false
		}
	}

	n := s.root
	n.mu.Lock()

	for !n.isLeaf() {
		if n.size+s.maxInternalCell <= s.internalMax {
			release()
		}
		path = append(path, n)

		child := n.children[n.childIndex(key)]
		child.mu.Lock()
		n = child
	}

	leaf := n
	defer leaf.mu.Unlock()
	defer release()

	if err := s.ensureResident(leaf); err != nil {
		return err
	}

	idx, found := leaf.search(key)
	if leaf.size+s.leafDelta(leaf, idx, found, key, value) <= s.leafMax {
		release()

		return s.applyLeaf(leaf, idx, found, key, value)
	}

	if err := s.applyLeaf(leaf, idx, found, key, value); err != nil {
		return err
	}

	sep, right := s.splitLeaf(leaf)
	child := leaf

	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i]
		s.addSeparator(parent, sep, right)
		if parent.size <= s.internalMax {
			return nil
		}

		if parent == s.root && rootHeld && s.canDeepen(parent) {
			s.deepenRoot(parent)

			return nil
		}

		sep, right = s.splitInternal(parent)
		child = parent
	}

	if !rootHeld || child != s.root {
		// A released ancestor always has room for one separator.
		return fmt.Errorf("%w: split of page %d escaped its latched path",
			ErrCorrupt, child.id)
	}

	s.growRoot(child, sep, right)

	return nil
}

func (s *Store) leafDelta(n *node, idx int, found bool, key, value []byte) int {
	if found {
		return len(value) - len(n.values[idx])
	}

	return leafCellSize(key, value)
}

// applyLeaf inserts or overwrites one cell. The caller holds the leaf's
// write latch and has made it resident.
func (s *Store) applyLeaf(n *node, idx int, found bool, key, value []byte) error {
	if s.wal != nil {
		if err := s.wal.append(key, value); err != nil {
			return fmt.Errorf("log insert: %w", err)
		}
		s.stats.logRecords.Add(1)
	}

	delta := s.leafDelta(n, idx, found, key, value)
	if found {
		n.values[idx] = value
		s.count(&s.stats.updates)
	} else {
		n.keys = insertAt(n.keys, idx, key)
		n.values = insertAt(n.values, idx, value)
		s.stats.entries.Add(1)
		s.count(&s.stats.inserts)
	}

	n.size += delta
	n.dirty = true
	s.cacheBytes.Add(int64(delta))

	return nil
}

// splitLeaf moves the upper half of an overflowing leaf into a new right
// sibling and returns the separator (the sibling's first key).
func (s *Store) splitLeaf(n *node) ([]byte, *node) {
	before := n.size
	m := leafSplitPoint(n.keys, n.values)

	right := s.newNode(0)
	right.keys = append([][]byte(nil), n.keys[m:]...)
	right.values = append([][]byte(nil), n.values[m:]...)
	right.next = n.next

	n.keys = n.keys[:m]
	n.values = n.values[:m]
	n.next = right

	n.size = n.computeSize()
	right.size = right.computeSize()
	s.cacheBytes.Add(int64(n.size + right.size - before - pageHeaderSize))

	sep := right.keys[0]
	s.track(right)

	s.count(&s.stats.leafSplits)

	return sep, right
}

// splitInternal moves the upper half of an overflowing internal page into a
// new right sibling and returns the separator promoted to the parent.
func (s *Store) splitInternal(n *node) ([]byte, *node) {
	before := n.size
	m := internalSplitPoint(n.keys)
	sep := n.keys[m]

	right := s.newNode(n.level)
	right.keys = append([][]byte(nil), n.keys[m+1:]...)
	right.children = append([]*node(nil), n.children[m+1:]...)

	n.keys = n.keys[:m]
	n.children = n.children[:m+1]

	n.size = n.computeSize()
	right.size = right.computeSize()
	s.cacheBytes.Add(int64(n.size + right.size - before - pageHeaderSize - childRefSize))

	s.count(&s.stats.internalSplits)

	return sep, right
}

// addSeparator links right into parent after the child covering sep.
func (s *Store) addSeparator(parent *node, sep []byte, right *node) {
	i := parent.childIndex(sep)
	parent.keys = insertAt(parent.keys, i, sep)
	parent.children = insertAt(parent.children, i+1, right)

	cell := internalCellSize(sep)
	parent.size += cell
	s.cacheBytes.Add(int64(cell))
}

// growRoot puts a new root above old and right. Caller holds rootMu.
func (s *Store) growRoot(old *node, sep []byte, right *node) {
	root := s.newNode(old.level + 1)
	root.keys = [][]byte{sep}
	root.children = []*node{old, right}

	cell := internalCellSize(sep)
	root.size += cell
	s.cacheBytes.Add(int64(cell))

	s.root = root

	s.count(&s.stats.rootSplits)
	s.logger.Debug("root split",
		slog.Int("height", root.level+1),
		slog.Uint64("root", root.id),
	)
}

func (s *Store) canDeepen(n *node) bool {
	minChild := s.cfg.Table.SplitDeepenMinChild

	return minChild > 0 && len(n.children) >= minChild
}

// deepenRoot splits an overflowing root into as many half-full children as
// its contents need and puts a new root above them. old keeps the first
// group so its identity (and latch) stays valid for waiters.
func (s *Store) deepenRoot(old *node) {
	target := s.internalMax / 2
	before := old.size

	type group struct{ lo, hi int } // children[lo:hi+1], keys[lo:hi]
	var (
		groups   []group
		promoted [][]byte
	)

	start, cur := 0, pageHeaderSize+childRefSize
	for j, k := range old.keys {
		cell := internalCellSize(k)
		if cur+cell > target && j > start {
			groups = append(groups, group{start, j})
			promoted = append(promoted, k)
			start, cur = j+1, pageHeaderSize+childRefSize

			continue
		}
		cur += cell
	}
	groups = append(groups, group{start, len(old.children) - 1})

	// Groups are copied out of the original slices; old is reassigned below.
	keys, children := old.keys, old.children

	root := s.newNode(old.level + 1)
	root.children = make([]*node, 0, len(groups))

	var added int
	for gi, g := range groups {
		n := old
		if gi > 0 {
			n = s.newNode(old.level)
			added += n.size
		}
		n.keys = append([][]byte(nil), keys[g.lo:g.hi]...)
		n.children = append([]*node(nil), children[g.lo:g.hi+1]...)
		n.size = n.computeSize()
		root.children = append(root.children, n)
	}
	root.keys = promoted
	root.size = root.computeSize()

	after := root.size
	for _, c := range root.children {
		after += c.size
	}
	// newNode already charged empty pages; settle the remainder.
	s.cacheBytes.Add(int64(after - before - added - (pageHeaderSize + childRefSize)))

	s.root = root

	s.count(&s.stats.deepens)
	s.logger.Debug("root deepened",
		slog.Int("children", len(root.children)),
		slog.Int("height", root.level+1),
	)
}

// Get returns the value stored under key.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	s.ops.RLock()
	defer s.ops.RUnlock()

	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	s.rootMu.RLock()
	n := s.root
	n.mu.RLock()
	s.rootMu.RUnlock()

	for !n.isLeaf() {
		child := n.children[n.childIndex(key)]
		child.mu.RLock()
		n.mu.RUnlock()
		n = child
	}
	defer n.mu.RUnlock()

	if err := s.ensureResident(n); err != nil {
		return nil, false, err
	}

	idx, found := n.search(key)
	if !found {
		return nil, false, nil
	}

	return bytes.Clone(n.values[idx]), true, nil
}

// Len returns the number of distinct keys.
func (s *Store) Len() int64 {
	return s.stats.entries.Load()
}

// Keys returns every key in order by walking the leaf chain.
func (s *Store) Keys() ([][]byte, error) {
	s.ops.RLock()
	defer s.ops.RUnlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	n := s.leftmostLeaf()
	keys := make([][]byte, 0, s.Len())

	for n != nil {
		if err := s.ensureResident(n); err != nil {
			n.mu.RUnlock()

			return nil, err
		}
		for _, k := range n.keys {
			keys = append(keys, bytes.Clone(k))
		}

		next := n.next
		if next != nil {
			next.mu.RLock()
		}
		n.mu.RUnlock()
		n = next
	}

	return keys, nil
}

// leftmostLeaf returns the first leaf, read-latched.
func (s *Store) leftmostLeaf() *node {
	s.rootMu.RLock()
	n := s.root
	n.mu.RLock()
	s.rootMu.RUnlock()

	for !n.isLeaf() {
		child := n.children[0]
		child.mu.RLock()
		n.mu.RUnlock()
		n = child
	}

	return n
}

// Height returns the number of levels in the tree.
func (s *Store) Height() int {
	s.rootMu.RLock()
	defer s.rootMu.RUnlock()

	return s.root.level + 1
}

// Close checkpoints dirty leaves to the page file, flushes the log and
// releases files. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.ops.Lock()
		s.closed.Store(true)
		s.ops.Unlock()

		var errs []error
		if s.pages != nil {
			if err := s.checkpoint(); err != nil {
				errs = append(errs, err)
			}
			if err := s.pages.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.wal != nil {
			if err := s.wal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)

		s.logger.Debug("store closed", slog.Int64("entries", s.Len()))
	})

	return s.closeErr
}
