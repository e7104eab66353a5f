package store

import (
	"fmt"
	"log/slog"
	"os"
)

// pageFile stores evicted leaves in fixed-size slots addressed by page id.
// ReadAt/WriteAt are positional, so concurrent use needs no locking.
type pageFile struct {
	f        *os.File
	slotSize int
}

func openPageFile(path string, slotSize int) (*pageFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open page file %s: %w", path, err)
	}

	return &pageFile{f: f, slotSize: slotSize}, nil
}

func (p *pageFile) offset(id uint64) int64 {
	return int64(id) * int64(p.slotSize)
}

func (p *pageFile) write(id uint64, buf []byte) error {
	if len(buf) > p.slotSize {
		return fmt.Errorf("page %d: %d bytes exceeds slot size %d",
			id, len(buf), p.slotSize)
	}
	if _, err := p.f.WriteAt(buf, p.offset(id)); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}

	return nil
}

func (p *pageFile) read(id uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := p.f.ReadAt(buf, p.offset(id)); err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}

	return buf, nil
}

func (p *pageFile) Close() error {
	if err := p.f.Sync(); err != nil {
		p.f.Close()

		return fmt.Errorf("sync page file: %w", err)
	}

	return p.f.Close()
}

const evictPasses = 3

// reserve makes sure the cache has room before an insert descends. Only one
// goroutine evicts at a time; the others wait and re-check.
func (s *Store) reserve() error {
	if s.cacheBytes.Load() < s.cacheCap {
		return nil
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if s.cacheBytes.Load() < s.cacheCap {
		return nil
	}

	// Latched and recently touched leaves are skipped, so a single pass can
	// fall short while others are still evictable.
	for pass := 0; pass < evictPasses && s.cacheBytes.Load() >= s.cacheCap; pass++ {
		if err := s.evict(s.cacheCap - s.headroom); err != nil {
			return err
		}
	}

	if used := s.cacheBytes.Load(); used >= s.cacheCap {
		s.stats.capacityErrors.Add(1)

		return fmt.Errorf("%w: %d of %d bytes in use",
			ErrCapacity, used, s.cacheCap)
	}

	return nil
}

// evict walks the leaves in clock order until cache usage drops to target.
// Recently touched leaves get a second chance. Caller holds evictMu.
func (s *Store) evict(target int64) error {
	if s.pages == nil {
		return nil
	}

	s.leavesMu.Lock()
	leaves := s.leaves
	hand := s.hand
	s.leavesMu.Unlock()

	n := len(leaves)
	if n == 0 {
		return nil
	}

	var (
		evicted int
		i       int
	)
	for ; i < 2*n && s.cacheBytes.Load() > target; i++ {
		ok, err := s.evictLeaf(leaves[(hand+i)%n])
		if err != nil {
			return err
		}
		if ok {
			evicted++
		}
	}

	s.leavesMu.Lock()
	s.hand = (hand + i) % n
	s.leavesMu.Unlock()

	s.logger.Debug("eviction pass",
		slog.Int("evicted", evicted),
		slog.Int("scanned", i),
		slog.Int64("cache_bytes", s.cacheBytes.Load()),
	)

	return nil
}

// evictLeaf writes a leaf out if it is dirty and drops its contents. Busy
// leaves are skipped rather than waited for.
func (s *Store) evictLeaf(n *node) (bool, error) {
	if n.evicted.Load() {
		return false, nil
	}
	if !n.mu.TryLock() {
		return false, nil
	}
	defer n.mu.Unlock()

	if n.evicted.Load() {
		return false, nil
	}
	if n.touched.Swap(false) {
		return false, nil
	}

	if n.dirty {
		if err := s.pages.write(n.id, encodeLeaf(n)); err != nil {
			return false, fmt.Errorf("evict: %w", err)
		}
		s.count(&s.stats.pageWrites)
	}

	n.keys, n.values = nil, nil
	n.dirty = false
	n.evicted.Store(true)
	s.cacheBytes.Add(-int64(n.size))
	s.count(&s.stats.evictions)

	return true, nil
}

// ensureResident reads an evicted leaf back. The caller holds n.mu in either
// mode; concurrent readers serialise on loadMu.
func (s *Store) ensureResident(n *node) error {
	if !n.isLeaf() {
		return nil
	}
	n.touched.Store(true)

	if !n.evicted.Load() {
		return nil
	}

	n.loadMu.Lock()
	defer n.loadMu.Unlock()

	if !n.evicted.Load() {
		return nil
	}

	buf, err := s.pages.read(n.id, n.size)
	if err != nil {
		return err
	}

	keys, values, err := decodeLeaf(buf, n.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	n.keys, n.values = keys, values
	n.evicted.Store(false)
	s.cacheBytes.Add(int64(n.size))
	s.count(&s.stats.pageReads)

	return s.relieve()
}

// relieve evicts back down after a read-back pushed the cache over capacity.
// Unlike reserve it does not fail when nothing more can go; the caller's own
// leaf is latched and therefore skipped.
func (s *Store) relieve() error {
	if s.cacheBytes.Load() <= s.cacheCap {
		return nil
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if s.cacheBytes.Load() <= s.cacheCap {
		return nil
	}

	return s.evict(s.cacheCap - s.headroom)
}

// checkpoint writes every dirty resident leaf to the page file.
func (s *Store) checkpoint() error {
	s.leavesMu.Lock()
	leaves := s.leaves
	s.leavesMu.Unlock()

	for _, n := range leaves {
		n.mu.Lock()
		if !n.evicted.Load() && n.dirty {
			if err := s.pages.write(n.id, encodeLeaf(n)); err != nil {
				n.mu.Unlock()

				return fmt.Errorf("checkpoint: %w", err)
			}
			n.dirty = false
			s.count(&s.stats.pageWrites)
		}
		n.mu.Unlock()
	}

	return nil
}
