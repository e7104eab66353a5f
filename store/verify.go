package store

import (
	"bytes"
	"context"
	"fmt"
)

// Verify checks the whole tree: page sizes within bounds and consistent with
// their contents, keys ordered and inside their separator bounds, children
// one level down, the leaf chain ordered, and the entry count matching.
// Evicted leaves are read back. It is meant for a quiescent store; with
// concurrent inserts it still holds every latch it relies on.
func (s *Store) Verify() error {
	s.ops.RLock()
	defer s.ops.RUnlock()

	if s.closed.Load() {
		return ErrClosed
	}

	s.rootMu.RLock()
	root := s.root
	root.mu.RLock()
	s.rootMu.RUnlock()

	var entries int64
	err := s.verifyTree(root, nil, nil, &entries)
	root.mu.RUnlock()
	if err != nil {
		return err
	}

	chained, err := s.verifyChain()
	if err != nil {
		return err
	}

	if chained != entries {
		return fmt.Errorf("%w: leaf chain holds %d entries, tree holds %d",
			ErrCorrupt, chained, entries)
	}
	if want := s.Len(); entries != want {
		return fmt.Errorf("%w: tree holds %d entries, store counted %d",
			ErrCorrupt, entries, want)
	}

	return nil
}

// verifyTree checks n, which the caller holds read-latched, and recurses.
func (s *Store) verifyTree(n *node, lo, hi []byte, entries *int64) error {
	if err := s.ensureResident(n); err != nil {
		return err
	}
	if err := s.checkPage(n, lo, hi, true); err != nil {
		return err
	}

	if n.isLeaf() {
		*entries += int64(len(n.keys))

		return nil
	}

	for i, child := range n.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = n.keys[i]
		}

		child.mu.RLock()
		err := s.verifyTree(child, clo, chi, entries)
		child.mu.RUnlock()
		if err != nil {
			return err
		}
	}

	return nil
}

// checkPage validates one latched page against its bounds. Contents of
// evicted leaves are only checked when contents is set and the leaf has
// been made resident by the caller.
func (s *Store) checkPage(n *node, lo, hi []byte, contents bool) error {
	limit := s.internalMax
	if n.isLeaf() {
		limit = s.leafMax
	}
	if n.size > limit {
		return fmt.Errorf("%w: page %d is %d bytes, max %d",
			ErrCorrupt, n.id, n.size, limit)
	}

	if n.isLeaf() && n.evicted.Load() {
		if contents {
			return fmt.Errorf("%w: page %d still evicted", ErrCorrupt, n.id)
		}

		return nil
	}

	if got := n.computeSize(); got != n.size {
		return fmt.Errorf("%w: page %d records %d bytes, holds %d",
			ErrCorrupt, n.id, n.size, got)
	}

	for i := 1; i < len(n.keys); i++ {
		if bytes.Compare(n.keys[i-1], n.keys[i]) >= 0 {
			return fmt.Errorf("%w: page %d keys out of order at %d",
				ErrCorrupt, n.id, i)
		}
	}

	if len(n.keys) > 0 {
		if lo != nil && bytes.Compare(n.keys[0], lo) < 0 {
			return fmt.Errorf("%w: page %d first key below separator",
				ErrCorrupt, n.id)
		}
		if hi != nil && bytes.Compare(n.keys[len(n.keys)-1], hi) >= 0 {
			return fmt.Errorf("%w: page %d last key at or above separator",
				ErrCorrupt, n.id)
		}
	}

	if n.isLeaf() {
		if len(n.values) != len(n.keys) {
			return fmt.Errorf("%w: leaf %d has %d keys and %d values",
				ErrCorrupt, n.id, len(n.keys), len(n.values))
		}

		return nil
	}

	if len(n.children) != len(n.keys)+1 {
		return fmt.Errorf("%w: page %d has %d keys and %d children",
			ErrCorrupt, n.id, len(n.keys), len(n.children))
	}
	for _, c := range n.children {
		if c.level != n.level-1 {
			return fmt.Errorf("%w: page %d at level %d has child %d at level %d",
				ErrCorrupt, n.id, n.level, c.id, c.level)
		}
	}

	return nil
}

// verifyChain walks the leaf chain left to right and returns the number of
// entries seen.
func (s *Store) verifyChain() (int64, error) {
	n := s.leftmostLeaf()

	var (
		entries int64
		last    []byte
	)
	for n != nil {
		if err := s.ensureResident(n); err != nil {
			n.mu.RUnlock()

			return 0, err
		}

		if len(n.keys) > 0 {
			if last != nil && bytes.Compare(last, n.keys[0]) >= 0 {
				n.mu.RUnlock()

				return 0, fmt.Errorf("%w: leaf chain out of order at page %d",
					ErrCorrupt, n.id)
			}
			last = n.keys[len(n.keys)-1]
		}
		entries += int64(len(n.keys))

		next := n.next
		if next != nil {
			next.mu.RLock()
		}
		n.mu.RUnlock()
		n = next
	}

	return entries, nil
}

// VerifyConcurrent checks per-page invariants while inserts keep running.
// Each page is latched only while it is inspected; child bounds are taken
// from the parent at that moment, which stays valid because a page's key
// range only shrinks when it splits. Evicted leaves are not read back.
// It returns the number of pages checked.
func (s *Store) VerifyConcurrent(ctx context.Context) (int, error) {
	s.ops.RLock()
	defer s.ops.RUnlock()

	if s.closed.Load() {
		return 0, ErrClosed
	}

	type frame struct {
		n      *node
		lo, hi []byte
	}

	s.rootMu.RLock()
	stack := []frame{{n: s.root}}
	s.rootMu.RUnlock()

	var pages int
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		f.n.mu.RLock()
		err := s.checkPage(f.n, f.lo, f.hi, false)
		if err == nil && !f.n.isLeaf() {
			for i, child := range f.n.children {
				cf := frame{n: child, lo: f.lo, hi: f.hi}
				if i > 0 {
					cf.lo = f.n.keys[i-1]
				}
				if i < len(f.n.keys) {
					cf.hi = f.n.keys[i]
				}
				stack = append(stack, cf)
			}
		}
		f.n.mu.RUnlock()

		if err != nil {
			return pages, err
		}
		pages++
	}

	return pages, nil
}
