package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Page layout. A page's byte size is exactly the length of its encoded form.
//
//	header:   id(8) level(1) flags(1) reserved(2) count(4)
//	leaf:     count × [klen(2) vlen(2) key value]
//	internal: child(8) + count × [klen(2) key child(8)]
const (
	pageHeaderSize       = 16
	leafCellOverhead     = 4
	internalCellOverhead = 2
	childRefSize         = 8

	maxItemLen  = 1<<16 - 1
	maxPageSize = 512 << 20
)

func leafCellSize(key, value []byte) int {
	return leafCellOverhead + len(key) + len(value)
}

func internalCellSize(key []byte) int {
	return internalCellOverhead + len(key) + childRefSize
}

// node is one page. level 0 is a leaf; level never changes after creation.
type node struct {
	id    uint64
	level int

	mu sync.RWMutex

	// Guarded by mu. Leaves may additionally be populated under loadMu
	// by a reader holding mu.RLock, see Store.ensureResident.
	size     int
	keys     [][]byte
	values   [][]byte
	children []*node
	next     *node
	dirty    bool

	loadMu  sync.Mutex
	evicted atomic.Bool
	touched atomic.Bool
}

func (n *node) isLeaf() bool { return n.level == 0 }

// search returns the position of key in a leaf and whether it is present.
func (n *node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) >= 0
	})

	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// childIndex returns the child of an internal page that covers key. Child i
// holds keys in [keys[i-1], keys[i]).
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

// computeSize recomputes the byte size from the page contents.
func (n *node) computeSize() int {
	size := pageHeaderSize
	if n.isLeaf() {
		for i := range n.keys {
			size += leafCellSize(n.keys[i], n.values[i])
		}

		return size
	}

	size += childRefSize
	for _, k := range n.keys {
		size += internalCellSize(k)
	}

	return size
}

// leafSplitPoint picks m in [1, len-1] so that keys[:m] and keys[m:] are as
// close in byte size as possible.
func leafSplitPoint(keys, values [][]byte) int {
	total := 0
	for i := range keys {
		total += leafCellSize(keys[i], values[i])
	}

	best, bestMax := 1, -1
	left := 0
	for m := 1; m < len(keys); m++ {
		left += leafCellSize(keys[m-1], values[m-1])
		larger := max(left, total-left)
		if bestMax < 0 || larger < bestMax {
			best, bestMax = m, larger
		}
	}

	return best
}

// internalSplitPoint picks the separator index m. keys[:m] stay, keys[m]
// moves up, keys[m+1:] go right. Both sides keep at least one key when
// there are three or more.
func internalSplitPoint(keys [][]byte) int {
	n := len(keys)
	lo, hi := 0, n-1
	if n >= 3 {
		lo, hi = 1, n-2
	}

	prefix := make([]int, n+1)
	for i, k := range keys {
		prefix[i+1] = prefix[i] + internalCellSize(k)
	}

	best, bestMax := lo, -1
	for m := lo; m <= hi; m++ {
		left := prefix[m]
		right := prefix[n] - prefix[m+1]
		larger := max(left, right)
		if bestMax < 0 || larger < bestMax {
			best, bestMax = m, larger
		}
	}

	return best
}

// encodeLeaf serialises a leaf into exactly n.size bytes.
func encodeLeaf(n *node) []byte {
	buf := make([]byte, n.size)
	binary.LittleEndian.PutUint64(buf[0:8], n.id)
	buf[8] = byte(n.level)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(n.keys)))

	off := pageHeaderSize
	for i, k := range n.keys {
		v := n.values[i]
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(len(v)))
		off += leafCellOverhead
		off += copy(buf[off:], k)
		off += copy(buf[off:], v)
	}

	return buf
}

// decodeLeaf parses a page written by encodeLeaf.
func decodeLeaf(buf []byte, id uint64) (keys, values [][]byte, err error) {
	if len(buf) < pageHeaderSize {
		return nil, nil, fmt.Errorf("page %d: short header (%d bytes)", id, len(buf))
	}
	if got := binary.LittleEndian.Uint64(buf[0:8]); got != id {
		return nil, nil, fmt.Errorf("page %d: slot holds page %d", id, got)
	}
	if buf[8] != 0 {
		return nil, nil, fmt.Errorf("page %d: level %d is not a leaf", id, buf[8])
	}

	count := int(binary.LittleEndian.Uint32(buf[12:16]))
	keys = make([][]byte, 0, count)
	values = make([][]byte, 0, count)

	off := pageHeaderSize
	for i := 0; i < count; i++ {
		if off+leafCellOverhead > len(buf) {
			return nil, nil, fmt.Errorf("page %d: cell %d truncated", id, i)
		}
		klen := int(binary.LittleEndian.Uint16(buf[off:]))
		vlen := int(binary.LittleEndian.Uint16(buf[off+2:]))
		off += leafCellOverhead
		if off+klen+vlen > len(buf) {
			return nil, nil, fmt.Errorf("page %d: cell %d overruns page", id, i)
		}
		keys = append(keys, bytes.Clone(buf[off:off+klen]))
		off += klen
		values = append(values, bytes.Clone(buf[off:off+vlen]))
		off += vlen
	}

	return keys, values, nil
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v

	return s
}
