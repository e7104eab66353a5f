package store

import (
	"sync/atomic"

	"github.com/weiihann/splitstress/config"
)

type counters struct {
	entries        atomic.Int64
	inserts        atomic.Uint64
	updates        atomic.Uint64
	leafSplits     atomic.Uint64
	internalSplits atomic.Uint64
	rootSplits     atomic.Uint64
	deepens        atomic.Uint64
	restarts       atomic.Uint64
	evictions      atomic.Uint64
	pageReads      atomic.Uint64
	pageWrites     atomic.Uint64
	logRecords     atomic.Uint64
	capacityErrors atomic.Uint64
	leafPages      atomic.Int64
	internalPages  atomic.Int64
}

// count bumps a counter that is only kept when statistics are enabled.
func (s *Store) count(c *atomic.Uint64) {
	if s.fast {
		c.Add(1)
	}
}

// Stats is a point-in-time view of the store's counters.
type Stats struct {
	Entries        int64   `json:"entries"`
	Inserts        uint64  `json:"inserts"`
	Updates        uint64  `json:"updates"`
	LeafSplits     uint64  `json:"leaf_splits"`
	InternalSplits uint64  `json:"internal_splits"`
	RootSplits     uint64  `json:"root_splits"`
	Deepens        uint64  `json:"deepens"`
	Restarts       uint64  `json:"restarts"`
	Evictions      uint64  `json:"evictions"`
	PageReads      uint64  `json:"page_reads"`
	PageWrites     uint64  `json:"page_writes"`
	LogRecords     uint64  `json:"log_records"`
	CapacityErrors uint64  `json:"capacity_errors"`
	CacheBytes     int64   `json:"cache_bytes"`
	CacheCapacity  int64   `json:"cache_capacity"`
	LeafPages      int64   `json:"leaf_pages"`
	InternalPages  int64   `json:"internal_pages"`
	Height         int     `json:"height"`
	LeafFill       float64 `json:"leaf_fill,omitempty"`
}

// Stats returns the current counters. With statistics=all it also walks the
// leaves to compute the average fill factor.
func (s *Store) Stats() Stats {
	st := Stats{
		Entries:        s.stats.entries.Load(),
		Inserts:        s.stats.inserts.Load(),
		Updates:        s.stats.updates.Load(),
		LeafSplits:     s.stats.leafSplits.Load(),
		InternalSplits: s.stats.internalSplits.Load(),
		RootSplits:     s.stats.rootSplits.Load(),
		Deepens:        s.stats.deepens.Load(),
		Restarts:       s.stats.restarts.Load(),
		Evictions:      s.stats.evictions.Load(),
		PageReads:      s.stats.pageReads.Load(),
		PageWrites:     s.stats.pageWrites.Load(),
		LogRecords:     s.stats.logRecords.Load(),
		CapacityErrors: s.stats.capacityErrors.Load(),
		CacheBytes:     s.cacheBytes.Load(),
		CacheCapacity:  s.cacheCap,
		LeafPages:      s.stats.leafPages.Load(),
		InternalPages:  s.stats.internalPages.Load(),
		Height:         s.Height(),
	}

	if s.cfg.Statistics == config.StatisticsAll {
		st.LeafFill = s.leafFill()
	}

	return st
}

func (s *Store) leafFill() float64 {
	s.leavesMu.Lock()
	leaves := s.leaves
	s.leavesMu.Unlock()

	var total, count int
	for _, n := range leaves {
		n.mu.RLock()
		total += n.size
		count++
		n.mu.RUnlock()
	}

	if count == 0 {
		return 0
	}

	return float64(total) / float64(count*s.leafMax)
}
