package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// RecentStore holds the set of recently-played track IDs the resolver uses
// to bias away from immediate repeats. The Bloom filter makes the common
// negative lookup cheap; the LRU bounds memory when snapshots grow.
type RecentStore struct {
	trackIDs          map[string]struct{}
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[string, struct{}]
	mutex             sync.RWMutex
	maxTracks         int
	falsePositiveRate float64
}

// NewRecentStore creates a store bounded to maxTracks entries.
func NewRecentStore(maxTracks int, falsePositiveRate float64) *RecentStore {
	if maxTracks < 1 {
		maxTracks = 1
	}
	lruCache, _ := lru.New[string, struct{}](maxTracks)

	return &RecentStore{
		trackIDs:          make(map[string]struct{}),
		bloom:             bloom.NewWithEstimates(uint(maxTracks), falsePositiveRate),
		lru:               lruCache,
		maxTracks:         maxTracks,
		falsePositiveRate: falsePositiveRate,
	}
}

// Has checks whether a track ID was recently played.
func (rs *RecentStore) Has(trackID string) bool {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()

	if !rs.bloom.TestString(trackID) {
		return false
	}
	_, exists := rs.trackIDs[trackID]
	return exists
}

// ReplaceAll swaps in a fresh recently-played snapshot.
func (rs *RecentStore) ReplaceAll(trackIDs []string) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	rs.trackIDs = make(map[string]struct{}, len(trackIDs))
	rs.bloom = bloom.NewWithEstimates(uint(rs.maxTracks), rs.falsePositiveRate)
	rs.lru.Purge()

	for _, trackID := range trackIDs {
		if trackID == "" {
			continue
		}
		rs.trackIDs[trackID] = struct{}{}
		rs.bloom.AddString(trackID)
		rs.lru.Add(trackID, struct{}{})
	}

	for len(rs.trackIDs) > rs.maxTracks {
		oldestKey, _, ok := rs.lru.GetOldest()
		if !ok {
			break
		}
		delete(rs.trackIDs, oldestKey)
		rs.lru.Remove(oldestKey)
	}
}

// Size returns the number of track IDs currently stored.
func (rs *RecentStore) Size() int {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	return len(rs.trackIDs)
}
