package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dot5enko/voxel-region/region"
	"github.com/dot5enko/voxel-region/voxel"
)

// cacheEntry tracks one open region file and its usage stats.
type cacheEntry struct {
	CacheEntryId uuid.UUID

	pos  voxel.Vector3i
	file *region.RegionFile

	// Serializes block IO on this region: the region file itself is
	// single-owner. Eviction only closes entries it can TryLock.
	locker sync.Mutex

	// Set under locker when eviction closed the file; holders must
	// re-fetch from the cache.
	evicted bool

	Created time.Time

	// Guarded by locker.
	Reads  uint64
	Writes uint64

	// Monotonic use counter; smaller means colder.
	lastUsed atomic.Uint64
}

func newCacheEntry(pos voxel.Vector3i, file *region.RegionFile) *cacheEntry {

	uid, _ := uuid.NewV7()

	return &cacheEntry{
		CacheEntryId: uid,
		pos:          pos,
		file:         file,
		Created:      time.Now(),
	}
}

// RegionStats is a snapshot of one cached region, keyed by the cache
// entry id so successive generations of the same region position can
// be told apart.
type RegionStats struct {
	Id  uuid.UUID
	Pos voxel.Vector3i

	Created time.Time
	Reads   uint64
	Writes  uint64
}
