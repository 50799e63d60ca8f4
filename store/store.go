// Package store maps an unbounded world of voxel blocks onto a forest
// of region files under one root directory.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"golang.org/x/sync/singleflight"

	"github.com/dot5enko/voxel-region/codec"
	"github.com/dot5enko/voxel-region/region"
	"github.com/dot5enko/voxel-region/voxel"
)

type Config struct {
	// Root directory of the region forest.
	Directory string

	// Geometry shared by every region file in the forest.
	Format region.Format

	// Codec name resolved through codec.ByName; empty means the default.
	Codec string

	// Cap on simultaneously open region files; 0 means DefaultMaxOpenRegions.
	MaxOpenRegions int
}

const DefaultMaxOpenRegions = 8

type Store struct {
	cfg        Config
	blockCodec codec.Codec

	// Guards the cache map only. Block IO serializes per entry, so
	// operations on different regions run concurrently.
	regionsLocker sync.RWMutex
	regions       map[voxel.Vector3i]*cacheEntry

	// Deduplicates concurrent opens of the same region file.
	loadGroup singleflight.Group

	useCounter atomic.Uint64
}

func New(cfg Config) (*Store, error) {

	if validateErr := cfg.Format.Validate(); validateErr != nil {
		return nil, validateErr
	}

	blockCodec := codec.Default
	if cfg.Codec != "" {
		c, ok := codec.ByName(cfg.Codec)
		if !ok {
			return nil, fmt.Errorf("unknown codec %q: %w", cfg.Codec, region.ErrInvalidArgument)
		}
		blockCodec = c
	}

	if cfg.MaxOpenRegions == 0 {
		cfg.MaxOpenRegions = DefaultMaxOpenRegions
	}

	return &Store{
		cfg:        cfg,
		blockCodec: blockCodec,
		regions:    make(map[voxel.Vector3i]*cacheEntry),
	}, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// RegionPosition is the coordinate of the region file owning a block.
func (s *Store) RegionPosition(blockPos voxel.Vector3i) voxel.Vector3i {
	rs := s.cfg.Format.RegionSize
	return voxel.V3i(
		floorDiv(blockPos.X, rs.X),
		floorDiv(blockPos.Y, rs.Y),
		floorDiv(blockPos.Z, rs.Z),
	)
}

func (s *Store) localPosition(blockPos, regionPos voxel.Vector3i) voxel.Vector3i {
	rs := s.cfg.Format.RegionSize
	return voxel.V3i(
		blockPos.X-regionPos.X*rs.X,
		blockPos.Y-regionPos.Y*rs.Y,
		blockPos.Z-regionPos.Z*rs.Z,
	)
}

// RegionFilePath is where the region at regionPos lives on disk.
func (s *Store) RegionFilePath(regionPos voxel.Vector3i) string {
	return filepath.Join(s.cfg.Directory,
		fmt.Sprintf("r.%d.%d.%d.%s", regionPos.X, regionPos.Y, regionPos.Z, region.FileExtension))
}

// SaveBlock writes a block at its world position, creating the owning
// region file when needed.
func (s *Store) SaveBlock(blockPos voxel.Vector3i, b *voxel.Buffer) error {
	return s.withRegion(blockPos, true, func(entry *cacheEntry, local voxel.Vector3i) error {
		entry.Writes++
		return entry.file.SaveBlock(local, b)
	})
}

// LoadBlock reads a block at its world position into out. A missing
// region file means a missing block: ErrDoesNotExist.
func (s *Store) LoadBlock(blockPos voxel.Vector3i, out *voxel.Buffer) error {
	return s.withRegion(blockPos, false, func(entry *cacheEntry, local voxel.Vector3i) error {
		entry.Reads++
		return entry.file.LoadBlock(local, out)
	})
}

func (s *Store) HasBlock(blockPos voxel.Vector3i) bool {
	found := false

	err := s.withRegion(blockPos, false, func(entry *cacheEntry, local voxel.Vector3i) error {
		found = entry.file.HasBlock(local)
		return nil
	})

	return err == nil && found
}

// withRegion runs fn with the owning region's entry locked. When a
// fetched entry lost the race against eviction, it is fetched again.
func (s *Store) withRegion(blockPos voxel.Vector3i, create bool, fn func(entry *cacheEntry, local voxel.Vector3i) error) error {

	regionPos := s.RegionPosition(blockPos)
	local := s.localPosition(blockPos, regionPos)

	for {
		entry, getErr := s.getRegion(regionPos, create)
		if getErr != nil {
			return getErr
		}

		entry.locker.Lock()
		if entry.evicted {
			entry.locker.Unlock()
			continue
		}

		entry.lastUsed.Store(s.useCounter.Add(1))

		fnErr := fn(entry, local)
		entry.locker.Unlock()
		return fnErr
	}
}

// getRegion returns the cached region at regionPos, opening (and with
// create, creating) its file on a miss. Concurrent opens of the same
// path collapse into one through the load group.
func (s *Store) getRegion(regionPos voxel.Vector3i, create bool) (*cacheEntry, error) {

	s.regionsLocker.RLock()
	entry, ok := s.regions[regionPos]
	s.regionsLocker.RUnlock()
	if ok {
		return entry, nil
	}

	path := s.RegionFilePath(regionPos)

	opened, openErr, _ := s.loadGroup.Do(path, func() (interface{}, error) {

		// Another flight may have inserted it while we waited.
		s.regionsLocker.RLock()
		cached, ok := s.regions[regionPos]
		s.regionsLocker.RUnlock()
		if ok {
			return cached, nil
		}

		rf := region.NewWithCodec(s.blockCodec)
		if formatErr := rf.SetFormat(s.cfg.Format); formatErr != nil {
			return nil, formatErr
		}

		if fileErr := rf.Open(path, create); fileErr != nil {
			return nil, fileErr
		}

		fresh := newCacheEntry(regionPos, rf)

		s.regionsLocker.Lock()
		s.regions[regionPos] = fresh
		s.evictOverLocked(fresh)
		s.regionsLocker.Unlock()

		return fresh, nil
	})

	if openErr != nil {
		if !create && errors.Is(openErr, os.ErrNotExist) {
			// A region that is not on disk holds no blocks.
			return nil, fmt.Errorf("region %s: %w", regionPos, region.ErrDoesNotExist)
		}
		return nil, openErr
	}

	return opened.(*cacheEntry), nil
}

// evictOverLocked closes least-recently-used regions until the cache
// is back under its cap. Runs with the map write-locked; when the
// least-recently-used entry is busy with block IO, eviction stops and
// the cache stays over its cap until a later eviction.
func (s *Store) evictOverLocked(keep *cacheEntry) {

	for len(s.regions) > s.cfg.MaxOpenRegions {

		var oldest *cacheEntry
		for _, entry := range s.regions {
			if entry == keep {
				continue
			}
			if oldest == nil || entry.lastUsed.Load() < oldest.lastUsed.Load() {
				oldest = entry
			}
		}

		if oldest == nil {
			break
		}

		if !oldest.locker.TryLock() {
			// In use right now; it is also the hottest by definition
			// of being locked, so stop rather than spin.
			break
		}

		if closeErr := oldest.file.Close(); closeErr != nil {
			color.Red("failed to close evicted region %s (entry %s) : %s",
				oldest.pos, oldest.CacheEntryId, closeErr.Error())
		}
		oldest.evicted = true
		oldest.locker.Unlock()

		delete(s.regions, oldest.pos)
	}
}

// CachedRegions snapshots the stats of every currently open region.
func (s *Store) CachedRegions() []RegionStats {
	s.regionsLocker.RLock()
	defer s.regionsLocker.RUnlock()

	stats := make([]RegionStats, 0, len(s.regions))
	for _, entry := range s.regions {
		entry.locker.Lock()
		stats = append(stats, RegionStats{
			Id:      entry.CacheEntryId,
			Pos:     entry.pos,
			Created: entry.Created,
			Reads:   entry.Reads,
			Writes:  entry.Writes,
		})
		entry.locker.Unlock()
	}

	return stats
}

// Close flushes and closes every cached region file.
func (s *Store) Close() error {
	s.regionsLocker.Lock()
	defer s.regionsLocker.Unlock()

	var err error
	for pos, entry := range s.regions {
		entry.locker.Lock()
		if closeErr := entry.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		entry.evicted = true
		entry.locker.Unlock()

		delete(s.regions, pos)
	}

	return err
}
