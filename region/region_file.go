package region

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dot5enko/voxel-region/codec"
	rio "github.com/dot5enko/voxel-region/io"
	"github.com/dot5enko/voxel-region/voxel"
)

// RegionFile packs a 3D grid of compressed voxel blocks into one file
// of fixed-size sectors, with random access load and save.
//
// Not safe for concurrent use: a region file has a single owner.
type RegionFile struct {
	filePath string
	file     rio.FileAccess

	blockCodec codec.Codec

	header            header
	blocksBeginOffset int64

	// sectors[i] is the position of the block owning sector i.
	// Rebuilt from the LUT on open, maintained by every save.
	sectors []voxel.Vector3i

	headerModified   bool
	formatConfigured bool
}

func New() *RegionFile {
	return NewWithCodec(codec.Default)
}

func NewWithCodec(c codec.Codec) *RegionFile {
	return &RegionFile{
		header: header{
			version: FormatVersion,
			format:  DefaultFormat(),
		},
		blockCodec: c,
	}
}

// SetFormat configures the geometry used when the file is created.
// It must be called before Open and is rejected afterwards.
func (r *RegionFile) SetFormat(format Format) error {
	if r.file != nil {
		return fmt.Errorf("cannot set format when the file is already open: %w", ErrInvalidArgument)
	}

	if validateErr := format.Validate(); validateErr != nil {
		return validateErr
	}

	// This will be the format used to create the next file if it is
	// not found on Open.
	r.header.format = format
	r.header.blocks = make([]BlockInfo, format.RegionSize.Volume())
	r.formatConfigured = true

	return nil
}

func (r *RegionFile) Format() Format {
	return r.header.format
}

// Version is the on-disk format version currently loaded.
func (r *RegionFile) Version() uint8 {
	return r.header.version
}

func (r *RegionFile) IsOpen() bool {
	return r.file != nil
}

// Open opens a region file, creating it (and its directory chain) when
// missing and createIfMissing is set. On creation the header is
// written immediately, so even an empty region is a valid file.
func (r *RegionFile) Open(fpath string, createIfMissing bool) error {
	r.Close()

	r.filePath = fpath

	f := rio.NewFile(fpath)

	if !f.Exists() {
		if !createIfMissing {
			return fmt.Errorf("region file %s: %w", fpath, os.ErrNotExist)
		}

		// Region forests keep files in nested folders.
		if dirErr := os.MkdirAll(filepath.Dir(fpath), 0755); dirErr != nil {
			return fmt.Errorf("%s: %w", dirErr.Error(), ErrCantCreate)
		}

		if openErr := f.Open(true); openErr != nil {
			return openErr
		}

		r.file = f
		r.header.version = FormatVersion
		r.header.blocks = make([]BlockInfo, r.header.format.RegionSize.Volume())

		if saveErr := r.saveHeader(); saveErr != nil {
			f.Close()
			r.file = nil
			return saveErr
		}

		return nil
	}

	if openErr := f.Open(false); openErr != nil {
		return openErr
	}
	r.file = f

	if headerErr := r.loadHeader(); headerErr != nil {
		f.Close()
		r.file = nil
		return headerErr
	}

	r.rebuildSectorIndex()

	return nil
}

// rebuildSectorIndex reconstructs the sector ownership list from the
// LUT. Live ranges are contiguous and disjoint, so sorting present
// blocks by sector index yields the unique canonical assignment.
func (r *RegionFile) rebuildSectorIndex() {

	type blockAndIndex struct {
		b BlockInfo
		i int
	}

	present := make([]blockAndIndex, 0, len(r.header.blocks))
	for i, b := range r.header.blocks {
		if b.Present() {
			present = append(present, blockAndIndex{b, i})
		}
	}

	sort.Slice(present, func(a, b int) bool {
		return present[a].b.SectorIndex() < present[b].b.SectorIndex()
	})

	if len(r.sectors) != 0 {
		panic("sector index rebuilt twice")
	}
	for _, p := range present {
		bpos := voxel.FromZXYIndex(p.i, r.header.format.RegionSize)
		for j := uint32(0); j < p.b.SectorCount(); j++ {
			r.sectors = append(r.sectors, bpos)
		}
	}
}

// Close flushes the LUT if it is dirty and releases the file handle.
// A flush failure is reported but does not prevent the close.
func (r *RegionFile) Close() error {
	var err error

	if r.file != nil {
		if r.headerModified {
			err = r.saveHeader()
		}

		closeErr := r.file.Close()
		if err == nil {
			err = closeErr
		}
		r.file = nil
	}

	r.sectors = nil
	return err
}

func (r *RegionFile) blockIndexInHeader(pos voxel.Vector3i) int {
	return pos.ZXYIndex(r.header.format.RegionSize)
}

// PositionFromBlockIndex recovers the 3D position of a LUT slot.
func (r *RegionFile) PositionFromBlockIndex(i int) voxel.Vector3i {
	return voxel.FromZXYIndex(i, r.header.format.RegionSize)
}

func (r *RegionFile) HeaderBlockCount() int {
	return len(r.header.blocks)
}

// SectorCount is the number of occupied sectors in the file.
func (r *RegionFile) SectorCount() int {
	return len(r.sectors)
}

// BlockInfoAt exposes the raw LUT entry at a linear index.
func (r *RegionFile) BlockInfoAt(i int) BlockInfo {
	return r.header.blocks[i]
}

func (r *RegionFile) HasBlock(pos voxel.Vector3i) bool {
	if r.file == nil || !pos.InBounds(r.header.format.RegionSize) {
		return false
	}
	return r.header.blocks[r.blockIndexInHeader(pos)].Present()
}

// verifyFormat checks that a block matches the file geometry: cube
// side 1<<BlockSizePo2 and matching channel depths.
func (r *RegionFile) verifyFormat(b *voxel.Buffer) error {
	if b.Size() != r.header.format.BlockSize() {
		return fmt.Errorf("block size %s does not match format %s: %w",
			b.Size(), r.header.format.BlockSize(), ErrInvalidArgument)
	}
	for i, d := range r.header.format.ChannelDepths {
		if b.ChannelDepth(i) != d {
			return fmt.Errorf("channel %d depth %d does not match format %d: %w",
				i, b.ChannelDepth(i), d, ErrInvalidArgument)
		}
	}
	return nil
}

// LoadBlock reads and decodes the block at pos into out.
// Returns ErrDoesNotExist when the position was never saved; out is
// left untouched in that case.
func (r *RegionFile) LoadBlock(pos voxel.Vector3i, out *voxel.Buffer) error {
	if out == nil {
		return fmt.Errorf("nil output block: %w", ErrInvalidArgument)
	}
	if r.file == nil {
		return rio.ErrNotOpened
	}
	if !pos.InBounds(r.header.format.RegionSize) {
		return fmt.Errorf("block position %s out of region %s: %w",
			pos, r.header.format.RegionSize, ErrInvalidArgument)
	}

	blockInfo := r.header.blocks[r.blockIndexInHeader(pos)]
	if !blockInfo.Present() {
		return ErrDoesNotExist
	}

	if out.Size() != r.header.format.BlockSize() {
		return fmt.Errorf("output block size %s does not match format %s: %w",
			out.Size(), r.header.format.BlockSize(), ErrInvalidArgument)
	}

	// Configure block format
	for i, d := range r.header.format.ChannelDepths {
		out.SetChannelDepth(i, d)
	}

	sectorSize := int64(r.header.format.SectorSize)
	blockOffset := r.blocksBeginOffset + int64(blockInfo.SectorIndex())*sectorSize

	lenPrefix := make([]byte, 4)
	if readErr := r.file.ReadAt(lenPrefix, blockOffset); readErr != nil {
		return fmt.Errorf("unable to read block %s length: %s: %w", pos, readErr.Error(), ErrParse)
	}
	blockDataSize := binary.LittleEndian.Uint32(lenPrefix)

	if int64(blockDataSize)+4 > int64(blockInfo.SectorCount())*sectorSize {
		return fmt.Errorf("block %s payload of %d bytes exceeds its %d sectors: %w",
			pos, blockDataSize, blockInfo.SectorCount(), ErrParse)
	}

	payload := make([]byte, blockDataSize)
	if readErr := r.file.ReadAt(payload, blockOffset+4); readErr != nil {
		return fmt.Errorf("unable to read block %s payload: %s: %w", pos, readErr.Error(), ErrParse)
	}

	if decodeErr := r.blockCodec.Decode(payload, out); decodeErr != nil {
		return fmt.Errorf("failed to decode block %s: %s: %w", pos, decodeErr.Error(), ErrParse)
	}

	return nil
}

// SaveBlock encodes the block and writes it at pos, reallocating
// sectors as needed. A block that shrinks lets following sectors
// compact forward; a block that grows is freed and appended at the
// end, which is cheaper than shifting everything after it forward.
func (r *RegionFile) SaveBlock(pos voxel.Vector3i, b *voxel.Buffer) error {
	if b == nil {
		return fmt.Errorf("nil block: %w", ErrInvalidArgument)
	}
	if r.file == nil {
		return rio.ErrNotOpened
	}
	if verifyErr := r.verifyFormat(b); verifyErr != nil {
		return verifyErr
	}
	if !pos.InBounds(r.header.format.RegionSize) {
		return fmt.Errorf("block position %s out of region %s: %w",
			pos, r.header.format.RegionSize, ErrInvalidArgument)
	}

	// We should be allowed to migrate before write operations.
	if r.header.version != FormatVersion {
		if migrateErr := r.migrateToLatest(); migrateErr != nil {
			return migrateErr
		}
	}

	data, encodeErr := r.blockCodec.Encode(b)
	if encodeErr != nil {
		return encodeErr
	}

	writtenSize := 4 + len(data)
	newSectorCount := r.header.format.sectorCountFromBytes(writtenSize)
	if newSectorCount > MaxSectorCount {
		return fmt.Errorf("block %s needs %d sectors, max is %d: %w",
			pos, newSectorCount, MaxSectorCount, ErrInvalidArgument)
	}

	sectorSize := int64(r.header.format.SectorSize)
	lutIndex := r.blockIndexInHeader(pos)
	blockInfo := &r.header.blocks[lutIndex]

	if !blockInfo.Present() {
		// The block is not in the file yet, append at the end.

		blockOffset := r.blocksBeginOffset + int64(len(r.sectors))*sectorSize

		if writeErr := r.writeBlockData(blockOffset, data, newSectorCount); writeErr != nil {
			return writeErr
		}

		blockInfo.SetSectorIndex(uint32(len(r.sectors)))
		blockInfo.SetSectorCount(uint32(newSectorCount))

		for i := 0; i < newSectorCount; i++ {
			r.sectors = append(r.sectors, pos)
		}

		r.headerModified = true
		return nil
	}

	// The block is already in the file.

	if len(r.sectors) == 0 {
		panic("present block with empty sector index")
	}

	oldSectorIndex := blockInfo.SectorIndex()
	oldSectorCount := int(blockInfo.SectorCount())

	if newSectorCount <= oldSectorCount {
		// We can write the block at the same spot.

		if newSectorCount < oldSectorCount {
			// The block now uses fewer sectors, compact the others.
			if removeErr := r.removeSectorsFromBlock(pos, uint32(oldSectorCount-newSectorCount)); removeErr != nil {
				return removeErr
			}
			r.headerModified = true
		}

		blockOffset := r.blocksBeginOffset + int64(oldSectorIndex)*sectorSize

		// No padding: trailing bytes inside the last owned sector are
		// never read back.
		if writeErr := r.writeBlockData(blockOffset, data, 0); writeErr != nil {
			return writeErr
		}

	} else {
		// The block now uses more sectors. Instead of shifting
		// everything after it forward, free it entirely and rewrite it
		// at the end.

		if removeErr := r.removeSectorsFromBlock(pos, uint32(oldSectorCount)); removeErr != nil {
			return removeErr
		}

		blockOffset := r.blocksBeginOffset + int64(len(r.sectors))*sectorSize

		if writeErr := r.writeBlockData(blockOffset, data, newSectorCount); writeErr != nil {
			return writeErr
		}

		blockInfo.SetSectorIndex(uint32(len(r.sectors)))
		for i := 0; i < newSectorCount; i++ {
			r.sectors = append(r.sectors, pos)
		}

		r.headerModified = true
	}

	blockInfo.SetSectorCount(uint32(newSectorCount))

	return nil
}

// writeBlockData writes the u32 length prefix and the payload at a
// sector-aligned offset. With padToSectors > 0 the write is extended
// with zeros to exactly that many sectors.
func (r *RegionFile) writeBlockData(blockOffset int64, data []byte, padToSectors int) error {

	if (blockOffset-r.blocksBeginOffset)%int64(r.header.format.SectorSize) != 0 {
		panic("block write is not sector aligned")
	}

	size := 4 + len(data)
	if padToSectors > 0 {
		size = padToSectors * int(r.header.format.SectorSize)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	return r.file.WriteAt(buf, blockOffset)
}

// removeSectorsFromBlock removes the last sectorCount sectors from the
// block at blockPos, moves every following sector forward to fill the
// gap, and renumbers the LUT. Removing all of a block's sectors marks
// it absent.
func (r *RegionFile) removeSectorsFromBlock(blockPos voxel.Vector3i, sectorCount uint32) error {

	if r.file == nil {
		panic("remove sectors on a closed file")
	}
	if sectorCount == 0 {
		panic("removing zero sectors")
	}

	sectorSize := int64(r.header.format.SectorSize)
	oldEndOffset := r.blocksBeginOffset + int64(len(r.sectors))*sectorSize

	blockIndex := r.blockIndexInHeader(blockPos)
	blockInfo := &r.header.blocks[blockIndex]

	if sectorCount > blockInfo.SectorCount() {
		panic("removing more sectors than the block owns")
	}

	srcOffset := r.blocksBeginOffset + int64(blockInfo.SectorIndex()+blockInfo.SectorCount())*sectorSize
	dstOffset := srcOffset - int64(sectorCount)*sectorSize

	if dstOffset < r.blocksBeginOffset {
		panic("sector compaction would cross the header")
	}

	// Move every following sector forward by the freed amount.
	temp := make([]byte, sectorSize)
	for srcOffset < oldEndOffset {
		if readErr := r.file.ReadAt(temp, srcOffset); readErr != nil {
			return readErr
		}
		if writeErr := r.file.WriteAt(temp, dstOffset); writeErr != nil {
			return writeErr
		}

		srcOffset += sectorSize
		dstOffset += sectorSize
	}

	// Erase the freed entries from the sector index.
	eraseEnd := blockInfo.SectorIndex() + blockInfo.SectorCount()
	eraseBegin := eraseEnd - sectorCount
	r.sectors = append(r.sectors[:eraseBegin], r.sectors[eraseEnd:]...)

	oldSectorIndex := blockInfo.SectorIndex()

	if blockInfo.SectorCount() > sectorCount {
		blockInfo.SetSectorCount(blockInfo.SectorCount() - sectorCount)
	} else {
		// Block removed entirely.
		blockInfo.Clear()
	}

	// Renumber every block that lived after the freed region.
	if int(oldSectorIndex) < len(r.sectors) {
		for i := range r.header.blocks {
			b := &r.header.blocks[i]
			if b.Present() && b.SectorIndex() > oldSectorIndex {
				b.SetSectorIndex(b.SectorIndex() - sectorCount)
			}
		}
	}

	r.headerModified = true

	// The compaction shortened the data region; reclaim the dead tail
	// when the backing file can shrink.
	if t, ok := r.file.(rio.Truncater); ok {
		newEndOffset := r.blocksBeginOffset + int64(len(r.sectors))*sectorSize
		if truncErr := t.Truncate(newEndOffset); truncErr != nil {
			return truncErr
		}
	}

	return nil
}
