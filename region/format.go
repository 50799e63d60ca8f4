package region

import (
	"fmt"

	"github.com/dot5enko/voxel-region/voxel"
)

const (
	FormatVersion       = 3
	formatVersionLegacy = 2

	regionMagic = "VXR_"

	// ChannelCount is the fixed number of channels a region file
	// describes. It matches the voxel buffer's channel count.
	ChannelCount = voxel.MaxChannels

	magicAndVersionSize = 4 + 1
	fixedHeaderDataSize = 7 + ChannelCount
	paletteSizeInBytes  = 256 * 4

	// MaxBlocksAcross bounds every region size component.
	MaxBlocksAcross = 256
)

// FileExtension is the conventional extension for region files.
const FileExtension = "vxr"

type Color8 struct {
	R, G, B, A uint8
}

// Format describes the geometry of a region file. It is immutable for
// the lifetime of a file: set it before creating, never after.
type Format struct {
	// Each block is a cube of side 1<<BlockSizePo2 voxels.
	BlockSizePo2 uint8

	// Extent of the region in blocks, each component in [0, 256).
	RegionSize voxel.Vector3i

	ChannelDepths [ChannelCount]voxel.Depth

	// Allocation unit in bytes, typically 512.
	SectorSize uint16

	HasPalette bool
	Palette    [256]Color8
}

// DefaultFormat mirrors the defaults a fresh region file is created
// with when no format is configured: 16^3 blocks of 16^3 8-bit voxels.
func DefaultFormat() Format {
	return Format{
		BlockSizePo2: 4,
		RegionSize:   voxel.V3i(16, 16, 16),
		SectorSize:   512,
	}
}

// Validate checks region bounds and the worst-case sector math: a
// fully dense block must fit in MaxSectorCount sectors, and a full
// region in MaxSectorIndex sectors. This does not account for
// arbitrary metadata, so it cannot be 100% accurate.
func (f *Format) Validate() error {
	if f.BlockSizePo2 == 0 {
		return fmt.Errorf("block size must be positive: %w", ErrInvalidArgument)
	}
	if f.SectorSize == 0 {
		return fmt.Errorf("sector size must be positive: %w", ErrInvalidArgument)
	}

	rs := f.RegionSize
	if rs.X < 0 || rs.X >= MaxBlocksAcross ||
		rs.Y < 0 || rs.Y >= MaxBlocksAcross ||
		rs.Z < 0 || rs.Z >= MaxBlocksAcross {
		return fmt.Errorf("region size %s out of bounds: %w", rs, ErrInvalidArgument)
	}

	for i, d := range f.ChannelDepths {
		if !d.Valid() {
			return fmt.Errorf("channel %d depth %d: %w", i, d, ErrInvalidArgument)
		}
	}

	bytesPerBlock := 0
	for _, d := range f.ChannelDepths {
		bytesPerBlock += d.ByteSize()
	}
	blockSide := 1 << f.BlockSizePo2
	bytesPerBlock *= blockSide * blockSide * blockSide

	sectorsPerBlock := f.sectorCountFromBytes(bytesPerBlock)
	if sectorsPerBlock > MaxSectorCount {
		return fmt.Errorf("worst case block needs %d sectors: %w", sectorsPerBlock, ErrInvalidArgument)
	}

	maxPotentialSectors := rs.Volume() * sectorsPerBlock
	if maxPotentialSectors > MaxSectorIndex {
		return fmt.Errorf("worst case region needs %d sectors: %w", maxPotentialSectors, ErrInvalidArgument)
	}

	return nil
}

func (f *Format) BlockSize() voxel.Vector3i {
	s := 1 << f.BlockSizePo2
	return voxel.V3i(s, s, s)
}

func (f *Format) sectorCountFromBytes(sizeInBytes int) int {
	return (sizeInBytes-1)/int(f.SectorSize) + 1
}

// headerSizeV3 is the file offset where block data begins.
func (f *Format) headerSizeV3() int64 {
	paletteSize := 0
	if f.HasPalette {
		paletteSize = paletteSizeInBytes
	}
	return magicAndVersionSize + fixedHeaderDataSize + int64(paletteSize) +
		int64(f.RegionSize.Volume())*4
}
