package region

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fatih/color"

	"github.com/dot5enko/voxel-region/bits"
	rio "github.com/dot5enko/voxel-region/io"
	"github.com/dot5enko/voxel-region/voxel"
)

type header struct {
	version uint8
	format  Format

	// LUT, one entry per block position, ZXY order.
	blocks []BlockInfo
}

// loadHeader parses the on-disk header and LUT.
//
// A version 3 file is self-describing. A legacy version 2 file has no
// format section on disk: the caller must have configured the correct
// format beforehand, and only the LUT is read.
func (r *RegionFile) loadHeader() (topErr error) {

	f := r.file

	head := make([]byte, magicAndVersionSize)
	if readErr := f.ReadAt(head, 0); readErr != nil {
		return fmt.Errorf("unable to read magic: %s: %w", readErr.Error(), ErrParse)
	}

	if string(head[:4]) != regionMagic {
		return fmt.Errorf("bad magic %q: %w", head[:4], ErrParse)
	}

	version := head[4]
	offset := int64(magicAndVersionSize)

	switch version {
	case FormatVersion:
		fixed := make([]byte, fixedHeaderDataSize)
		if readErr := f.ReadAt(fixed, offset); readErr != nil {
			return fmt.Errorf("unable to read format descriptor: %s: %w", readErr.Error(), ErrParse)
		}
		offset += fixedHeaderDataSize

		reader := bits.NewReader(bytes.NewReader(fixed), binary.LittleEndian)

		format := &r.header.format
		format.BlockSizePo2 = reader.MustReadU8()

		format.RegionSize.X = int(reader.MustReadU8())
		format.RegionSize.Y = int(reader.MustReadU8())
		format.RegionSize.Z = int(reader.MustReadU8())

		for i := range format.ChannelDepths {
			d := voxel.Depth(reader.MustReadU8())
			if !d.Valid() {
				return fmt.Errorf("unknown channel depth %d: %w", d, ErrParse)
			}
			format.ChannelDepths[i] = d
		}

		format.SectorSize = reader.MustReadU16()

		switch paletteFlag := reader.MustReadU8(); paletteFlag {
		case 0xff:
			format.HasPalette = true
			palette := make([]byte, paletteSizeInBytes)
			if readErr := f.ReadAt(palette, offset); readErr != nil {
				return fmt.Errorf("unable to read palette: %s: %w", readErr.Error(), ErrParse)
			}
			offset += paletteSizeInBytes
			for i := range format.Palette {
				format.Palette[i] = Color8{
					R: palette[i*4],
					G: palette[i*4+1],
					B: palette[i*4+2],
					A: palette[i*4+3],
				}
			}
		case 0x00:
			format.HasPalette = false
		default:
			return fmt.Errorf("unexpected palette flag %#02x: %w", paletteFlag, ErrParse)
		}

	case formatVersionLegacy:
		if !r.formatConfigured {
			return fmt.Errorf("version 2 file requires a preconfigured format: %w", ErrUnavailable)
		}
		// Forces a header rewrite on close, so the file is migrated
		// even if nothing is saved into it.
		r.headerModified = true

	default:
		return fmt.Errorf("unknown file version %d: %w", version, ErrParse)
	}

	r.header.version = version

	volume := r.header.format.RegionSize.Volume()
	lut := make([]byte, volume*4)
	if readErr := f.ReadAt(lut, offset); readErr != nil {
		return fmt.Errorf("unable to read block table: %s: %w", readErr.Error(), ErrParse)
	}

	r.header.blocks = make([]BlockInfo, volume)
	for i := range r.header.blocks {
		r.header.blocks[i] = BlockInfo(binary.LittleEndian.Uint32(lut[i*4:]))
	}

	r.blocksBeginOffset = offset + int64(len(lut))

	return nil
}

// saveHeader rewrites the whole header at offset 0 and clears the
// modified flag. A version mismatch triggers migration first.
func (r *RegionFile) saveHeader() error {

	if r.header.version != FormatVersion {
		if migrateErr := r.migrateToLatest(); migrateErr != nil {
			return migrateErr
		}
	}

	format := &r.header.format

	writer := bits.NewEncodeBuffer(make([]byte, format.headerSizeV3()), binary.LittleEndian)

	writer.Write([]byte(regionMagic))
	writer.WriteByte(r.header.version)

	writer.WriteByte(format.BlockSizePo2)

	writer.WriteByte(uint8(format.RegionSize.X))
	writer.WriteByte(uint8(format.RegionSize.Y))
	writer.WriteByte(uint8(format.RegionSize.Z))

	for _, d := range format.ChannelDepths {
		writer.WriteByte(uint8(d))
	}

	writer.PutUint16(format.SectorSize)

	if format.HasPalette {
		writer.WriteByte(0xff)
		for _, c := range format.Palette {
			writer.WriteByte(c.R)
			writer.WriteByte(c.G)
			writer.WriteByte(c.B)
			writer.WriteByte(c.A)
		}
	} else {
		writer.WriteByte(0x00)
	}

	for _, b := range r.header.blocks {
		writer.PutUint32(uint32(b))
	}

	if writeErr := r.file.WriteAt(writer.Bytes(), 0); writeErr != nil {
		return writeErr
	}

	r.blocksBeginOffset = int64(writer.Position())

	r.headerModified = false
	return nil
}

func (r *RegionFile) migrateToLatest() error {
	if r.file == nil || r.filePath == "" {
		return fmt.Errorf("no file to migrate: %w", ErrUnavailable)
	}

	version := r.header.version

	if version == formatVersionLegacy {
		if migrateErr := r.migrateFromV2ToV3(); migrateErr != nil {
			return migrateErr
		}
		version = FormatVersion
	}

	if version != FormatVersion {
		return fmt.Errorf("invalid file version %d: %w", version, ErrUnavailable)
	}

	r.header.version = version
	return nil
}

// migrateFromV2ToV3 grows the header in place by inserting the format
// descriptor bytes between the version and the LUT, then rewrites it.
func (r *RegionFile) migrateFromV2ToV3() error {

	color.Yellow("migrating region file %s from v2 to v3", r.filePath)

	// We can only migrate if we know in advance what the file contains.
	if !r.formatConfigured {
		return fmt.Errorf("cannot migrate without knowing the correct format: %w", ErrUnavailable)
	}

	format := &r.header.format

	oldHeaderSize := int64(format.RegionSize.Volume()) * 4
	newHeaderSize := format.headerSizeV3() - magicAndVersionSize
	if newHeaderSize < oldHeaderSize {
		return fmt.Errorf("new version is supposed to have a larger header: %w", ErrUnavailable)
	}

	extraBytesNeeded := int(newHeaderSize - oldHeaderSize)

	if insertErr := rio.InsertBytes(r.file, magicAndVersionSize, extraBytesNeeded); insertErr != nil {
		return insertErr
	}

	// Set the version first, otherwise saveHeader would attempt to
	// migrate again and recurse forever.
	r.header.version = FormatVersion

	return r.saveHeader()
}
