package voxel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/dot5enko/voxel-region/bits"
)

const MaxChannels = 8

var ErrSizeMismatch = errors.New("buffer size mismatch")

type channel struct {
	// nil data means the whole channel holds defval
	data   []byte
	defval uint64
	depth  Depth
}

// Buffer is a dense cube of voxels split into MaxChannels channels.
// A channel with no backing array is uniform: every cell reads as its
// default value. Cells are laid out in ZXY order (Y is the row
// direction), little-endian at the channel's depth.
type Buffer struct {
	size     Vector3i
	channels [MaxChannels]channel
}

func NewBuffer(size Vector3i) *Buffer {
	if size.X <= 0 || size.Y <= 0 || size.Z <= 0 {
		panic(fmt.Sprintf("invalid buffer size %s", size))
	}
	return &Buffer{size: size}
}

func (b *Buffer) Size() Vector3i {
	return b.size
}

func (b *Buffer) Volume() int {
	return b.size.Volume()
}

func (b *Buffer) ChannelDepth(channelIndex int) Depth {
	return b.channels[channelIndex].depth
}

// SetChannelDepth changes the depth of a channel and resets it to a
// uniform zero state.
func (b *Buffer) SetChannelDepth(channelIndex int, d Depth) {
	if !d.Valid() {
		panic(fmt.Sprintf("invalid depth %d", d))
	}
	c := &b.channels[channelIndex]
	c.depth = d
	c.data = nil
	c.defval = 0
}

func (b *Buffer) IsUniform(channelIndex int) bool {
	c := &b.channels[channelIndex]
	if c.data == nil {
		return true
	}

	first := b.cellAt(c, 0)
	for i := 1; i < b.Volume(); i++ {
		if b.cellAt(c, i) != first {
			return false
		}
	}
	return true
}

// Compress drops the backing array of every channel that turned out
// uniform, keeping only the repeated value.
func (b *Buffer) Compress() {
	for i := range b.channels {
		c := &b.channels[i]
		if c.data != nil && b.IsUniform(i) {
			v := b.cellAt(c, 0)
			c.data = nil
			c.defval = v
		}
	}
}

func (b *Buffer) Fill(value uint64, channelIndex int) {
	c := &b.channels[channelIndex]
	c.data = nil
	c.defval = value
}

func (b *Buffer) FillArea(value uint64, min, max Vector3i, channelIndex int) {
	sortMinMax(&min, &max)
	clampTo(&min, Vector3i{}, b.size)
	clampTo(&max, Vector3i{}, b.size)

	c := &b.channels[channelIndex]
	if c.data == nil {
		if c.defval == value {
			return
		}
		b.materialize(c)
	}

	for z := min.Z; z < max.Z; z++ {
		for x := min.X; x < max.X; x++ {
			for y := min.Y; y < max.Y; y++ {
				b.setCellAt(c, Vector3i{x, y, z}.ZXYIndex(b.size), value)
			}
		}
	}
}

func (b *Buffer) GetVoxel(x, y, z, channelIndex int) uint64 {
	pos := Vector3i{x, y, z}
	if !pos.InBounds(b.size) {
		return b.channels[channelIndex].defval
	}

	c := &b.channels[channelIndex]
	if c.data == nil {
		return c.defval
	}
	return b.cellAt(c, pos.ZXYIndex(b.size))
}

func (b *Buffer) SetVoxel(value uint64, x, y, z, channelIndex int) {
	pos := Vector3i{x, y, z}
	if !pos.InBounds(b.size) {
		panic(fmt.Sprintf("voxel %s out of bounds %s", pos, b.size))
	}

	c := &b.channels[channelIndex]
	if c.data == nil {
		if c.defval == value {
			return
		}
		b.materialize(c)
	}
	b.setCellAt(c, pos.ZXYIndex(b.size), value)
}

// CopyFrom copies one channel from another buffer of the same size.
func (b *Buffer) CopyFrom(other *Buffer, channelIndex int) error {
	if other.size != b.size {
		return ErrSizeMismatch
	}

	c := &b.channels[channelIndex]
	oc := &other.channels[channelIndex]

	c.depth = oc.depth
	c.defval = oc.defval

	if oc.data == nil {
		c.data = nil
		return nil
	}

	if c.data == nil || len(c.data) != len(oc.data) {
		c.data = make([]byte, len(oc.data))
	}
	copy(c.data, oc.data)
	return nil
}

// CopyFromArea copies a sub-cube of one channel from another buffer,
// placing its minimum corner at dstMin. Source bounds are sorted and
// clamped to the source, and the copied area is clamped so it stays
// inside the destination; the buffers may differ in size.
func (b *Buffer) CopyFromArea(other *Buffer, srcMin, srcMax, dstMin Vector3i, channelIndex int) {
	sortMinMax(&srcMin, &srcMax)
	clampTo(&srcMin, Vector3i{}, other.size)
	clampTo(&srcMax, Vector3i{}, other.size)
	clampTo(&dstMin, Vector3i{}, b.size)

	area := srcMax.Sub(srcMin)

	room := b.size.Sub(dstMin)
	if area.X > room.X {
		area.X = room.X
	}
	if area.Y > room.Y {
		area.Y = room.Y
	}
	if area.Z > room.Z {
		area.Z = room.Z
	}

	if area.X <= 0 || area.Y <= 0 || area.Z <= 0 {
		return
	}

	if area == b.size && area == other.size {
		b.CopyFrom(other, channelIndex)
		return
	}

	c := &b.channels[channelIndex]
	oc := &other.channels[channelIndex]

	if oc.data == nil {
		// Uniform source: spread its default value over the area.
		if c.data == nil {
			if c.defval == oc.defval {
				return
			}
			b.materialize(c)
		}
		for z := 0; z < area.Z; z++ {
			for x := 0; x < area.X; x++ {
				for y := 0; y < area.Y; y++ {
					dst := Vector3i{x + dstMin.X, y + dstMin.Y, z + dstMin.Z}
					b.setCellAt(c, dst.ZXYIndex(b.size), oc.defval)
				}
			}
		}
		return
	}

	if c.data == nil {
		b.materialize(c)
	}

	// Row direction is Y.
	for z := 0; z < area.Z; z++ {
		for x := 0; x < area.X; x++ {
			for y := 0; y < area.Y; y++ {
				src := Vector3i{x + srcMin.X, y + srcMin.Y, z + srcMin.Z}
				dst := Vector3i{x + dstMin.X, y + dstMin.Y, z + dstMin.Z}
				b.setCellAt(c, dst.ZXYIndex(b.size), other.cellAt(oc, src.ZXYIndex(other.size)))
			}
		}
	}
}

// RawChannel exposes a channel for serialization: either the dense
// cell bytes, or (nil, defval) for a uniform channel.
func (b *Buffer) RawChannel(channelIndex int) (data []byte, defval uint64) {
	c := &b.channels[channelIndex]
	return c.data, c.defval
}

// SetRawChannel installs dense cell bytes for a channel. The slice is
// retained; it must be volume*depth-size bytes long.
func (b *Buffer) SetRawChannel(channelIndex int, data []byte) error {
	c := &b.channels[channelIndex]
	want := b.Volume() * c.depth.ByteSize()
	if len(data) != want {
		return fmt.Errorf("channel %d payload is %d bytes, expected %d: %w",
			channelIndex, len(data), want, ErrSizeMismatch)
	}
	c.data = data
	return nil
}

func (b *Buffer) materialize(c *channel) {
	c.data = make([]byte, b.Volume()*c.depth.ByteSize())
	if c.defval != 0 {
		for i := 0; i < b.Volume(); i++ {
			b.setCellAt(c, i, c.defval)
		}
	}
}

func (b *Buffer) cellAt(c *channel, i int) uint64 {
	switch c.depth {
	case Depth8:
		return uint64(c.data[i])
	case Depth16:
		return uint64(binary.LittleEndian.Uint16(c.data[i*2:]))
	case Depth32:
		return uint64(binary.LittleEndian.Uint32(c.data[i*4:]))
	case Depth64:
		return binary.LittleEndian.Uint64(c.data[i*8:])
	}
	panic("unreachable")
}

func (b *Buffer) setCellAt(c *channel, i int, v uint64) {
	switch c.depth {
	case Depth8:
		c.data[i] = uint8(v)
	case Depth16:
		binary.LittleEndian.PutUint16(c.data[i*2:], uint16(v))
	case Depth32:
		binary.LittleEndian.PutUint32(c.data[i*4:], uint32(v))
	case Depth64:
		binary.LittleEndian.PutUint64(c.data[i*8:], v)
	}
}

// ChannelCells reinterprets a dense channel as a typed slice, avoiding
// a copy on hot read paths. T must match the channel depth.
func ChannelCells[T constraints.Integer](b *Buffer, channelIndex int) []T {
	c := &b.channels[channelIndex]
	if c.data == nil {
		return nil
	}
	return bits.MapBytesToArray[T](c.data, b.Volume())
}
