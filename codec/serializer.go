package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dot5enko/voxel-region/bits"
	"github.com/dot5enko/voxel-region/voxel"
)

const (
	channelUniform = 0
	channelDense   = 1
)

// serialize flattens a buffer channel by channel:
// a state byte, then either the u64 uniform value or the raw cells.
// Cell layout and endianness are the buffer's own, so dense channels
// are copied through verbatim.
func serialize(b *voxel.Buffer) []byte {

	writer := bits.NewEncodeBuffer(make([]byte, 256), binary.LittleEndian)
	writer.EnableGrowing()

	for ci := 0; ci < voxel.MaxChannels; ci++ {
		data, defval := b.RawChannel(ci)

		if data == nil {
			writer.WriteByte(channelUniform)
			writer.PutUint64(defval)
		} else {
			writer.WriteByte(channelDense)
			writer.Write(data)
		}
	}

	return writer.Bytes()
}

// deserialize restores channels into out. Channel depths and the
// buffer size must already be configured; dense payload sizes are
// derived from them.
func deserialize(data []byte, out *voxel.Buffer) (topErr error) {

	reader := bits.NewReader(bytes.NewReader(data), binary.LittleEndian)

	for ci := 0; ci < voxel.MaxChannels; ci++ {

		state, topErr := reader.ReadU8()
		if topErr != nil {
			return fmt.Errorf("unable to decode channel %d state: %s", ci, topErr.Error())
		}

		switch state {
		case channelUniform:
			defval, valErr := reader.ReadU64()
			if valErr != nil {
				return fmt.Errorf("unable to decode channel %d uniform value: %s", ci, valErr.Error())
			}
			out.Fill(defval, ci)

		case channelDense:
			cells := make([]byte, out.Volume()*out.ChannelDepth(ci).ByteSize())
			topErr = reader.ReadBytes(len(cells), cells)
			if topErr != nil {
				return fmt.Errorf("unable to decode channel %d cells: %s", ci, topErr.Error())
			}
			if setErr := out.SetRawChannel(ci, cells); setErr != nil {
				return setErr
			}

		default:
			return fmt.Errorf("unknown channel state %d for channel %d", state, ci)
		}
	}

	return nil
}
