package codec

import (
	"bytes"

	"github.com/dot5enko/voxel-region/compression"
	"github.com/dot5enko/voxel-region/voxel"
)

// Lz4 wraps the channel serializer in an lz4 frame.
type Lz4 struct{}

func (Lz4) Name() string { return "lz4" }

func (Lz4) Encode(b *voxel.Buffer) ([]byte, error) {
	var out bytes.Buffer

	err := compression.CompressLz4(serialize(b), &out)
	if err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

func (Lz4) Decode(data []byte, out *voxel.Buffer) error {
	var plain bytes.Buffer

	err := compression.DecompressLz4(data, &plain)
	if err != nil {
		return err
	}

	return deserialize(plain.Bytes(), out)
}
