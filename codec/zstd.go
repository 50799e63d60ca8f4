package codec

import (
	"github.com/dot5enko/voxel-region/compression"
	"github.com/dot5enko/voxel-region/voxel"
)

// Zstd wraps the channel serializer in a zstd frame.
type Zstd struct{}

func (Zstd) Name() string { return "zstd" }

func (Zstd) Encode(b *voxel.Buffer) ([]byte, error) {
	return compression.CompressZstd(serialize(b)), nil
}

func (Zstd) Decode(data []byte, out *voxel.Buffer) error {
	plain, err := compression.DecompressZstd(data)
	if err != nil {
		return err
	}

	return deserialize(plain, out)
}

// Raw skips compression entirely. Mostly useful for tests and for
// inspecting payloads byte by byte.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Encode(b *voxel.Buffer) ([]byte, error) {
	return serialize(b), nil
}

func (Raw) Decode(data []byte, out *voxel.Buffer) error {
	return deserialize(data, out)
}
