// Package codec turns voxel buffers into compressed byte payloads and back.
//
// The region file format does not record which codec produced a block
// payload, so a file must always be read with the codec that wrote it.
// Codec selection is a breaking-change boundary.
package codec

import (
	"github.com/dot5enko/voxel-region/voxel"
)

// Codec serializes and compresses a voxel buffer.
// Implementations must be safe for concurrent use.
type Codec interface {
	Encode(b *voxel.Buffer) ([]byte, error)
	Decode(data []byte, out *voxel.Buffer) error
	Name() string
}

// Default is the codec used by region files unless configured otherwise.
var Default Codec = Lz4{}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "lz4":
		return Lz4{}, true
	case "zstd":
		return Zstd{}, true
	case "raw":
		return Raw{}, true
	default:
		return nil, false
	}
}
