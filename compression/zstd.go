package compression

import (
	"github.com/klauspost/compress/zstd"
)

// Shared stateless codecs, safe for concurrent EncodeAll/DecodeAll use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func CompressZstd(src []byte) []byte {
	return zstdEncoder.EncodeAll(src, nil)
}

func DecompressZstd(src []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, nil)
}
