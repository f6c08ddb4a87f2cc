package submission

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared stateless codecs; EncodeAll/DecodeAll on these are safe for
// concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// maybeCompress wraps a wire image in a zstd frame when exchange
// compression is on. Both sides of every exchange share the store
// configuration, so the framing needs no negotiation.
func (e *Exchanger) maybeCompress(data []byte) ([]byte, error) {
	if !e.Compress {
		return data, nil
	}
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
}

func (e *Exchanger) maybeDecompress(data []byte) ([]byte, error) {
	if !e.Compress {
		return data, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress exchange payload: %w", err)
	}
	return out, nil
}
