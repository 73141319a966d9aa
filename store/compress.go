package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressThresholdBytes mirrors writer.go's columnar writer, which only
// pays zstd's framing overhead above a minimum block size; below it the
// payload is stored as-is.
const compressThresholdBytes = 512

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Errorf("store: zstd encoder init: %w", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Errorf("store: zstd decoder init: %w", err))
	}
}

// compressPayload compresses p if it is large enough to be worth it,
// prefixing the result with a one-byte tag so decompressPayload can tell
// compressed blobs from passthrough ones without a side channel.
func compressPayload(p []byte) []byte {
	if len(p) < compressThresholdBytes {
		return append([]byte{0}, p...)
	}
	compressed := zstdEncoder.EncodeAll(p, make([]byte, 0, len(p)))
	return append([]byte{1}, compressed...)
}

func decompressPayload(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	tag, body := blob[0], blob[1:]
	if tag == 0 {
		return body, nil
	}
	out, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("store: zstd decode: %w", err)
	}
	return out, nil
}
