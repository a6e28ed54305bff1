package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/cellchain/internal/ir"
)

// Entry blobs are zstd-compressed CBOR. The encoder and decoder are safe
// for concurrent EncodeAll/DecodeAll calls and are shared.
var (
	blobEncoder *zstd.Encoder
	blobDecoder *zstd.Decoder
)

func init() {
	var err error
	blobEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}

	blobDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e ir.Entry) ([]byte, error) {
	data, err := ir.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return blobEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func decodeEntry(blob []byte) (ir.Entry, error) {
	data, err := blobDecoder.DecodeAll(blob, nil)
	if err != nil {
		return ir.Entry{}, fmt.Errorf("decompress entry: %w", err)
	}
	var e ir.Entry
	if err := ir.Decode(data, &e); err != nil {
		return ir.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

func scanHash(b []byte) (ir.Hash, error) {
	var h ir.Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("hash column has %d bytes", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func scanOptionalHash(b []byte) (*ir.Hash, error) {
	if b == nil {
		return nil, nil
	}
	h, err := scanHash(b)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func optionalBytes(h *ir.Hash) any {
	if h == nil {
		return nil
	}
	return h[:]
}
