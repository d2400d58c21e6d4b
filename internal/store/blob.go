package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/labdaq/internal/driver"
)

// BlockEncoding names the blob format of fast-device blocks: a CBOR encoded
// driver.Block compressed with zstd.
const BlockEncoding = "cbor+zstd"

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

// EncodeBlock serialises a block for the blobs table.
func EncodeBlock(b *driver.Block) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	raw, err := cbor.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("cbor encode block: %w", err)
	}
	return zenc.EncodeAll(raw, nil), nil
}

// DecodeBlock reverses EncodeBlock.
func DecodeBlock(data []byte) (*driver.Block, error) {
	raw, err := zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode block: %w", err)
	}
	var b driver.Block
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("cbor decode block: %w", err)
	}
	return &b, b.Validate()
}
