package collaboration

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// SnapshotRecord is the stored full-state snapshot of a document. Num is the
// last operation number folded into Data.
type SnapshotRecord struct {
	Mid  string `json:"mid"`
	Num  int64  `json:"num"`
	Data []byte `json:"data"`
}

// SnapshotCodec compresses snapshot records with zstd. EncodeAll and
// DecodeAll are safe for concurrent use, so one codec serves the engine and
// its helper goroutines.
type SnapshotCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSnapshotCodec creates a codec
func NewSnapshotCodec() (*SnapshotCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &SnapshotCodec{encoder: encoder, decoder: decoder}, nil
}

// Encode serializes and compresses rec.
func (c *SnapshotCodec) Encode(rec SnapshotRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

// Decode decompresses and parses a stored snapshot.
func (c *SnapshotCodec) Decode(data []byte) (SnapshotRecord, error) {
	var rec SnapshotRecord
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return rec, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return rec, nil
}

// Close releases the encoder and decoder.
func (c *SnapshotCodec) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
