package compress

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultLevel is the zstd level used unless a caller overrides it, per
// spec §4.4 ("default 3").
const DefaultLevel = 3

// MinLevel / MaxLevel bound the configurable range spec §4.4 documents.
const (
	MinLevel = 1
	MaxLevel = 22
)

// levelFor maps a 1-22 knob onto zstd's own EncoderLevel enum; klauspost's
// zstd only exposes four real levels internally, so values are bucketed.
func levelFor(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Block compresses and decompresses individual SST data blocks with zstd,
// grounded on erigontech/erigon-lib's klauspost/compress dependency (the
// teacher's own codec had no block-level compression — it compressed whole
// keys/values with its hand-rolled window compressor instead).
type Block struct {
	level    int
	encOnce  sync.Once
	enc      *zstd.Encoder
	decOnce  sync.Once
	dec      *zstd.Decoder
	initErr  error
}

// NewBlock creates a block codec at the given zstd level (clamped to
// [MinLevel, MaxLevel]; 0 means DefaultLevel).
func NewBlock(level int) *Block {
	if level == 0 {
		level = DefaultLevel
	}
	if level < MinLevel {
		level = MinLevel
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return &Block{level: level}
}

func (b *Block) encoder() (*zstd.Encoder, error) {
	b.encOnce.Do(func() {
		b.enc, b.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(levelFor(b.level)))
	})
	return b.enc, b.initErr
}

func (b *Block) decoder() (*zstd.Decoder, error) {
	b.decOnce.Do(func() {
		b.dec, b.initErr = zstd.NewReader(nil)
	})
	return b.dec, b.initErr
}

// Compress returns the zstd-compressed form of data.
func (b *Block) Compress(data []byte) ([]byte, error) {
	enc, err := b.encoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress reverses Compress.
func (b *Block) Decompress(data []byte, sizeHint int) ([]byte, error) {
	dec, err := b.decoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data, make([]byte, 0, sizeHint))
}

// Close releases the encoder/decoder's background resources.
func (b *Block) Close() {
	if b.enc != nil {
		_ = b.enc.Close()
	}
	if b.dec != nil {
		b.dec.Close()
	}
}
