// Package codec implements the binary framing used to persist records,
// values, and headers to disk: a hand-rolled length-prefixed layout (not
// encoding/gob) so the on-disk format is a fixed, versioned byte layout per
// spec §3/§6, in the spirit of the teacher's own encodeKv/decodeKv in k4.go.
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Castagnoli is the CRC32C table used for every durable checksum in the
// engine (header, WAL frames, SST footers, bloom blocks).
var Castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ChecksumMismatchError reports a durable-layer CRC failure.
type ChecksumMismatchError struct {
	Want, Got uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("codec: checksum mismatch: want %08x got %08x", e.Want, e.Got)
}

// CRC32C computes the CRC32C checksum of b.
func CRC32C(b []byte) uint32 { return crc32.Checksum(b, Castagnoli) }

// PutUint32 / PutUint64 append little-endian integers, mirroring the
// teacher's binary.Write usage but without reflection overhead.
func PutUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func PutUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func PutBytes(b []byte, v []byte) []byte {
	b = PutUint32(b, uint32(len(v)))
	return append(b, v...)
}

// Reader is a small cursor over a byte slice used while decoding frames.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, fmt.Errorf("codec: truncated uint32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, fmt.Errorf("codec: truncated uint64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) Byte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, fmt.Errorf("codec: truncated byte")
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if r.Remaining() < int(n) {
		return nil, fmt.Errorf("codec: truncated byte slice (want %d have %d)", n, r.Remaining())
	}
	out := append([]byte(nil), r.buf[r.off:r.off+int(n)]...)
	r.off += int(n)
	return out, nil
}

// FixedBytes reads exactly n raw bytes with no length prefix.
func (r *Reader) FixedBytes(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("codec: truncated fixed bytes")
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return out, nil
}
