// Package layout implements the durable file layout of spec §4.1: the 4 KiB
// header with its region map for single-file mode, the block-aligned extent
// allocator, and the reference-counted mmap pool over SST extents.
//
// Grounded on the teacher's pager.go fixed-page framing idea (PAGE_SIZE /
// HEADER_SIZE constants), generalized from "one page, one record" to "one
// 4 KiB header, a WAL ring, a manifest ring, one heap of variable extents".
package layout

import (
	"os"

	"github.com/keystone-db/keystonedb-sub001/internal/codec"
)

// BlockSize is the unit of all I/O, per spec §4.1.
const BlockSize = 4096

// HeaderSize is the fixed size of the header region.
const HeaderSize = BlockSize

// Magic is "KSTN" read big-endian, per spec §6.
const Magic uint32 = 0x4B53544E

// FormatVersion is the current on-disk format version.
const FormatVersion uint32 = 1

// Region describes one (offset, size) span within the single file.
type Region struct {
	Offset uint64
	Size   uint64
}

// Header is the first 4 KiB of a single-file database: magic, version, and
// three region descriptors (WAL ring, manifest ring, SST heap), covered by a
// CRC32C over everything preceding the trailing checksum.
type Header struct {
	Version  uint32
	WAL      Region
	Manifest Region
	SSTHeap  Region
}

// Encode serializes the header into exactly HeaderSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = putUint32BE(buf, Magic)
	buf = codec.PutUint32(buf, h.Version)
	buf = codec.PutUint64(buf, h.WAL.Offset)
	buf = codec.PutUint64(buf, h.WAL.Size)
	buf = codec.PutUint64(buf, h.Manifest.Offset)
	buf = codec.PutUint64(buf, h.Manifest.Size)
	buf = codec.PutUint64(buf, h.SSTHeap.Offset)
	buf = codec.PutUint64(buf, h.SSTHeap.Size)
	// pad with reserved zero bytes up to HeaderSize-4 (checksum trails).
	for len(buf) < HeaderSize-4 {
		buf = append(buf, 0)
	}
	crc := codec.CRC32C(buf)
	buf = codec.PutUint32(buf, crc)
	return buf
}

func putUint32BE(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// ErrBadMagic / ErrBadChecksum surface as sentinel causes; callers wrap them
// into keystone.Error{CodeCorruption/CodeChecksumMismatch}.
type ErrBadMagic struct{ Got uint32 }

func (e *ErrBadMagic) Error() string { return "layout: bad header magic" }

type ErrBadChecksum struct{ Want, Got uint32 }

func (e *ErrBadChecksum) Error() string { return "layout: header checksum mismatch" }

// DecodeHeader parses a HeaderSize-byte block written by Encode.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &ErrBadMagic{}
	}
	magic := readUint32BE(buf[0:4])
	if magic != Magic {
		return Header{}, &ErrBadMagic{Got: magic}
	}
	wantCRC := codec.CRC32C(buf[:HeaderSize-4])
	gotCRC := uint32(buf[HeaderSize-4]) | uint32(buf[HeaderSize-3])<<8 | uint32(buf[HeaderSize-2])<<16 | uint32(buf[HeaderSize-1])<<24
	if wantCRC != gotCRC {
		return Header{}, &ErrBadChecksum{Want: wantCRC, Got: gotCRC}
	}
	r := codec.NewReader(buf[4:])
	version, err := r.Uint32()
	if err != nil {
		return Header{}, err
	}
	walOff, _ := r.Uint64()
	walSize, _ := r.Uint64()
	manOff, _ := r.Uint64()
	manSize, _ := r.Uint64()
	sstOff, _ := r.Uint64()
	sstSize, _ := r.Uint64()
	return Header{
		Version:  version,
		WAL:      Region{Offset: walOff, Size: walSize},
		Manifest: Region{Offset: manOff, Size: manSize},
		SSTHeap:  Region{Offset: sstOff, Size: sstSize},
	}, nil
}

// WriteHeader persists h at offset 0 of f, padded to BlockSize.
func WriteHeader(f *os.File, h Header) error {
	_, err := f.WriteAt(h.Encode(), 0)
	return err
}

// ReadHeader reads and validates the header at offset 0 of f.
func ReadHeader(f *os.File) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf)
}
