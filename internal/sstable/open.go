package sstable

import (
	"fmt"
	"os"

	"github.com/keystone-db/keystonedb-sub001/internal/layout"
)

// OpenAny opens path as whichever SST variant its footer magic identifies,
// routing block-variant reads through pool when non-nil. This is what the
// engine and compaction use instead of assuming a format, so pre-upgrade
// flat SSTs keep working until they're compacted away, per spec §4.4.
func OpenAny(path string, pool *layout.MmapPool) (Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() < flatFooterSize {
		return nil, fmt.Errorf("sstable: file too small to identify variant")
	}

	// Both footers are fixed size with the magic in their first 4 bytes;
	// try the block footer size first since it is the current format.
	if info.Size() >= blockFooterSize {
		if magic, ok := peekMagic(path, blockFooterSize); ok && magic == BlockMagic {
			return OpenPooled(path, true, pool)
		}
	}
	if info.Size() >= flatFooterSize {
		if magic, ok := peekMagic(path, flatFooterSize); ok && magic == FlatMagic {
			return OpenFlat(path)
		}
	}
	return nil, fmt.Errorf("sstable: %s: unrecognized footer format", path)
}

func peekMagic(path string, footerSize int64) (uint32, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() < footerSize {
		return 0, false
	}
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, info.Size()-footerSize); err != nil {
		return 0, false
	}
	return readUint32BE(buf), true
}
