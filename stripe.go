package keystone

import (
	"sync"

	"github.com/keystone-db/keystonedb-sub001/internal/iterator"
	"github.com/keystone-db/keystonedb-sub001/internal/manifest"
	"github.com/keystone-db/keystonedb-sub001/internal/memtable"
	"github.com/keystone-db/keystonedb-sub001/internal/sstable"
)

// stripeCount is the fixed shard count of spec §5: "256-stripe sharded
// engine... stripe = CRC32C(pk) mod 256".
const stripeCount = 256

// stripe owns one shard's memtable and the set of SST readers backing its
// durable data, guarded by its own read-write mutex so unrelated stripes
// never contend, per spec §5's "per-stripe lock" design.
type stripe struct {
	mu       sync.RWMutex
	id       uint16
	memtable *memtable.Memtable
	ssts     []sstable.Reader // newest-generation first
	refs     []manifest.SSTRef
}

func newStripe(id uint16) *stripe {
	return &stripe{id: id, memtable: memtable.New()}
}

// sources builds the ordered iterator.Source list for a merge across this
// stripe's memtable (freshest) and its SSTs (newest generation first),
// optionally narrowed to one partition key's encoded prefix.
func (s *stripe) sources(pkPrefix []byte) ([]iterator.Source, error) {
	var sources []iterator.Source

	mtEntries := s.memtable.Snapshot()
	var keys, values [][]byte
	for _, e := range mtEntries {
		if pkPrefix != nil && !hasPrefix(e.Key, pkPrefix) {
			continue
		}
		keys = append(keys, e.Key)
		values = append(values, e.Value)
	}
	sources = append(sources, iterator.NewSliceSource(keys, values))

	for _, r := range s.ssts {
		var it sstable.Iterator
		var err error
		if pkPrefix != nil {
			it, err = r.ScanPrefix(pkPrefix)
		} else {
			it, err = r.Iterator()
		}
		if err != nil {
			return nil, err
		}
		var sKeys, sValues [][]byte
		for it.Next() {
			e := it.Entry()
			sKeys = append(sKeys, e.Key)
			sValues = append(sValues, e.Value)
		}
		sources = append(sources, iterator.NewSliceSource(sKeys, sValues))
	}
	return sources, nil
}

func hasPrefix(encodedKey, pkPrefix []byte) bool {
	if len(encodedKey) < 4 {
		return false
	}
	n := int(readUint32(encodedKey))
	if n != len(pkPrefix) {
		return false
	}
	if len(encodedKey) < 4+n {
		return false
	}
	for i := 0; i < n; i++ {
		if encodedKey[4+i] != pkPrefix[i] {
			return false
		}
	}
	return true
}

// get resolves the current visible value for one key within the stripe,
// checking the memtable before any SST, newest SST first, per spec §4.1.
func (s *stripe) get(key Key) (Record, bool, error) {
	encKey := key.Encode()
	if raw, ok := s.memtable.Get(encKey); ok {
		rec, err := DecodeRecord(raw)
		if err != nil {
			return Record{}, false, err
		}
		if rec.Tombstone {
			return Record{}, false, nil
		}
		return rec, true, nil
	}
	for _, r := range s.ssts {
		raw, ok, err := r.Get(encKey)
		if err != nil {
			return Record{}, false, err
		}
		if !ok {
			continue
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			return Record{}, false, err
		}
		if rec.Tombstone {
			return Record{}, false, nil
		}
		return rec, true, nil
	}
	return Record{}, false, nil
}
