package iterator

import (
	"bytes"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

// SKPredicateKind is the sort-key comparison a query applies, per spec
// §4.7 ("=, <, ≤, >, ≥, between(a,b), begins_with(prefix); without a
// predicate, all items in the partition qualify").
type SKPredicateKind int

const (
	SKNone SKPredicateKind = iota
	SKEqual
	SKLess
	SKLessEqual
	SKGreater
	SKGreaterEqual
	SKBetween
	SKBeginsWith
)

// SKPredicate filters a query to a sort-key range within one partition.
type SKPredicate struct {
	Kind  SKPredicateKind
	Value  []byte // comparison / begins_with operand
	Value2 []byte // upper bound for Between
}

func (p SKPredicate) matches(sk []byte) bool {
	switch p.Kind {
	case SKNone:
		return true
	case SKEqual:
		return bytes.Equal(sk, p.Value)
	case SKLess:
		return bytes.Compare(sk, p.Value) < 0
	case SKLessEqual:
		return bytes.Compare(sk, p.Value) <= 0
	case SKGreater:
		return bytes.Compare(sk, p.Value) > 0
	case SKGreaterEqual:
		return bytes.Compare(sk, p.Value) >= 0
	case SKBetween:
		return bytes.Compare(sk, p.Value) >= 0 && bytes.Compare(sk, p.Value2) <= 0
	case SKBeginsWith:
		return bytes.HasPrefix(sk, p.Value)
	default:
		return true
	}
}

// QueryParams describes one partition-scoped query, per spec §4.7.
type QueryParams struct {
	PK                []byte
	Predicate         SKPredicate
	Forward           bool
	Limit             int // 0 means unbounded
	ExclusiveStartKey *model.Key
}

// QueryResult is the page of items a query produced plus pagination state.
type QueryResult struct {
	Items        []model.Item
	LastKey      *model.Key
	ScannedCount int
}

// RunQuery merges sources (already narrowed to one partition's keys by the
// caller, e.g. via SST ScanPrefix and a memtable range walk), applies the
// sort-key predicate, direction, exclusive start key, and limit, and
// returns one page, per spec §4.7's pagination contract: "a cursor
// (last_key) such that resuming with it as exclusive_start_key and the same
// parameters yields the next page with no gaps or duplicates".
func RunQuery(sources []Source, params QueryParams) (QueryResult, error) {
	m := NewMerge(sources, false)
	var matched []model.Record
	for m.Next() {
		rec := m.Record()
		if !bytes.Equal(rec.Key.PK, params.PK) {
			continue
		}
		if !params.Predicate.matches(rec.Key.SK) {
			continue
		}
		matched = append(matched, rec)
	}

	if !params.Forward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		start = len(matched)
		for i, rec := range matched {
			cmp := rec.Key.Compare(*params.ExclusiveStartKey)
			if cmp == 0 {
				start = i + 1
				break
			}
			// The exact key is gone (e.g. deleted since the cursor was
			// issued): resume at the first key past it in this direction.
			if (params.Forward && cmp > 0) || (!params.Forward && cmp < 0) {
				start = i
				break
			}
		}
	}

	var result QueryResult
	result.ScannedCount = len(matched) - start
	if result.ScannedCount < 0 {
		result.ScannedCount = 0
	}
	end := len(matched)
	if params.Limit > 0 && start+params.Limit < end {
		end = start + params.Limit
	}
	for i := start; i < end; i++ {
		result.Items = append(result.Items, matched[i].Item)
	}
	if end < len(matched) {
		k := matched[end-1].Key
		result.LastKey = &k
	}
	return result, nil
}
