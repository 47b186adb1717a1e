package iterator

import (
	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

// ScanParams describes one cross-partition scan, per spec §4.7: an
// optional parallel segment (segment, total_segments) so a caller can split
// work across goroutines/processes, plus the same limit/exclusive-start-key
// pagination contract queries use.
type ScanParams struct {
	Segment        int
	TotalSegments  int
	Limit          int
	ExclusiveStartKey *model.Key
}

// ScanResult mirrors QueryResult for a whole-stripe-set scan.
type ScanResult struct {
	Items        []model.Item
	LastKey      *model.Key
	ScannedCount int
}

// StripesForSegment returns which of 256 stripes belong to a scan segment,
// per spec §4.7's "stripe s belongs to segment s mod total_segments" rule.
func StripesForSegment(segment, totalSegments int) []uint16 {
	if totalSegments <= 0 {
		totalSegments = 1
	}
	var out []uint16
	for s := 0; s < 256; s++ {
		if s%totalSegments == segment {
			out = append(out, uint16(s))
		}
	}
	return out
}

// RunScan merges sources already narrowed to this segment's stripes
// (supplied in ascending-key-within-stripe, stripe-ascending order by the
// caller) and applies the exclusive-start-key/limit pagination contract.
// Unlike RunQuery, a scan has no sort-key predicate and no direction: spec
// §4.7 scans always walk forward.
func RunScan(sources []Source, params ScanParams) (ScanResult, error) {
	m := NewMerge(sources, false)
	var matched []model.Record
	for m.Next() {
		matched = append(matched, m.Record())
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		// Compare encoded-key bytes, not Key.Compare's field-wise order:
		// matched's order comes from the merge heap, which orders by
		// encoded bytes, and those two orders can disagree across
		// partitions with different-length partition keys.
		startEnc := params.ExclusiveStartKey.Encode()
		start = len(matched)
		for i, rec := range matched {
			cmp := compareBytes(rec.Key.Encode(), startEnc)
			if cmp == 0 {
				start = i + 1
				break
			}
			if cmp > 0 {
				start = i
				break
			}
		}
	}

	var result ScanResult
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
