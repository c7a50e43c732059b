package querycore

import (
	"container/heap"
	"encoding/base64"
	"encoding/json"
	"sort"
)

// compareRecords orders two records under a compound sort key. For each
// field the key is (null_bucket, value): null sorts after non-null
// regardless of direction, and direction inverts the value comparison
// rather than reversing the whole sequence.
func compareRecords(a, b Record, sortFields []SortField) int {
	for _, sf := range sortFields {
		va := ResolveField(a, sf.Field)
		vb := ResolveField(b, sf.Field)

		nullA, nullB := IsNullValue(va), IsNullValue(vb)
		if nullA != nullB {
			if nullA {
				return 1
			}
			return -1
		}
		if nullA {
			continue
		}

		cmp := CompareValues(va, vb, false)
		if cmp == 0 {
			continue
		}
		if sf.Order == SortDesc {
			return -cmp
		}
		return cmp
	}
	return 0
}

// ApplySorting stably sorts records by the given compound key. A single
// pass first checks whether the input is already sorted; if so the input
// slice is returned untouched.
func ApplySorting(records []Record, sortFields []SortField) []Record {
	if len(sortFields) == 0 || len(records) < 2 {
		return records
	}

	sorted := true
	for i := 1; i < len(records); i++ {
		if compareRecords(records[i-1], records[i], sortFields) > 0 {
			sorted = false
			break
		}
	}
	if sorted {
		return records
	}

	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return compareRecords(out[i], out[j], sortFields) < 0
	})
	return out
}

// ApplyPagination slices out one 1-based page and returns it with the total
// count. Pages below 1 are treated as page 1.
func ApplyPagination(records []Record, page, size int) ([]Record, int) {
	total := len(records)
	if size < 1 {
		size = DefaultPageSize
	}
	if page < 1 {
		page = 1
	}

	offset := (page - 1) * size
	if offset >= total {
		return []Record{}, total
	}
	end := offset + size
	if end > total {
		end = total
	}
	return records[offset:end], total
}

// cursorPayload is the decoded form of an opaque pagination cursor: the
// full sort-key tuple of the first record of the requested page.
type cursorPayload struct {
	Keys []interface{} `json:"k"`
}

// encodeCursor captures a record's sort-key tuple as an opaque token
func encodeCursor(rec Record, sortFields []SortField) string {
	keys := make([]interface{}, len(sortFields))
	for i, sf := range sortFields {
		keys[i] = ResolveField(rec, sf.Field)
	}
	data, err := json.Marshal(cursorPayload{Keys: keys})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

func decodeCursor(cursor string) (*cursorPayload, error) {
	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, WithContext(ErrBadCursor, map[string]interface{}{
			"reason": err.Error(),
		})
	}
	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, WithContext(ErrBadCursor, map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return &payload, nil
}

// compareKeyTuple orders a record against a decoded cursor tuple under the
// same comparator used for sorting.
func compareKeyTuple(rec Record, keys []interface{}, sortFields []SortField) int {
	for i, sf := range sortFields {
		if i >= len(keys) {
			break
		}
		va := ResolveField(rec, sf.Field)
		vb := keys[i]

		nullA, nullB := IsNullValue(va), IsNullValue(vb)
		if nullA != nullB {
			if nullA {
				return 1
			}
			return -1
		}
		if nullA {
			continue
		}

		cmp := CompareValues(va, vb, false)
		if cmp == 0 {
			continue
		}
		if sf.Order == SortDesc {
			return -cmp
		}
		return cmp
	}
	return 0
}

// ApplyCursorPagination pages through sorted records using an opaque cursor.
// An empty cursor starts at the beginning. Positioning uses binary search
// under the sort comparator, so the records MUST already be sorted by
// sortFields.
func ApplyCursorPagination(records []Record, cursor string, size int, sortFields []SortField) (page []Record, nextCursor, prevCursor string, err error) {
	if size < 1 {
		size = DefaultPageSize
	}

	start := 0
	if cursor != "" {
		payload, derr := decodeCursor(cursor)
		if derr != nil {
			return nil, "", "", derr
		}
		// First index whose key tuple is >= the cursor tuple
		start = sort.Search(len(records), func(i int) bool {
			return compareKeyTuple(records[i], payload.Keys, sortFields) >= 0
		})
	}

	end := start + size
	if end > len(records) {
		end = len(records)
	}
	if start > len(records) {
		start = len(records)
	}
	page = records[start:end]

	if end < len(records) {
		nextCursor = encodeCursor(records[end], sortFields)
	}
	if start > 0 {
		prevStart := start - size
		if prevStart < 0 {
			prevStart = 0
		}
		prevCursor = encodeCursor(records[prevStart], sortFields)
	}

	return page, nextCursor, prevCursor, nil
}

// indexedRecord keeps the input position so ties resolve the same way the
// stable sort resolves them.
type indexedRecord struct {
	rec Record
	idx int
}

// recordHeap is a bounded max-heap under the sort comparator: the root is
// the worst record currently kept, so a better candidate replaces it in
// O(log k).
type recordHeap struct {
	items      []indexedRecord
	sortFields []SortField
}

func (h *recordHeap) Len() int { return len(h.items) }
func (h *recordHeap) Less(i, j int) bool {
	cmp := compareRecords(h.items[i].rec, h.items[j].rec, h.sortFields)
	if cmp != 0 {
		return cmp > 0
	}
	return h.items[i].idx > h.items[j].idx
}
func (h *recordHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *recordHeap) Push(x interface{}) {
	h.items = append(h.items, x.(indexedRecord))
}
func (h *recordHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// better reports whether a should be kept in preference to b
func (h *recordHeap) better(a, b indexedRecord) bool {
	cmp := compareRecords(a.rec, b.rec, h.sortFields)
	if cmp != 0 {
		return cmp < 0
	}
	return a.idx < b.idx
}

// TopK returns the k records that sort first under the compound key.
// For k < n a bounded heap avoids the full sort; the result always equals
// the length-k prefix of ApplySorting.
func TopK(records []Record, k int, sortFields []SortField) []Record {
	if k <= 0 {
		return []Record{}
	}
	if k >= len(records) {
		return ApplySorting(records, sortFields)
	}

	h := &recordHeap{sortFields: sortFields, items: make([]indexedRecord, 0, k+1)}
	for i, rec := range records {
		item := indexedRecord{rec: rec, idx: i}
		if h.Len() < k {
			heap.Push(h, item)
			continue
		}
		// Replace the current worst when a better record appears
		if h.better(item, h.items[0]) {
			h.items[0] = item
			heap.Fix(h, 0)
		}
	}

	out := make([]Record, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(indexedRecord).rec
	}
	return out
}
