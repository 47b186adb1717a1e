package keystone

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func smallConfig() *Config {
	c := DefaultConfig()
	c.CompressionEnabled = false
	return &c
}

func TestCreatePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	key := Key{PK: []byte("user#1")}
	item := Item{"name": String("ada"), "age": Number("36")}

	require.NoError(t, e.Put(key, item))

	got, found, err := e.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ada", got["name"].Str)

	require.NoError(t, e.Delete(key))

	_, found, err = e.Get(key)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReopenPreservesManyKeys(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig()
	cfg.MemtableFlushThresholdCount = 64 // force several flushes while writing
	e, err := Create(dir, cfg)
	require.NoError(t, err)

	const n = 1100
	for i := 0; i < n; i++ {
		key := Key{PK: []byte(fmt.Sprintf("item#%04d", i))}
		require.NoError(t, e.Put(key, Item{"seq": Number(fmt.Sprintf("%d", i))}))
	}
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < n; i += 97 {
		key := Key{PK: []byte(fmt.Sprintf("item#%04d", i))}
		item, found, err := reopened.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %d should survive reopen", i)
		require.Equal(t, fmt.Sprintf("%d", i), item["seq"].Number)
	}
}

func TestQueryWithSortKeyRangeAndPagination(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	pk := []byte("order#42")
	for _, sk := range []string{"item#a", "item#b", "item#c", "other#z"} {
		key := Key{PK: pk, SK: []byte(sk)}
		require.NoError(t, e.Put(key, Item{"sk": String(sk)}))
	}

	res, err := e.Query(QueryParams{
		PK:        pk,
		Predicate: SKPredicate{Kind: SKBeginsWith, Value: []byte("item#")},
		Forward:   true,
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, "item#a", res.Items[0]["sk"].Str)
	require.Equal(t, "item#b", res.Items[1]["sk"].Str)
	require.NotNil(t, res.LastKey)

	res2, err := e.Query(QueryParams{
		PK:                pk,
		Predicate:         SKPredicate{Kind: SKBeginsWith, Value: []byte("item#")},
		Forward:           true,
		Limit:             2,
		ExclusiveStartKey: res.LastKey,
	})
	require.NoError(t, err)
	require.Len(t, res2.Items, 1)
	require.Equal(t, "item#c", res2.Items[0]["sk"].Str)
	require.Nil(t, res2.LastKey)
}

func TestConditionalPutAttributeNotExists(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	key := Key{PK: []byte("account#7")}
	cond := "attribute_not_exists(balance)"

	require.NoError(t, e.Put(key, Item{"balance": Number("100")}, WithCondition(cond, nil, nil)))

	err = e.Put(key, Item{"balance": Number("999")}, WithCondition(cond, nil, nil))
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, CodeConditionalCheckFailed, kerr.Code)

	got, found, err := e.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "100", got["balance"].Number)
}

func TestTransactWriteCancelsOnFailingConditionWithNoSideEffects(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	keyA := Key{PK: []byte("txn#a")}
	keyB := Key{PK: []byte("txn#b")}
	require.NoError(t, e.Put(keyA, Item{"v": Number("1")}))

	ops := []TxnOp{
		{Kind: TxnOpPut, Key: keyA, Item: Item{"v": Number("2")}},
		{
			Kind:      TxnOpConditionCheck,
			Key:       keyB,
			Condition: "attribute_exists(v)",
		},
		{Kind: TxnOpPut, Key: keyB, Item: Item{"v": Number("3")}},
	}

	_, err = e.TransactWrite(ops, Context{})
	require.Error(t, err)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, CodeTransactionCanceled, kerr.Code)

	// keyA must be unchanged and keyB must still be absent: no partial
	// application of the batch.
	got, found, err := e.Get(keyA)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", got["v"].Number)

	_, found, err = e.Get(keyB)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTransactWriteCommitsAtomically(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	keyA := Key{PK: []byte("acct#a")}
	keyB := Key{PK: []byte("acct#b")}
	require.NoError(t, e.Put(keyA, Item{"balance": Number("50")}))
	require.NoError(t, e.Put(keyB, Item{"balance": Number("10")}))

	ops := []TxnOp{
		{Kind: TxnOpUpdate, Key: keyA, UpdateExpr: "SET balance = balance - :amt", ConditionCtx: Context{Values: map[string]Value{":amt": Number("10")}}},
		{Kind: TxnOpUpdate, Key: keyB, UpdateExpr: "SET balance = balance + :amt", ConditionCtx: Context{Values: map[string]Value{":amt": Number("10")}}},
	}
	n, err := e.TransactWrite(ops, Context{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	a, _, _ := e.Get(keyA)
	b, _, _ := e.Get(keyB)
	require.Equal(t, "40", a["balance"].Number)
	require.Equal(t, "20", b["balance"].Number)
}

func TestScanAcrossStripes(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	const n = 50
	for i := 0; i < n; i++ {
		key := Key{PK: []byte(fmt.Sprintf("row#%03d", i))}
		require.NoError(t, e.Put(key, Item{"i": Number(fmt.Sprintf("%d", i))}))
	}

	seen := map[string]bool{}
	var start *Key
	for {
		res, err := e.Scan(ScanParams{TotalSegments: 1, Limit: 7, ExclusiveStartKey: start})
		require.NoError(t, err)
		for _, item := range res.Items {
			seen[item["i"].Number] = true
		}
		if res.LastKey == nil {
			break
		}
		start = res.LastKey
	}
	require.Len(t, seen, n)
}

func TestCreateInMemoryHasNoDirectory(t *testing.T) {
	e, err := CreateInMemory(smallConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(Key{PK: []byte("k")}, Item{"v": Number("1")}))
	got, found, err := e.Get(Key{PK: []byte("k")})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", got["v"].Number)

	st := e.Stats()
	require.True(t, st.InMemory)
}

func TestUpdateExpressionSetAndRemove(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	key := Key{PK: []byte("widget#1")}
	require.NoError(t, e.Put(key, Item{"color": String("red"), "qty": Number("3")}))

	item, err := e.Update(key, "SET qty = qty + :d REMOVE color", map[string]Value{":d": Number("2")}, nil)
	require.NoError(t, err)
	require.Equal(t, "5", item["qty"].Number)
	_, hasColor := item["color"]
	require.False(t, hasColor)
}

func TestBatchGetAndBatchWrite(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, smallConfig())
	require.NoError(t, err)
	defer e.Close()

	keys := []Key{{PK: []byte("b1")}, {PK: []byte("b2")}, {PK: []byte("b3")}}
	ops := make([]BatchOp, len(keys))
	for i, k := range keys {
		ops[i] = BatchOp{Kind: BatchPut, Key: k, Item: Item{"n": Number(fmt.Sprintf("%d", i))}}
	}
	require.NoError(t, e.BatchWrite(ops))

	items, found, err := e.BatchGet(keys)
	require.NoError(t, err)
	for i := range keys {
		require.True(t, found[i])
		require.Equal(t, fmt.Sprintf("%d", i), items[i]["n"].Number)
	}
}

func TestHealthReflectsCompactionBacklog(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig()
	cfg.MemtableFlushThresholdCount = 1
	cfg.CompactionSSTThreshold = 1000 // effectively disable the background worker's trigger
	e, err := Create(dir, cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 40; i++ {
		key := Key{PK: []byte(fmt.Sprintf("h#%03d", i))}
		require.NoError(t, e.Put(key, Item{"i": Number("1")}))
	}

	h := e.Health()
	require.Contains(t, []string{"healthy", "degraded"}, h.Status)
}
