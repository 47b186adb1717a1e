package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyCompareOrdersByPKThenSK(t *testing.T) {
	a := Key{PK: []byte("a")}
	b := Key{PK: []byte("a"), SK: []byte("x")}
	c := Key{PK: []byte("b")}

	require.Negative(t, a.Compare(b), "absent sk sorts before present sk")
	require.Positive(t, b.Compare(a))
	require.Negative(t, a.Compare(c))
	require.Zero(t, a.Compare(Key{PK: []byte("a")}))
}

func TestKeyEncodeDecodeRoundTrip(t *testing.T) {
	k := Key{PK: []byte("partition"), SK: []byte("sort")}
	enc := k.Encode()
	decoded, n, err := DecodeKey(enc)
	require.NoError(t, err)
	require.Equal(t, len(enc), n)
	require.Equal(t, k.PK, decoded.PK)
	require.Equal(t, k.SK, decoded.SK)
}

func TestKeyEncodeDecodeRoundTripNoSK(t *testing.T) {
	k := Key{PK: []byte("onlypk")}
	decoded, _, err := DecodeKey(k.Encode())
	require.NoError(t, err)
	require.Equal(t, k.PK, decoded.PK)
	require.Empty(t, decoded.SK)
}

func TestItemEncodeDecodeRoundTrip(t *testing.T) {
	item := Item{
		"name":   String("ada"),
		"age":    Number("36"),
		"active": Bool(true),
		"tags":   List([]Value{String("a"), String("b")}),
		"meta":   Map(map[string]Value{"k": String("v")}),
	}
	enc := EncodeItem(item)
	decoded, err := DecodeItem(enc)
	require.NoError(t, err)
	require.Equal(t, item["name"].Str, decoded["name"].Str)
	require.Equal(t, item["age"].Number, decoded["age"].Number)
	require.Equal(t, item["active"].Bool, decoded["active"].Bool)
	require.Len(t, decoded["tags"].List, 2)
	require.Equal(t, "v", decoded["meta"].Map["k"].Str)
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{
		Key:  Key{PK: []byte("pk"), SK: []byte("sk")},
		Item: Item{"v": Number("1")},
		Seq:  42,
	}
	payload := EncodeRecord(rec)
	decoded, err := DecodeRecord(payload)
	require.NoError(t, err)
	require.Equal(t, rec.Key.PK, decoded.Key.PK)
	require.Equal(t, rec.Key.SK, decoded.Key.SK)
	require.Equal(t, uint64(42), decoded.Seq)
	require.False(t, decoded.Tombstone)
	require.Equal(t, "1", decoded.Item["v"].Number)
}

func TestRecordTombstoneRoundTrip(t *testing.T) {
	rec := Record{Key: Key{PK: []byte("pk")}, Seq: 7, Tombstone: true}
	decoded, err := DecodeRecord(EncodeRecord(rec))
	require.NoError(t, err)
	require.True(t, decoded.Tombstone)
	require.Nil(t, decoded.Item)
}

func TestErrorIsMatchesBySentinelCode(t *testing.T) {
	err := WrapErr(CodeIO, "disk full", nil)
	require.ErrorIs(t, err, ErrIO)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestRetryableClassifiesTransientCodes(t *testing.T) {
	require.True(t, Retryable(NewErr(CodeIO, "transient")))
	require.True(t, Retryable(NewErr(CodeWalFull, "full")))
	require.False(t, Retryable(NewErr(CodeNotFound, "missing")))
}

func TestTransactionCanceledErrorCarriesIndexAndReason(t *testing.T) {
	err := TransactionCanceledError(2, "condition failed")
	require.Equal(t, CodeTransactionCanceled, err.Code)
	require.Equal(t, 2, err.TxnIndex)
	require.Equal(t, "condition failed", err.TxnReason)
}
