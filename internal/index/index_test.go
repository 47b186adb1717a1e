package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

func TestProjectKeysOnlyReturnsEmptyItem(t *testing.T) {
	item := model.Item{"a": model.Number("1"), "b": model.String("x")}
	out := Project(item, Definition{Projection: ProjectKeysOnly})
	require.Empty(t, out)
}

func TestProjectIncludeOnlyNamedAttrs(t *testing.T) {
	item := model.Item{"a": model.Number("1"), "b": model.String("x"), "c": model.Bool(true)}
	out := Project(item, Definition{Projection: ProjectInclude, IncludeAttrs: []string{"a", "c"}})
	require.Len(t, out, 2)
	require.Equal(t, "1", out["a"].Number)
	require.Equal(t, true, out["c"].Bool)
	_, hasB := out["b"]
	require.False(t, hasB)
}

func TestProjectAllClonesWholeItem(t *testing.T) {
	item := model.Item{"a": model.Number("1")}
	out := Project(item, Definition{Projection: ProjectAll})
	require.Equal(t, item["a"].Number, out["a"].Number)
}

func TestLocalKeySharesBasePartitionKey(t *testing.T) {
	def := Definition{Name: "by-status", Kind: KindLocal, SortKeyAttr: "status"}
	item := model.Item{"status": model.String("shipped")}

	k, err := LocalKey(def, []byte("order#1"), item, []byte("line#1"))
	require.NoError(t, err)
	require.Equal(t, []byte("order#1"), k.PK, "an LSI entry must land in the same partition as its base item")
}

func TestLocalKeyMissingSortAttrErrors(t *testing.T) {
	def := Definition{Name: "by-status", Kind: KindLocal, SortKeyAttr: "status"}
	_, err := LocalKey(def, []byte("order#1"), model.Item{}, nil)
	require.Error(t, err)
}

func TestGlobalKeyUsesItemDerivedPartitionKey(t *testing.T) {
	def := Definition{Name: "by-owner", Kind: KindGlobal, PartitionKeyAttr: "owner", SortKeyAttr: "created"}
	item := model.Item{"owner": model.String("team-a"), "created": model.String("2026-01-01")}

	k, err := GlobalKey(def, item, []byte("order#1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("team-a"), k.PK)
}

func TestDistinctBaseItemsProduceDistinctLocalKeys(t *testing.T) {
	def := Definition{Name: "by-status", Kind: KindLocal, SortKeyAttr: "status"}
	k1, err := LocalKey(def, []byte("pk"), model.Item{"status": model.String("a")}, []byte("1"))
	require.NoError(t, err)
	k2, err := LocalKey(def, []byte("pk"), model.Item{"status": model.String("a")}, []byte("2"))
	require.NoError(t, err)
	require.NotEqual(t, k1.SK, k2.SK, "base sort key tiebreaks entries sharing an alternate sort key")
}
