package expr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

func TestAttributeExistsAndNotExists(t *testing.T) {
	item := model.Item{"a": model.Number("1")}

	cond, err := ParseCondition("attribute_exists(a)", Context{})
	require.NoError(t, err)
	require.True(t, cond.Eval(item))

	cond, err = ParseCondition("attribute_not_exists(b)", Context{})
	require.NoError(t, err)
	require.True(t, cond.Eval(item))

	cond, err = ParseCondition("attribute_not_exists(a)", Context{})
	require.NoError(t, err)
	require.False(t, cond.Eval(item))
}

func TestComparisonWithPlaceholder(t *testing.T) {
	item := model.Item{"balance": model.Number("100")}
	ctx := Context{Values: map[string]model.Value{":min": model.Number("50")}}

	cond, err := ParseCondition("balance >= :min", ctx)
	require.NoError(t, err)
	require.True(t, cond.Eval(item))

	cond, err = ParseCondition("balance < :min", ctx)
	require.NoError(t, err)
	require.False(t, cond.Eval(item))
}

func TestAndOrNotPrecedence(t *testing.T) {
	item := model.Item{"a": model.Number("1"), "b": model.Number("2")}
	cond, err := ParseCondition("a = :one AND (b = :two OR b = :three)", Context{
		Values: map[string]model.Value{
			":one": model.Number("1"), ":two": model.Number("2"), ":three": model.Number("3"),
		},
	})
	require.NoError(t, err)
	require.True(t, cond.Eval(item))

	cond, err = ParseCondition("NOT (a = :one)", Context{Values: map[string]model.Value{":one": model.Number("1")}})
	require.NoError(t, err)
	require.False(t, cond.Eval(item))
}

func TestBeginsWithAndBetween(t *testing.T) {
	item := model.Item{"name": model.String("orderline-42"), "qty": model.Number("5")}

	cond, err := ParseCondition(`begins_with(name, :pfx)`, Context{Values: map[string]model.Value{":pfx": model.String("orderline")}})
	require.NoError(t, err)
	require.True(t, cond.Eval(item))

	cond, err = ParseCondition("qty BETWEEN :lo AND :hi", Context{
		Values: map[string]model.Value{":lo": model.Number("1"), ":hi": model.Number("10")},
	})
	require.NoError(t, err)
	require.True(t, cond.Eval(item))
}

func TestEvalOnMissingItemIsFalseExceptAttributeNotExists(t *testing.T) {
	cond, err := ParseCondition("attribute_not_exists(anything)", Context{})
	require.NoError(t, err)
	require.True(t, cond.Eval(nil))

	cond, err = ParseCondition("attribute_exists(anything)", Context{})
	require.NoError(t, err)
	require.False(t, cond.Eval(nil))
}

func TestUpdateSetArithmeticAndRemove(t *testing.T) {
	item := model.Item{"qty": model.Number("10"), "note": model.String("x")}
	actions, err := ParseUpdate("SET qty = qty - :d REMOVE note", Context{
		Values: map[string]model.Value{":d": model.Number("3")},
	})
	require.NoError(t, err)

	out, err := Apply(item, actions)
	require.NoError(t, err)
	require.Equal(t, "7", out["qty"].Number)
	_, hasNote := out["note"]
	require.False(t, hasNote)
}

func TestUpdateAddToNumberAndSet(t *testing.T) {
	item := model.Item{"counter": model.Number("5")}
	actions, err := ParseUpdate("ADD counter :inc", Context{
		Values: map[string]model.Value{":inc": model.Number("4")},
	})
	require.NoError(t, err)

	out, err := Apply(item, actions)
	require.NoError(t, err)
	require.Equal(t, "9", out["counter"].Number)
}

func TestUpdateSetLiteralOnMissingItem(t *testing.T) {
	actions, err := ParseUpdate("SET status = :s", Context{
		Values: map[string]model.Value{":s": model.String("active")},
	})
	require.NoError(t, err)

	out, err := Apply(model.Item{}, actions)
	require.NoError(t, err)
	require.Equal(t, "active", out["status"].Str)
}
