package remote

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeStripsUndefinedKeepsNull(t *testing.T) {
	in := Doc{
		"name":      "Coca",
		"imageUrl":  Undefined,
		"deletedAt": nil,
		"nested": map[string]any{
			"a": Undefined,
			"b": nil,
			"c": 1.5,
		},
		"items": []any{
			map[string]any{"id": "li-1", "stockItemId": Undefined},
			Undefined,
			"x",
		},
		"ratio": math.NaN(),
		"big":   math.Inf(1),
	}

	out := Sanitize(in)

	require.NotContains(t, out, "imageUrl")
	require.NotContains(t, out, "ratio")
	require.NotContains(t, out, "big")
	require.Contains(t, out, "deletedAt")
	require.Nil(t, out["deletedAt"])

	nested := out["nested"].(map[string]any)
	require.NotContains(t, nested, "a")
	require.Contains(t, nested, "b")
	require.Equal(t, 1.5, nested["c"])

	items := out["items"].([]any)
	require.Len(t, items, 2)
	require.NotContains(t, items[0].(map[string]any), "stockItemId")

	// The result must be encodable, with absent fields rather than nulls.
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "imageUrl")
	require.Contains(t, string(raw), `"deletedAt":null`)

	// Input is untouched.
	require.Contains(t, in, "imageUrl")
}

func TestSanitizeNil(t *testing.T) {
	require.Nil(t, Sanitize(nil))
}

func TestQuantityAndMerge(t *testing.T) {
	d := Doc{"currentQuantity": float64(7)}
	require.Equal(t, 7, Quantity(d, "currentQuantity"))
	require.Equal(t, 0, Quantity(d, "missing"))

	d = Merge(d, Doc{"currentQuantity": 3, "updatedBy": "Kofi"})
	require.Equal(t, 3, Quantity(d, "currentQuantity"))
	require.Equal(t, "Kofi", d["updatedBy"])
}

func TestDocPath(t *testing.T) {
	ev := ChangeEvent{BusinessID: "biz-1", Collection: "stock", ID: "s-1"}
	require.Equal(t, "businesses/biz-1/stock/s-1", ev.Path())
}
