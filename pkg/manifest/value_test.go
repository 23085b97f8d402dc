package manifest_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

func TestValue_PreservesVariant(t *testing.T) {
	cases := map[string]manifest.Kind{
		`null`:           manifest.KindNull,
		`true`:           manifest.KindBool,
		`12.50`:          manifest.KindNumber,
		`"12.50"`:        manifest.KindString,
		`[1,"a",null]`:   manifest.KindArray,
		`{"a":{"b":[]}}`: manifest.KindObject,
	}
	for doc, kind := range cases {
		var v manifest.Value
		require.NoError(t, json.Unmarshal([]byte(doc), &v), doc)
		assert.Equal(t, kind, v.Kind(), doc)

		out, err := json.Marshal(v)
		require.NoError(t, err)
		assert.JSONEq(t, doc, string(out), doc)
	}
}

func TestValue_NumberLexemeIsLossless(t *testing.T) {
	var v manifest.Value
	require.NoError(t, json.Unmarshal([]byte(`{"big":12345678901234567890,"f":1.10}`), &v))

	out, err := manifest.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"f":1.10}`, string(out))
}

func TestValue_RejectsBadNumber(t *testing.T) {
	_, err := manifest.Marshal(manifest.Number(`"1"`))
	assert.Error(t, err)
	_, err = manifest.Marshal(manifest.Number("NaN"))
	assert.Error(t, err)
}

func TestValue_TrailingData(t *testing.T) {
	var v manifest.Value
	assert.Error(t, v.UnmarshalJSON([]byte(`1 2`)))
	assert.Error(t, v.UnmarshalJSON([]byte(`{"a":`)))
}

func TestValue_ZeroIsUndefined(t *testing.T) {
	var v manifest.Value
	assert.True(t, v.IsZero())
	assert.False(t, manifest.Null().IsZero())
	assert.Equal(t, "undefined", v.Kind().String())
}

func TestValue_PathAndExport(t *testing.T) {
	v, err := manifest.FromAny(map[string]any{
		"data": map[string]any{
			"items": []any{map[string]any{"karma": 42}},
		},
	})
	require.NoError(t, err)

	karma, ok := v.Path("data", "items", "0", "karma")
	require.True(t, ok)
	assert.Equal(t, int64(42), karma.Export())

	_, ok = v.Path("data", "items", "1")
	assert.False(t, ok)
	_, ok = v.Path("data", "missing")
	assert.False(t, ok)
}

func TestValue_Equal(t *testing.T) {
	a := manifest.Object(map[string]manifest.Value{"x": manifest.Array(manifest.Int(1), manifest.String("y"))})
	b := manifest.Object(map[string]manifest.Value{"x": manifest.Array(manifest.Int(1), manifest.String("y"))})
	c := manifest.Object(map[string]manifest.Value{"x": manifest.Array(manifest.String("1"), manifest.String("y"))})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, manifest.Null().Equal(manifest.Value{}))
}
