package memval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_JSONRoundTrip(t *testing.T) {
	v := Object(map[string]Value{
		"team_size":      Number(7),
		"velocity_trend": String("declining"),
		"blocked":        Bool(true),
		"tags":           Array(String("sprint"), String("replan")),
		"notes":          Null(),
	})

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var back Value
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, v.Equal(back))
}

func TestValue_TypedAccessors(t *testing.T) {
	v := Object(map[string]Value{
		"action":     String("reduce_scope"),
		"adjustment": Number(-0.2),
		"urgent":     Bool(false),
	})

	s, ok := v.GetString("action")
	assert.True(t, ok)
	assert.Equal(t, "reduce_scope", s)

	f, ok := v.GetFloat("adjustment")
	assert.True(t, ok)
	assert.InDelta(t, -0.2, f, 1e-9)

	b, ok := v.GetBool("urgent")
	assert.True(t, ok)
	assert.False(t, b)

	_, ok = v.GetString("missing")
	assert.False(t, ok)

	// Wrong kind does not coerce.
	_, ok = v.GetFloat("action")
	assert.False(t, ok)
}

func TestValue_WrongKindErrors(t *testing.T) {
	v := String("hello")

	_, err := v.AsFloat()
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = v.Fields()
	assert.ErrorIs(t, err, ErrWrongKind)

	_, ok := v.Get("key")
	assert.False(t, ok)
}

func TestValue_CanonicalIsKeyOrderIndependent(t *testing.T) {
	// Same structure built with different insertion orders must produce
	// identical canonical bytes, otherwise cache keys would be unstable.
	a := Object(map[string]Value{
		"x": Number(1),
		"y": Object(map[string]Value{"b": Bool(true), "a": String("s")}),
	})
	b := Object(map[string]Value{
		"y": Object(map[string]Value{"a": String("s"), "b": Bool(true)}),
		"x": Number(1),
	})

	assert.Equal(t, string(a.Canonical()), string(b.Canonical()))
	assert.True(t, a.Equal(b))
}

func TestValue_CanonicalDistinguishesValues(t *testing.T) {
	a := Object(map[string]Value{"k": Number(1)})
	b := Object(map[string]Value{"k": Number(2)})
	assert.NotEqual(t, string(a.Canonical()), string(b.Canonical()))
	assert.False(t, a.Equal(b))
}

func TestFromInterface(t *testing.T) {
	v, err := FromInterface(map[string]interface{}{
		"count": 3,
		"ratio": 0.5,
		"list":  []interface{}{"a", 1},
	})
	require.NoError(t, err)

	f, ok := v.GetFloat("count")
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	items, ok := v.Get("list")
	require.True(t, ok)
	arr, err := items.Items()
	require.NoError(t, err)
	assert.Len(t, arr, 2)
}

func TestFromInterface_Unsupported(t *testing.T) {
	_, err := FromInterface(struct{}{})
	assert.Error(t, err)
}

func TestValue_ZeroValueIsNull(t *testing.T) {
	var v Value
	assert.True(t, v.IsNull())
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
