package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeSetCreatesIntermediates(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.Set("auction/guests/g1/status", "waiting"))

	v, ok := tr.Get("auction/guests/g1")
	require.True(t, ok)
	require.Equal(t, map[string]any{"status": "waiting"}, v)
}

func TestTreeSetReplacesLeafOnTheWay(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.Set("auction", "scalar"))
	require.NoError(t, tr.Set("auction/started", true))

	snap := tr.Snapshot("auction")
	require.JSONEq(t, `{"started":true}`, string(snap.Value))
}

func TestTreeRootMustBeObject(t *testing.T) {
	tr := NewTree()
	require.Error(t, tr.Set("", 5))
	require.NoError(t, tr.Set("", map[string]any{"a": 1}))
	require.JSONEq(t, `{"a":1}`, string(tr.Snapshot("").Value))
}

func TestTreeMergeRejectsEmptyKey(t *testing.T) {
	tr := NewTree()
	require.ErrorIs(t, tr.Merge("auction", map[string]any{"": 1}), ErrInvalidPath)
	_, ok := tr.Get("auction")
	require.False(t, ok)
}

func TestTreeRoundTrip(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.Merge("auction", map[string]any{
		"currentPrice": int64(123456789012),
		"timerEnd":     nil,
		"item":         map[string]any{"images": []string{"https://a", "https://b"}},
	}))
	raw, err := tr.MarshalJSON()
	require.NoError(t, err)

	back, err := ParseTree(raw)
	require.NoError(t, err)
	require.JSONEq(t, string(tr.Snapshot("auction").Value), string(back.Snapshot("auction").Value))
	require.Equal(t, "123456789012", string(back.Snapshot("auction/currentPrice").Value))
}

func TestParseTreeRejectsNonObject(t *testing.T) {
	_, err := ParseTree([]byte(`[1,2]`))
	require.Error(t, err)

	tr, err := ParseTree(nil)
	require.NoError(t, err)
	require.False(t, tr.Snapshot("x").Exists)
}

func TestTreeDelete(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.Set("a/b/c", 1))
	tr.Delete("a/b/c")
	tr.Delete("a/x/y")
	v, ok := tr.Get("a/b")
	require.True(t, ok)
	require.Equal(t, map[string]any{}, v)

	tr.Delete("")
	_, ok = tr.Get("a")
	require.False(t, ok)
}
