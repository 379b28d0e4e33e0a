package jsoncmp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
	Items []item  `json:"items"`
}

type item struct {
	SKU       string `json:"sku"`
	CreatedAt string `json:"createdAt"`
}

func TestCompareStructAgainstRawJSON(t *testing.T) {
	expected := order{ID: "o-1", Total: 12.5, Items: []item{{SKU: "a", CreatedAt: "then"}}}
	actual := `{"items":[{"createdAt":"then","sku":"a"}],"total":12.5,"id":"o-1"}`

	assert.NoError(t, Compare(expected, actual))
	assert.True(t, Equal(expected, []byte(actual)))
}

func TestCompareWithIgnoredPaths(t *testing.T) {
	expected := order{ID: "ignored", Total: 3, Items: []item{{SKU: "a", CreatedAt: "x"}, {SKU: "b", CreatedAt: "y"}}}
	actual := `{"id":"generated","total":3,"items":[{"sku":"a","createdAt":"1"},{"sku":"b","createdAt":"2"}]}`

	assert.Error(t, Compare(expected, actual))
	assert.NoError(t, Compare(expected, actual, ".id", ".items[].createdAt"))
}

func TestCompareReportsMismatch(t *testing.T) {
	err := Compare(map[string]any{"a": 1}, `{"a":2}`)
	require.Error(t, err)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, `{"a":1}`, mismatch.Expected)
	assert.Equal(t, `{"a":2}`, mismatch.Actual)
}

func TestMalformedInput(t *testing.T) {
	assert.False(t, Equal(`{"a":`, `{"a":1}`))
	assert.Error(t, Compare(`{}`, `{}`, ".["))
}

func TestStripMissingPathIsNoop(t *testing.T) {
	doc, err := Normalize(`{"a":1}`)
	require.NoError(t, err)
	out, err := Strip(doc, ".missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, out)
}
