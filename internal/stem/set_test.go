package stem

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, st := range All {
		parsed, err := Parse(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	parsed, err := Parse(" Drums ")
	require.NoError(t, err)
	assert.Equal(t, Drums, parsed)

	_, err = Parse("piano")
	assert.ErrorContains(t, err, "unknown stem")
}

func TestNewSet_RejectsDuplicatesAndEmptyURLs(t *testing.T) {
	_, err := NewSet(Entry{Stem: Vocals, URL: "a"}, Entry{Stem: Vocals, URL: "b"})
	assert.ErrorContains(t, err, "duplicate stem 'vocals'")

	_, err = NewSet(Entry{Stem: Bass, URL: "  "})
	assert.ErrorContains(t, err, "empty URL")

	_, err = NewSet(Entry{Stem: Stem(9), URL: "x"})
	assert.ErrorContains(t, err, "invalid stem")
}

func TestSet_UnmarshalJSONKeepsOrder(t *testing.T) {
	var set Set
	err := json.Unmarshal([]byte(`{"drums":"https://x/d.mp3","vocals":"https://x/v.mp3","other":"https://x/o.mp3"}`), &set)
	require.NoError(t, err)

	assert.Equal(t, []Stem{Drums, Vocals, Other}, set.Stems())
	primary, ok := set.Primary()
	require.True(t, ok)
	assert.Equal(t, Drums, primary)

	url, ok := set.URL(Vocals)
	require.True(t, ok)
	assert.Equal(t, "https://x/v.mp3", url)
	assert.False(t, set.Has(Bass))
}

func TestSet_UnmarshalJSONRejectsUnknownStem(t *testing.T) {
	var set Set
	err := json.Unmarshal([]byte(`{"vocals":"a","piano":"b"}`), &set)
	assert.ErrorContains(t, err, "unknown stem")

	err = json.Unmarshal([]byte(`["vocals"]`), &set)
	assert.ErrorContains(t, err, "JSON object")
}

func TestSet_MarshalJSONRoundTripsOrder(t *testing.T) {
	set, err := NewSet(
		Entry{Stem: Other, URL: "o"},
		Entry{Stem: Bass, URL: "b"},
	)
	require.NoError(t, err)

	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `{"other":"o","bass":"b"}`, string(data))
	assert.Equal(t, `{"other":"o","bass":"b"}`, string(data))
}
