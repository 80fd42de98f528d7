package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDephashStableUnderTagOrder(t *testing.T) {
	t1 := &Task{Platform: "windows", OSVersion: "10", MachineTags: []string{"b", "a"}}
	t2 := &Task{Platform: "windows", OSVersion: "10", MachineTags: []string{"a", "b"}}
	assert.Equal(t, t1.Dephash(), t2.Dephash())
}

func TestDephashDiffersOnPlatform(t *testing.T) {
	t1 := &Task{Platform: "windows", OSVersion: "10"}
	t2 := &Task{Platform: "linux", OSVersion: "10"}
	assert.NotEqual(t, t1.Dephash(), t2.Dephash())
}

func TestProcessingResultDuplicateKeyPanics(t *testing.T) {
	r := NewProcessingResult()
	r.Set("static", 1)
	assert.Panics(t, func() { r.Set("static", 2) })
}

func TestProcessingResultGet(t *testing.T) {
	r := NewProcessingResult()
	r.Set("behavior", []string{"a"})
	v, ok := r.Get("behavior")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestAnalysisJSONRoundTripPreservesTargetKind(t *testing.T) {
	original := Analysis{
		ID:     "abc",
		Target: TargetFile{SHA256: "deadbeef", Filename: "sample.bin"},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Analysis
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, "file", decoded.Target.Kind())
	require.Equal(t, original.Target.(TargetFile).SHA256, decoded.Target.(TargetFile).SHA256)
}

func TestAnalysisJSONRoundTripURLTarget(t *testing.T) {
	original := Analysis{ID: "xyz", Target: TargetURL{URL: "http://example.com"}}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Analysis
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, "url", decoded.Target.Kind())
	require.Equal(t, "http://example.com", decoded.Target.(TargetURL).URL)
}
