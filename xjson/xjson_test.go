package xjson

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_EncodesSimpleValue(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	require.NoError(t, Stream(rec, map[string]any{"ok": true, "count": 3}, DefaultOptions()))

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, float64(3), out["count"])
}

func TestStream_TruncatesLongStrings(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 50)
	rec := httptest.NewRecorder()
	require.NoError(t, Stream(rec, map[string]any{"s": long}, Options{MaxString: 10, MaxDepth: 20, ChunkSize: 1024}))

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, strings.HasPrefix(out["s"], strings.Repeat("a", 10)))
	assert.True(t, strings.HasSuffix(out["s"], truncationSuffix))
}

func TestStream_CapsNestingDepth(t *testing.T) {
	t.Parallel()

	var nested any = "leaf"
	for i := 0; i < 30; i++ {
		nested = map[string]any{"next": nested}
	}

	rec := httptest.NewRecorder()
	require.NoError(t, Stream(rec, nested, Options{MaxDepth: 3, MaxString: 100, ChunkSize: 1024}))

	assert.Contains(t, rec.Body.String(), depthPlaceholder)
}

func TestStream_WritesInMultipleChunks(t *testing.T) {
	t.Parallel()

	payload := map[string]string{"blob": strings.Repeat("x", 200)}
	rec := httptest.NewRecorder()
	require.NoError(t, Stream(rec, payload, Options{ChunkSize: 32, MaxDepth: 20, MaxString: 1000}))

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 200, len(out["blob"]))
}

func TestMarshal_ReturnsSanitizedBytes(t *testing.T) {
	t.Parallel()

	b, err := Marshal(map[string]any{"a": 1}, DefaultOptions())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"a":1`)
}
