package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() { SetLevel("info") })
	return buf
}

func TestSetLevelFiltersDebug(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("info")
	Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	SetLevel("debug")
	Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warning", "error"} {
		assert.True(t, ValidLevel(lvl), lvl)
	}
	assert.False(t, ValidLevel("verbose"))
}

func TestMiddlewareLogsStatus(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("info")

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/missing?x=1", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "/api/missing?x=1", line["path"])
	assert.EqualValues(t, 404, line["status"])
}
