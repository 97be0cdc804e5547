package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestLog(t *testing.T) {
	buf := captureLogs(t)

	Log(context.Background(), Event{
		Type:      EventSessionCreate,
		UserID:    "h1",
		SessionID: "s1",
		Details:   map[string]interface{}{"contentId": "rom-1", "participants": 1},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "security", entry["audit"])
	assert.Equal(t, string(EventSessionCreate), entry["eventType"])
	assert.Equal(t, "h1", entry["userId"])
	assert.Equal(t, "s1", entry["sessionId"])
	assert.Equal(t, "rom-1", entry["contentId"])
	assert.EqualValues(t, 1, entry["participants"])
}

func TestClientIP(t *testing.T) {
	t.Run("first forwarded hop", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		assert.Equal(t, "203.0.113.7", ClientIP(r))
	})

	t.Run("real ip header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Real-IP", "203.0.113.8")
		assert.Equal(t, "203.0.113.8", ClientIP(r))
	})

	t.Run("remote addr without port", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.1:5555"
		assert.Equal(t, "192.0.2.1", ClientIP(r))
	})
}
