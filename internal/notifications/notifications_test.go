package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/cascade-controller/internal/config"
	"github.com/thatsimonsguy/cascade-controller/internal/env"
)

func setup(t *testing.T, ntfyTopic string, handler http.HandlerFunc) {
	srv := httptest.NewServer(handler)
	origURL, origCfg := baseURL, env.Cfg
	t.Cleanup(func() {
		srv.Close()
		baseURL, env.Cfg = origURL, origCfg
		client, topic, initialized = nil, "", false
	})

	baseURL = srv.URL
	cfg := config.Default()
	cfg.NtfyTopic = ntfyTopic
	env.Cfg = &cfg
	Init()
}

func TestSendWithoutTopic(t *testing.T) {
	setup(t, "", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	assert.False(t, Enabled())
	assert.Error(t, Send("title", "message"))
}

func TestSend(t *testing.T) {
	var got map[string]string
	var path string
	setup(t, "cascade-test", func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	require.True(t, Enabled())
	require.NoError(t, Send("Radiator sensor stale", "no reading for 10 cycles"))

	assert.Equal(t, "/cascade-test", path)
	assert.Equal(t, "Radiator sensor stale", got["title"])
	assert.Equal(t, "no reading for 10 cycles", got["message"])
	assert.Equal(t, "cascade-test", got["topic"])
}

func TestSendNonSuccessStatus(t *testing.T) {
	setup(t, "cascade-test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := Send("title", "message")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSenderDisabledIsNoop(t *testing.T) {
	setup(t, "", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	assert.NoError(t, Sender{}.Send("title", "message"))
}
