package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fxrunner/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "server-history")
	ev := history.Event{
		Type:       history.EventKill,
		OccurredAt: time.Now().UTC(),
		SessionID:  "abc",
		PID:        99,
		Reason:     "restart requested",
	}
	require.NoError(t, sink.Send(context.Background(), ev))
	assert.Equal(t, "/server-history/_doc", gotPath)

	var decoded history.Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, history.EventKill, decoded.Type)
	assert.Equal(t, "abc", decoded.SessionID)
	assert.Equal(t, "restart requested", decoded.Reason)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventSpawn})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
