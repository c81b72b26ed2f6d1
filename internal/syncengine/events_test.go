package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algodoeira/baletrack/pkg/datamodel"
)

func TestSubscribeParsesEventStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		// Two well-formed events plus a comment line that must be ignored.
		fmt.Fprint(w, "event:bale-update\ndata:refetch\n\n")
		flusher.Flush()
		fmt.Fprint(w, ":keepalive\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event:bale-update\ndata:refetch\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.Subscribe(ctx)
	require.NoError(t, err)

	var got []datamodel.ChangeEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, datamodel.EventBaleUpdate, got[0].Kind)
	assert.Equal(t, datamodel.EventBaleUpdate, got[1].Kind)
}

func TestSubscribeClosesChannelWhenStreamEnds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	events, err := c.Subscribe(context.Background())
	require.NoError(t, err)

	select {
	case _, open := <-events:
		assert.False(t, open, "a finished stream must close the channel")
	case <-time.After(5 * time.Second):
		t.Fatal("the event channel never closed")
	}
}

func TestSubscribeRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	_, err := c.Subscribe(context.Background())
	assert.Error(t, err)
}

func TestSubscribeSendsBearerToken(t *testing.T) {
	seen := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
	}))
	defer server.Close()

	c := NewClient(server.URL, "secret", nil)
	events, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	for range events {
	}
	assert.Equal(t, "Bearer secret", <-seen)
}
