package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/kestrel/pkg/run"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestForwarder(t *testing.T) {
	t.Run("should forward events in order and finish with a done frame", func(t *testing.T) {
		st := run.NewState("hello", "", run.StateOptions{})
		events := make(chan run.Event, 4)
		events <- run.NewEvent(run.KindRequestStarted, st)
		events <- run.NewEvent(run.KindLLMStarted, st)
		events <- run.NewEvent(run.KindLLMCompleted, st)
		close(events)

		f := NewForwarder(zerolog.Nop())
		srv := httptest.NewServer(f.Handler(func(r *http.Request) (<-chan run.Event, error) {
			return events, nil
		}))
		defer srv.Close()

		conn := dial(t, srv)

		wantKinds := []run.Kind{run.KindRequestStarted, run.KindLLMStarted, run.KindLLMCompleted}
		for i, want := range wantKinds {
			frame := readFrame(t, conn)
			require.Equal(t, "event", frame.Type)
			require.NotNil(t, frame.Event)
			assert.Equal(t, want, frame.Event.Kind)
			assert.Equal(t, int64(i+1), frame.Event.Seq)
			assert.Equal(t, st.RunID, frame.Event.RunID)
		}

		done := readFrame(t, conn)
		assert.Equal(t, "done", done.Type)
		assert.Nil(t, done.Event)
	})

	t.Run("should reject requests the opener refuses", func(t *testing.T) {
		f := NewForwarder(zerolog.Nop())
		srv := httptest.NewServer(f.Handler(func(r *http.Request) (<-chan run.Event, error) {
			return nil, assert.AnError
		}))
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
