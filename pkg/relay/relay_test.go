package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/dzplugin"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/internal/testhost"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	host     *testhost.Host
	relay    *Relay
	listener *testhost.ListenerConn
	server   *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	host := testhost.New(t)
	client, err := dzplugin.Connect(context.Background(), testhost.Address, "relay-token",
		dzplugin.WithDialOptions(host.DialOption()),
		dzplugin.WithLogger(logging.Discard()),
		dzplugin.WithDialTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	r := New(client, opts...)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Stop() })

	listener := host.AcceptListener(t)

	server := httptest.NewServer(r.Routes())
	t.Cleanup(server.Close)

	return &fixture{host: host, relay: r, listener: listener, server: server}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return ws
}

func (f *fixture) waitClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.relay.Stats().ConnectedClients == n
	}, 5*time.Second, 5*time.Millisecond)
}

func readFrame(t *testing.T, ws *websocket.Conn, encoding Encoding) Frame {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, encoding.messageType(), messageType)

	var f Frame
	require.NoError(t, encoding.Unmarshal(data, &f))
	return f
}

func TestRelayFansOutEvents(t *testing.T) {
	f := newFixture(t)

	first := f.dial(t, "")
	second := f.dial(t, "?encoding=json")
	f.waitClients(t, 2)

	require.NoError(t, f.listener.Send("#main", "bob", "hello"))
	require.NoError(t, f.listener.Send("#main", "ann", "hi bob"))

	for _, ws := range []*websocket.Conn{first, second} {
		assert.Equal(t, Frame{Type: FrameChat, Room: "#main", From: "bob", Text: "hello"}, readFrame(t, ws, EncodingJSON))
		assert.Equal(t, Frame{Type: FrameChat, Room: "#main", From: "ann", Text: "hi bob"}, readFrame(t, ws, EncodingJSON))
	}

	// The relay never rewrites messages.
	_, ok := f.listener.Next(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestRelayCBORSubscriber(t *testing.T) {
	f := newFixture(t)

	ws := f.dial(t, "?encoding=cbor")
	f.waitClients(t, 1)

	require.NoError(t, f.listener.Send("#dev", "bob", "binary please"))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)

	var frame Frame
	require.NoError(t, cbor.Unmarshal(data, &frame))
	assert.Equal(t, Frame{Type: FrameChat, Room: "#dev", From: "bob", Text: "binary please"}, frame)
}

func TestRelayPostsMessages(t *testing.T) {
	f := newFixture(t)

	ws := f.dial(t, "")
	f.waitClients(t, 1)

	require.NoError(t, ws.WriteJSON(map[string]string{"room": "#main", "text": "from the web"}))

	messages := f.host.WaitMessages(t, 1)
	assert.Equal(t, "#main", messages[0].Room)
	assert.Equal(t, "from the web", messages[0].Msg)
	assert.Nil(t, messages[0].From)
	assert.Nil(t, messages[0].EphemeralTo)
}

func TestRelayRejectsInvalidPosts(t *testing.T) {
	f := newFixture(t)

	ws := f.dial(t, "")
	f.waitClients(t, 1)

	require.NoError(t, ws.WriteJSON(map[string]string{"room": "#main"}))
	frame := readFrame(t, ws, EncodingJSON)
	assert.Equal(t, FrameError, frame.Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = readFrame(t, ws, EncodingJSON)
	assert.Equal(t, FrameError, frame.Type)

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameChat, Room: "#main", Text: "spoof"}))
	frame = readFrame(t, ws, EncodingJSON)
	assert.Equal(t, FrameError, frame.Type)

	assert.Empty(t, f.host.Messages())
}

func TestRelayUnknownEncoding(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?encoding=xml"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayStats(t *testing.T) {
	f := newFixture(t)

	f.dial(t, "")
	f.waitClients(t, 1)

	require.NoError(t, f.listener.Send("#main", "bob", "count me"))
	require.Eventually(t, func() bool {
		return f.relay.Stats().FramesSent == 1
	}, 5*time.Second, 5*time.Millisecond)

	resp, err := http.Get(f.server.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, int64(1), stats.EventsReceived)
	assert.Equal(t, int64(1), stats.FramesSent)
}

func TestRelayPattern(t *testing.T) {
	f := newFixture(t, WithPattern("^!relay"))

	assert.Equal(t, "^!relay", f.listener.Spec.GetRegex())
	assert.False(t, f.listener.Spec.GetMiddleware())
	require.NotNil(t, f.relay.Session())
	assert.Equal(t, dzplugin.KindListener, f.relay.Session().Kind())
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{in: "", want: EncodingJSON},
		{in: "JSON", want: EncodingJSON},
		{in: "cbor", want: EncodingCBOR},
		{in: "msgpack", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEncoding(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, dzplugin.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelayAnswersPing(t *testing.T) {
	f := newFixture(t)

	ws := f.dial(t, "")
	f.waitClients(t, 1)

	require.NoError(t, ws.WriteJSON(Frame{Type: FramePing}))
	assert.Equal(t, Frame{Type: FramePong}, readFrame(t, ws, EncodingJSON))
}

func TestRouterRoutesUntypedFramesAsPosts(t *testing.T) {
	r := NewRouter()
	assert.False(t, r.CanHandle(""))

	r.Register(FramePost, func(*Conn, Frame) {})
	assert.True(t, r.CanHandle(""))
	assert.True(t, r.CanHandle(FramePost))
	assert.False(t, r.CanHandle(FrameChat))
}
