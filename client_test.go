package dzplugin

import (
	"context"
	stderrors "errors"
	"net"
	"testing"
	"time"

	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/internal/testhost"
	"github.com/HMasataka/dzplugin/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

const testToken = "dvz.token@hello.world1234"

func newTestClient(t *testing.T, host *testhost.Host, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{
		WithDialOptions(host.DialOption()),
		WithLogger(logging.Discard()),
		WithDialTimeout(5 * time.Second),
	}, opts...)

	client, err := Connect(context.Background(), testhost.Address, testToken, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestConnectRejectsInvalidToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "leading space", token: " token"},
		{name: "newline", token: "tok\nen"},
		{name: "non ascii", token: "tøken"},
	}

	host := testhost.New(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Connect(context.Background(), testhost.Address, tt.token,
				WithDialOptions(host.DialOption()), WithLogger(logging.Discard()))
			assert.ErrorIs(t, err, ErrAuth)
		})
	}

	assert.Empty(t, host.Calls())
}

func TestConnectFailsFast(t *testing.T) {
	refuse := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, stderrors.New("connection refused")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Connect(ctx, "passthrough:///nowhere", testToken,
		WithDialOptions(refuse), WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.NoError(t, ctx.Err(), "connect must not wait for a reconnect")
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		address string
		target  string
		tls     bool
		wantErr bool
	}{
		{address: "https://devzat.hackclub.com:5556", target: "devzat.hackclub.com:5556", tls: true},
		{address: "http://localhost:5556/", target: "localhost:5556"},
		{address: "localhost:5556", target: "localhost:5556"},
		{address: "dns:///devzat.hackclub.com:5556", target: "dns:///devzat.hackclub.com:5556"},
		{address: "https://", wantErr: true},
		{address: "https://host:1/path", wantErr: true},
		{address: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			target, useTLS, err := parseAddress(tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConnection)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, target)
			assert.Equal(t, tt.tls, useTLS)
		})
	}
}

func TestSendMessageOptionalFields(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)
	ctx := context.Background()

	require.NoError(t, client.SendMessage(ctx, Message{Room: "#main", Text: "hi"}))
	require.NoError(t, client.SendMessage(ctx, Message{
		Room:        "#main",
		From:        String("Rusty"),
		Text:        "psst",
		EphemeralTo: String(""),
	}))

	messages := host.Messages()
	require.Len(t, messages, 2)

	assert.Equal(t, "#main", messages[0].Room)
	assert.Equal(t, "hi", messages[0].Msg)
	assert.Nil(t, messages[0].From)
	assert.Nil(t, messages[0].EphemeralTo)

	require.NotNil(t, messages[1].From)
	assert.Equal(t, "Rusty", *messages[1].From)
	require.NotNil(t, messages[1].EphemeralTo)
	assert.Equal(t, "", *messages[1].EphemeralTo)
}

func TestAuthorizationHeaderSameForUnaryAndStream(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)
	ctx := context.Background()

	require.NoError(t, client.SendMessage(ctx, Message{Room: "#main", Text: "hi"}))

	session, err := client.RegisterListener(ctx, ListenerSpec{}, ListenerFunc(func(context.Context, Event) (*string, error) {
		return nil, nil
	}))
	require.NoError(t, err)
	host.AcceptListener(t)
	defer session.Close()

	calls := host.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, wire.SendMessageMethod, calls[0].Method)
	assert.Equal(t, wire.RegisterListenerMethod, calls[1].Method)
	assert.Equal(t, []string{"Bearer " + testToken}, calls[0].Authorization)
	assert.Equal(t, calls[0].Authorization, calls[1].Authorization)
	assert.Equal(t, "Bearer "+testToken, client.Credential().Header())
}

func TestSendMessageRejectedCredential(t *testing.T) {
	host := testhost.New(t)
	host.RequireToken("another-token")
	client := newTestClient(t, host)

	err := client.SendMessage(context.Background(), Message{Room: "#main", Text: "hi"})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSendMessageHostGoesAway(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	host.OnSendMessage(func(ctx context.Context, _ *wire.Message) error {
		go host.Stop()
		<-ctx.Done()
		return ctx.Err()
	})

	err := client.SendMessage(context.Background(), Message{Room: "#main", Text: "hi"})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrConnection) || stderrors.Is(err, ErrTransport), "got %v", err)
}

func TestSendMessageAfterClose(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)
	require.NoError(t, client.Close())

	err := client.SendMessage(context.Background(), Message{Room: "#main", Text: "hi"})
	assert.ErrorIs(t, err, ErrConnection)
}

func TestSendMessageRejectsInvalidUTF8(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	for name, msg := range map[string]Message{
		"room":         {Room: "#ma\xffin", Text: "hi"},
		"text":         {Room: "#main", Text: "h\xc3"},
		"from":         {Room: "#main", Text: "hi", From: String("\xfe")},
		"ephemeral_to": {Room: "#main", Text: "hi", EphemeralTo: String("b\x80b")},
	} {
		err := client.SendMessage(context.Background(), msg)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
	assert.Empty(t, host.Calls())
}
