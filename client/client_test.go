package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocoap/endpoint"
	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport/mock"
)

func newClientServerPair(t *testing.T) (*Client, *endpoint.Endpoint) {
	t.Helper()
	clientTransport, serverTransport := mock.NewPair("client:1", "server:1")

	serverEp := endpoint.NewEndpoint(serverTransport, endpoint.DefaultConfig(), nil, nil)
	require.NoError(t, serverEp.Start())
	t.Cleanup(func() { serverEp.Stop() })

	c := New(clientTransport, "server:1", endpoint.DefaultConfig(), nil)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })

	return c, serverEp
}

func TestClientGetRoundTrip(t *testing.T) {
	c, serverEp := newClientServerPair(t)
	require.NoError(t, serverEp.Router().Handle("/temp", func(ex *endpoint.Exchange) error {
		ex.Response.Code = message.Content
		ex.Response.Payload = []byte("21.5")
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Get(ctx, "/temp")
	require.NoError(t, err)
	assert.Equal(t, []byte("21.5"), resp.Payload)
}

func TestClientGetSurfacesServerError(t *testing.T) {
	c, serverEp := newClientServerPair(t)
	require.NoError(t, serverEp.Router().Handle("/missing", func(ex *endpoint.Exchange) error {
		ex.Response.Code = message.NotFound
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Get(ctx, "/missing")
	require.Error(t, err)
	assert.True(t, IsServerError(err))
}

func TestClientPutSendsPayload(t *testing.T) {
	c, serverEp := newClientServerPair(t)
	var gotPayload []byte
	require.NoError(t, serverEp.Router().Handle("/cfg", func(ex *endpoint.Exchange) error {
		gotPayload = ex.Request.Payload
		ex.Response.Code = message.Changed
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Put(ctx, "/cfg", []byte("on"))
	require.NoError(t, err)
	assert.Equal(t, []byte("on"), gotPayload)
}

func TestClientObserveReceivesNotificationsThenCancels(t *testing.T) {
	c, serverEp := newClientServerPair(t)
	resource := serverEp.NewObservableResource("/counter", nil)
	require.NoError(t, serverEp.Router().Handle("/counter", func(ex *endpoint.Exchange) error {
		if _, ok := ex.Request.Options.Observe(); ok {
			rel := resource.Register(ex.Request, false)
			ex.Response.Options.SetObserve(rel.NextSeq())
		}
		ex.Response.Code = message.Content
		ex.Response.Payload = []byte("0")
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	obs, err := c.Observe(ctx, "/counter")
	require.NoError(t, err)

	resource.NotifyChange([]byte("1"), nil, serverEp.Sender(), nil)

	select {
	case n := <-obs.Notifications:
		assert.Equal(t, []byte("1"), n.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	require.NoError(t, obs.Cancel(ctx, "/counter"))
}
