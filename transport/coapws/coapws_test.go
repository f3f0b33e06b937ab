package coapws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocoap/message"
)

type recordingReceiver struct {
	ch chan *message.Message
}

func (r *recordingReceiver) Handle(msg *message.Message, _ interface{}) { r.ch <- msg }

func waitForMessage(t *testing.T, ch chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestCoapWSRoundTrip(t *testing.T) {
	server := NewTransport("127.0.0.1:0")
	serverRecv := &recordingReceiver{ch: make(chan *message.Message, 1)}
	require.NoError(t, server.Start(serverRecv))
	defer server.Stop()

	client := NewTransport("ws://" + server.LocalAddress() + "/")
	clientRecv := &recordingReceiver{ch: make(chan *message.Message, 1)}
	require.NoError(t, client.Start(clientRecv))
	defer client.Stop()

	req := &message.Message{Type: message.CON, Code: message.GET, MsgID: 11, Token: []byte{0x5}}
	req.Options.SetPath("/temp")
	require.NoError(t, client.Send(req, client.LocalAddress(), nil))

	got := waitForMessage(t, serverRecv.ch)
	assert.Equal(t, message.GET, got.Code)
	assert.Equal(t, "/temp", got.Options.Path())

	resp := &message.Message{Type: message.ACK, Code: message.Content, MsgID: got.MsgID, Token: got.Token, Payload: []byte("ok")}
	require.NoError(t, server.Send(resp, got.Remote, nil))

	gotResp := waitForMessage(t, clientRecv.ch)
	assert.Equal(t, []byte("ok"), gotResp.Payload)
}
