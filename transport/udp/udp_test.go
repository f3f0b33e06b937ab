package udp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocoap/message"
	"github.com/localrivet/gocoap/transport"
)

type recordingReceiver struct {
	ch chan *message.Message
}

func (r *recordingReceiver) Handle(msg *message.Message, _ interface{}) {
	r.ch <- msg
}

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

func TestUDPTransportRoundTrip(t *testing.T) {
	server := NewTransport("127.0.0.1:0", true)
	serverRecv := &recordingReceiver{ch: make(chan *message.Message, 1)}
	require.NoError(t, server.Start(serverRecv))
	defer server.Stop()

	var client transport.Transport = NewTransport(server.LocalAddress(), false)
	clientRecv := &recordingReceiver{ch: make(chan *message.Message, 1)}
	require.NoError(t, client.Start(clientRecv))
	defer client.Stop()

	req := &message.Message{Type: message.CON, Code: message.GET, MsgID: 7, Token: []byte{0x01}}
	req.Options.SetPath("/temp")
	require.NoError(t, client.Send(req, server.LocalAddress(), nil))

	got := waitForMessage(t, serverRecv.ch)
	assert.Equal(t, message.CON, got.Type)
	assert.Equal(t, message.GET, got.Code)
	assert.Equal(t, uint16(7), got.MsgID)
	assert.Equal(t, "/temp", got.Options.Path())
	assert.NotEmpty(t, got.Remote)

	resp := &message.Message{Type: message.ACK, Code: message.Content, MsgID: got.MsgID, Token: got.Token, Payload: []byte("21.5")}
	require.NoError(t, server.Send(resp, got.Remote, nil))

	gotResp := waitForMessage(t, clientRecv.ch)
	assert.Equal(t, message.Content, gotResp.Code)
	assert.Equal(t, []byte("21.5"), gotResp.Payload)
}

func TestUDPTransportRejectsOversizedMessage(t *testing.T) {
	server := NewTransport("127.0.0.1:0", true, WithMaxPacketSize(16))
	require.NoError(t, server.Start(&recordingReceiver{ch: make(chan *message.Message, 1)}))
	defer server.Stop()

	big := &message.Message{Type: message.NON, Code: message.Content, MsgID: 1, Payload: make([]byte, 64)}
	err := server.Send(big, "127.0.0.1:9", nil)
	assert.Error(t, err)
}

func TestUDPTransportSendBeforeStartFails(t *testing.T) {
	tr := NewTransport("127.0.0.1:0", true)
	err := tr.Send(&message.Message{Type: message.NON, Code: message.Content}, "127.0.0.1:9", nil)
	assert.Error(t, err)
}
