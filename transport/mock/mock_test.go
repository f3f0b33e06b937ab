package mock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocoap/message"
)

type recordingReceiver struct {
	received []*message.Message
}

func (r *recordingReceiver) Handle(msg *message.Message, _ interface{}) {
	r.received = append(r.received, msg)
}

func TestMockPairDeliversToPeer(t *testing.T) {
	client, server := NewPair("client:1", "server:1")
	serverRecv := &recordingReceiver{}
	require.NoError(t, client.Start(&recordingReceiver{}))
	require.NoError(t, server.Start(serverRecv))

	req := &message.Message{Type: message.CON, Code: message.GET, MsgID: 1, Token: []byte{0x1}}
	req.Options.SetPath("/x")
	require.NoError(t, client.Send(req, "server:1", nil))

	require.Len(t, serverRecv.received, 1)
	assert.Equal(t, "client:1", serverRecv.received[0].Remote)
	assert.Equal(t, "/x", serverRecv.received[0].Options.Path())
}

func TestMockSendAfterStopFails(t *testing.T) {
	client, server := NewPair("client:1", "server:1")
	require.NoError(t, client.Start(&recordingReceiver{}))
	require.NoError(t, server.Start(&recordingReceiver{}))
	require.NoError(t, server.Stop())

	err := client.Send(&message.Message{Type: message.NON, Code: message.Content}, "server:1", nil)
	assert.Error(t, err)
}

func TestMockMutationAfterSendDoesNotAffectDelivered(t *testing.T) {
	client, server := NewPair("client:1", "server:1")
	serverRecv := &recordingReceiver{}
	require.NoError(t, client.Start(&recordingReceiver{}))
	require.NoError(t, server.Start(serverRecv))

	req := &message.Message{Type: message.NON, Code: message.Content, Payload: []byte("a")}
	require.NoError(t, client.Send(req, "server:1", nil))
	req.Payload[0] = 'z'

	require.Len(t, serverRecv.received, 1)
	assert.Equal(t, []byte("a"), serverRecv.received[0].Payload)
}
