package transport

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatsync/wire"
)

func TestPipeRoundTrip(t *testing.T) {
	client, server := NewPipe(4)
	defer client.Close()

	require.NoError(t, client.Send(&wire.ClientMsg{
		Hi: &wire.ClientHi{Id: "1", Version: "0.16"},
	}))

	msg, err := server.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.Hi)
	assert.Equal(t, "1", msg.Id())

	require.NoError(t, server.Send(&wire.ServerMsg{
		Ctrl: &wire.ServerCtrl{Id: "1", Code: wire.CodeOK},
	}))

	reply, err := client.Recv()
	require.NoError(t, err)
	require.NotNil(t, reply.Ctrl)
	assert.Equal(t, wire.CodeOK, reply.Ctrl.Code)
}

func TestPipeTryRecv(t *testing.T) {
	client, server := NewPipe(1)
	defer client.Close()

	_, ok := server.TryRecv()
	assert.False(t, ok)

	require.NoError(t, client.Send(&wire.ClientMsg{Note: &wire.ClientNote{Topic: "grp", What: "kp"}}))
	msg, ok := server.TryRecv()
	assert.True(t, ok)
	assert.NotNil(t, msg.Note)
}

func TestPipeLocalCloseUnblocksBothEnds(t *testing.T) {
	client, server := NewPipe(0)

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)
	go func() {
		_, err := client.Recv()
		clientErr <- err
	}()
	go func() {
		_, err := server.Recv()
		serverErr <- err
	}()

	require.NoError(t, client.Close())

	// The closing end sees ErrClosed, the far end a dropped peer.
	select {
	case err := <-clientErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("client Recv did not unblock on close")
	}
	select {
	case err := <-serverErr:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("server Recv did not unblock on close")
	}

	assert.ErrorIs(t, client.Send(&wire.ClientMsg{}), ErrClosed)
	assert.ErrorIs(t, server.Send(&wire.ServerMsg{}), io.EOF)
	assert.NoError(t, client.Close())
}

func TestPipeRemoteCloseLooksLikeConnectionLoss(t *testing.T) {
	client, server := NewPipe(1)

	// An envelope already in flight is still delivered.
	require.NoError(t, server.Send(&wire.ServerMsg{
		Ctrl: &wire.ServerCtrl{Code: wire.CodeOK},
	}))
	require.NoError(t, server.Close())

	msg, err := client.Recv()
	require.NoError(t, err)
	assert.NotNil(t, msg.Ctrl)

	_, err = client.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrClosed)
}
