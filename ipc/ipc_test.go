package ipc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_SendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sConn, err := NewConn(server, nil)
	require.NoError(t, err)
	cConn, err := NewConn(client, nil)
	require.NoError(t, err)

	go func() {
		_ = sConn.Send(TypeHeartbeat, HeartbeatPayload{WorkerID: 3, CPU: 12.5, MemoryMB: 128})
	}()

	msg, err := cConn.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, msg.Type)
	assert.Equal(t, uint64(1), msg.Seq)
}

func TestConn_EncryptedRoundTrip(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sConn, err := NewConn(server, key)
	require.NoError(t, err)
	cConn, err := NewConn(client, key)
	require.NoError(t, err)

	go func() {
		_ = sConn.Send(TypeShutdown, ShutdownPayload{GraceSeconds: 10})
	}()

	msg, err := cConn.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeShutdown, msg.Type)
}

func TestConn_WrongKeyFailsDecryption(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sConn, err := NewConn(server, make([]byte, 32))
	require.NoError(t, err)
	wrongKey := make([]byte, 32)
	wrongKey[0] = 1
	cConn, err := NewConn(client, wrongKey)
	require.NoError(t, err)

	go func() {
		_ = sConn.Send(TypeHeartbeat, HeartbeatPayload{WorkerID: 1})
	}()

	_, err = cConn.Receive()
	assert.Error(t, err)
}
