package mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/ll"
)

type fakeEndpoint struct{}

func (fakeEndpoint) RecalcEnables()         {}
func (fakeEndpoint) SetTimer(time.Duration) {}

func pumpUntilOpen(t *testing.T, client, server *Session) {
	t.Helper()
	drain := func(s *Session) []byte {
		var out []byte
		_, _ = s.ULWrite(nil, nil, func(p []byte, aux []string) (int, error) {
			out = append(out, p...)
			return len(p), nil
		})
		return out
	}
	feed := func(s *Session, b []byte) {
		if len(b) == 0 {
			return
		}
		_, _ = s.LLWrite(b, nil, func(p []byte, aux []string) (int, error) { return len(p), nil })
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cRes, cErr := client.TryConnect(nil)
		sRes, sErr := server.TryConnect(nil)

		feed(server, drain(client))
		feed(client, drain(server))

		if cRes == filter.Done && sRes == filter.Done {
			require.NoError(t, cErr)
			require.NoError(t, sErr)
			feed(server, drain(client))
			feed(client, drain(server))
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("mux session negotiation did not complete before deadline")
}

func TestSession_DefaultStreamRoundTrip(t *testing.T) {
	client := NewClient(nil, nil)
	server := NewServer(nil, nil)
	require.NoError(t, client.Setup(fakeEndpoint{}))
	require.NoError(t, server.Setup(fakeEndpoint{}))

	pumpUntilOpen(t, client, server)

	var clientCipher []byte
	_, err := client.ULWrite([]byte("ping"), nil, func(p []byte, aux []string) (int, error) {
		clientCipher = append(clientCipher, p...)
		return len(p), nil
	})
	require.NoError(t, err)

	var delivered []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(delivered) == 0 {
		_, err := server.LLWrite(clientCipher, nil, func(p []byte, aux []string) (int, error) {
			delivered = append(delivered, p...)
			return len(p), nil
		})
		require.NoError(t, err)
		clientCipher = nil
		if len(delivered) == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	assert.Equal(t, "ping", string(delivered))
}

func TestSession_PeerInitiatedChannelReachesOnChannelCallback(t *testing.T) {
	received := make(chan ll.LowerLayer, 1)
	client := NewClient(nil, nil)
	server := NewServer(nil, func(lower ll.LowerLayer) {
		received <- lower
	})
	require.NoError(t, client.Setup(fakeEndpoint{}))
	require.NoError(t, server.Setup(fakeEndpoint{}))

	pumpUntilOpen(t, client, server)

	channelLL, err := client.OpenStreamLL()
	require.NoError(t, err)
	require.NotNil(t, channelLL)

	// Pump the wire a bit longer so the new stream's open frame reaches
	// the server's accept loop.
	deadline := time.Now().Add(2 * time.Second)
	var gotLower ll.LowerLayer
	for time.Now().Before(deadline) {
		var cipher []byte
		_, _ = client.ULWrite(nil, nil, func(p []byte, aux []string) (int, error) {
			cipher = append(cipher, p...)
			return len(p), nil
		})
		if len(cipher) > 0 {
			_, _ = server.LLWrite(cipher, nil, func(p []byte, aux []string) (int, error) { return len(p), nil })
		}
		select {
		case gotLower = <-received:
			require.NotNil(t, gotLower)
			return
		default:
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("server never observed the peer-initiated channel")
}

func TestSession_OpenStreamLLBeforeConnectFails(t *testing.T) {
	client := NewClient(nil, nil)
	require.NoError(t, client.Setup(fakeEndpoint{}))

	_, err := client.OpenStreamLL()
	assert.Error(t, err)
}

func TestSession_OpenChannelNotSupported(t *testing.T) {
	client := NewClient(nil, nil)
	_, err := client.OpenChannel(nil)
	assert.Equal(t, filter.ErrNotSupported, err)
}
