package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportLoopback(t *testing.T) {
	serverCfg := testConfig(t, "pw")
	clientCfg := testConfig(t, "pw")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := NewTransport(serverCfg)
	defer server.Close()

	accepted := make(chan *Session, 1)
	addr, err := server.Listen(ctx, "127.0.0.1:0", func(s *Session) {
		accepted <- s
	})
	require.NoError(t, err)

	client := NewTransport(clientCfg)
	defer client.Close()
	cs, err := client.Dial(ctx, addr.String())
	require.NoError(t, err)
	defer cs.Close()

	var ss *Session
	select {
	case ss = <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted the session")
	}
	defer ss.Close()

	require.NoError(t, cs.Send(ctx, []byte("ping")))
	got, err := ss.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
	assert.Equal(t, clientCfg.KeyPair.PeerID(), ss.RemotePeer())
}

func TestTransportRejectsWrongPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := NewTransport(testConfig(t, "pw"))
	defer server.Close()
	accepted := make(chan *Session, 1)
	addr, err := server.Listen(ctx, "127.0.0.1:0", func(s *Session) { accepted <- s })
	require.NoError(t, err)

	client := NewTransport(testConfig(t, "not the password"))
	defer client.Close()
	s, err := client.Dial(ctx, addr.String())
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrAuthFailed)

	select {
	case <-accepted:
		t.Fatal("unauthenticated session handed out")
	case <-time.After(100 * time.Millisecond):
	}
}

type countingDialer struct {
	calls int
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls++
	var nd net.Dialer
	return nd.DialContext(ctx, network, address)
}

func TestTransportUsesConfiguredDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := NewTransport(testConfig(t, "pw"))
	defer server.Close()
	addr, err := server.Listen(ctx, "127.0.0.1:0", func(s *Session) { s.Close() })
	require.NoError(t, err)

	d := &countingDialer{}
	cfg := testConfig(t, "pw")
	cfg.Dialer = d
	client := NewTransport(cfg)
	defer client.Close()
	s, err := client.Dial(ctx, addr.String())
	require.NoError(t, err)
	s.Close()
	assert.Equal(t, 1, d.calls)
}

func TestTransportClose(t *testing.T) {
	ctx := context.Background()
	server := NewTransport(testConfig(t, "pw"))
	addr, err := server.Listen(ctx, "127.0.0.1:0", func(s *Session) { s.Close() })
	require.NoError(t, err)
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err)

	_, err = server.Dial(ctx, addr.String())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestTransportRequiresCredentials(t *testing.T) {
	cfg := testConfig(t, "pw")
	cfg.Password = nil
	tr := NewTransport(cfg)
	defer tr.Close()
	_, err := tr.Listen(context.Background(), "127.0.0.1:0", func(*Session) {})
	assert.Error(t, err)
}
