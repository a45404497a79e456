package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/busybox42/capstone/internal/config"
	"github.com/busybox42/capstone/pkg/fs"
	"github.com/busybox42/capstone/pkg/network"
	"github.com/busybox42/capstone/pkg/process"
	"github.com/busybox42/capstone/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodeConfig(t *testing.T, password string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Password = password
	cfg.HandshakeTimeout = 10 * time.Second
	return cfg
}

func newNode(t *testing.T, cfg config.Config) *Node {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	n, err := New(context.Background(), cfg, logger)
	require.NoError(t, err, "Failed to initialize node")
	t.Cleanup(func() { n.Shutdown() })
	return n
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewNode(t *testing.T) {
	cfg := testNodeConfig(t, "pw")
	cfg.KeyDir = t.TempDir()
	n := newNode(t, cfg)

	assert.False(t, n.PeerID().IsZero())
	assert.Equal(t, n.PeerID(), n.Processes().Peer())
	assert.Equal(t, 0, n.RegistryTable().Len())
	assert.Empty(t, n.Connections())

	// The identity survives a restart with the same key directory.
	require.NoError(t, n.Shutdown())
	again := newNode(t, cfg)
	assert.Equal(t, n.PeerID(), again.PeerID())
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testNodeConfig(t, "")
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestLocalRegistryAndSpawn(t *testing.T) {
	n := newNode(t, testNodeConfig(t, "pw"))
	ctx := testCtx(t)

	worker := n.Spawn(nil)
	defer worker.Close()
	res, err := n.Registry().Register(ctx, "worker", worker.Self.Demote(process.PermSend|process.PermMonitor))
	require.NoError(t, err)
	require.NotNil(t, res)

	// A spawned process finds the worker through its ambient registry.
	caller := n.Spawn(nil)
	defer caller.Close()
	c, ok, err := n.Registry().Get(ctx, "worker")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, caller.Registry.Valid())
	require.NoError(t, c.Send(ctx, []byte("job")))

	sig, err := worker.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job", string(sig.Payload))
}

func TestTwoNodes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello, world!"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	acfg := testNodeConfig(t, "shared")
	acfg.FSRoot = root
	a := newNode(t, acfg)
	b := newNode(t, testNodeConfig(t, "shared"))
	ctx := testCtx(t)

	addr, err := a.Listen(ctx)
	require.NoError(t, err)

	conn, err := b.Connect(ctx, addr.String())
	require.NoError(t, err)
	assert.Equal(t, a.PeerID(), conn.RemotePeer())
	require.Eventually(t, func() bool { return len(a.Connections()) == 1 }, 5*time.Second, 10*time.Millisecond)
	got, ok := b.ConnectionTo(a.PeerID())
	require.True(t, ok)
	assert.Same(t, conn, got)

	names, err := b.RemoteRegistry(conn).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{FSName}, names)

	id, data, err := b.FetchFile(ctx, conn, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", string(data))
	assert.Equal(t, types.SumLump(data), id)
	assert.True(t, b.Lumps().Has(id))

	files, err := b.ListFiles(ctx, conn, "")
	require.NoError(t, err)
	assert.Equal(t, []fs.FileInfo{{Name: "hello.txt", Size: 13}, {Name: "sub", Dir: true}}, files)

	_, _, err = b.FetchFile(ctx, conn, "../etc/passwd")
	assert.ErrorIs(t, err, &fs.Error{Kind: fs.DirectoryTraversal})

	// B publishes a process in A's registry; A reaches it through a proxy.
	echo := b.Spawn(nil)
	defer echo.Close()
	res, err := b.RemoteRegistry(conn).Register(ctx, "echo", echo.Self.Demote(process.PermSend|process.PermMonitor))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, *res)

	remote, ok, err := a.Registry().Get(ctx, "echo")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, remote.Send(ctx, []byte("across the link")))
	remote.Release()
	sig, err := echo.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "across the link", string(sig.Payload))

	st := a.Status()
	assert.Equal(t, 2, st.Names)
	require.Len(t, st.Connections, 1)
	assert.Equal(t, b.PeerID(), st.Connections[0].Peer)
	assert.Contains(t, st.String(), "2 names")

	// Losing the link drops the names it carried.
	require.NoError(t, b.Shutdown())
	require.Eventually(t, func() bool {
		_, ok := a.RegistryTable().Get("echo")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(a.Connections()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestFetchFileWithoutProvider(t *testing.T) {
	a := newNode(t, testNodeConfig(t, "shared"))
	b := newNode(t, testNodeConfig(t, "shared"))
	ctx := testCtx(t)

	addr, err := a.Listen(ctx)
	require.NoError(t, err)
	conn, err := b.Connect(ctx, addr.String())
	require.NoError(t, err)

	_, _, err = b.FetchFile(ctx, conn, "x")
	assert.Error(t, err)
}

func TestConnectWrongPassword(t *testing.T) {
	a := newNode(t, testNodeConfig(t, "right"))
	b := newNode(t, testNodeConfig(t, "wrong"))
	ctx := testCtx(t)

	addr, err := a.Listen(ctx)
	require.NoError(t, err)
	_, err = b.Connect(ctx, addr.String())
	assert.ErrorIs(t, err, network.ErrAuthFailed)
	assert.Empty(t, b.Connections())
}

func TestShutdown(t *testing.T) {
	n := newNode(t, testNodeConfig(t, "pw"))
	ctx := testCtx(t)
	_, err := n.Listen(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown())

	_, err = n.Connect(ctx, "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = n.Listen(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
}
