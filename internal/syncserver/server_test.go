package syncserver

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/config"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/syncclient"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testPeer struct {
	ws     *workspace.Workspace
	bodies *bodycrdt.Manager
	st     store.Store
}

func newTestPeer(t *testing.T, device string) *testPeer {
	t.Helper()

	ctx := context.Background()

	st, err := store.NewStore(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws, err := workspace.NewWorkspace(ctx, st, device, testLogger())
	require.NoError(t, err)

	return &testPeer{
		ws:     ws,
		bodies: bodycrdt.NewManager(st, device, 10, testLogger()),
		st:     st,
	}
}

func TestServerClientRoundTripConvergesWorkspaceAndBody(t *testing.T) {
	ctx := context.Background()

	serverPeer := newTestPeer(t, "device-server")

	serverDoc, err := serverPeer.ws.CreateFile(ctx, ids.Nil, "from-server.md")
	require.NoError(t, err, "seed CreateFile")

	_, release, err := serverPeer.bodies.GetOrCreate(ctx, serverDoc)
	require.NoError(t, err, "GetOrCreate")

	_, err = serverPeer.bodies.InsertText(ctx, serverDoc, "hello from server", bodycrdt.ElementID{})
	require.NoError(t, err, "InsertText")
	release()

	srvImpl := NewServer(Config{
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Second,
		PingTimeout:      5 * time.Second,
	}, testLogger())

	srvImpl.Register(&Workspace{
		Name:   "test",
		WS:     serverPeer.ws,
		Bodies: serverPeer.bodies,
		Store:  serverPeer.st,
	})

	httpSrv := httptest.NewServer(srvImpl.Handler())
	defer httpSrv.Close()

	clientPeer := newTestPeer(t, "device-client")

	clientDoc, err := clientPeer.ws.CreateFile(ctx, ids.Nil, "from-client.md")
	require.NoError(t, err, "seed CreateFile")

	_, release, err = clientPeer.bodies.GetOrCreate(ctx, clientDoc)
	require.NoError(t, err, "GetOrCreate")

	_, err = clientPeer.bodies.InsertText(ctx, clientDoc, "hello from client", bodycrdt.ElementID{})
	require.NoError(t, err, "InsertText")
	release()

	cfg := &config.ResolvedWorkspace{
		Name:             "test",
		ServerAddr:       strings.TrimPrefix(httpSrv.URL, "http://"),
		ReconnectMin:     10 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Second,
		PingTimeout:      5 * time.Second,
	}

	c := syncclient.New(cfg, clientPeer.ws, clientPeer.bodies, clientPeer.st, "device-client", "client", testLogger())

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = c.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := clientPeer.ws.FindByPath("from-server.md"); ok {
			if _, ok := serverPeer.ws.FindByPath("from-client.md"); ok {
				break
			}
		}

		require.False(t, time.Now().After(deadline), "workspaces did not converge before deadline")

		time.Sleep(20 * time.Millisecond)
	}

	fromServer, ok := clientPeer.ws.FindByPath("from-server.md")
	require.True(t, ok, "client missing server's file after convergence")

	body, err := clientPeer.bodies.ExtractBody(ctx, fromServer)
	require.NoError(t, err)
	assert.Equal(t, "hello from server", body)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after context cancellation")
	}
}
