package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/diaryx-org/diaryx-sync/internal/bandwidth"
	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/config"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/syncproto"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

// defaultBacklogCapacity is the outbox channel size used if a workspace's
// BacklogThreshold is left at zero, matching config's own default.
const defaultBacklogCapacity = 500

// steadyPollInterval is how often the steady-state loop checks for local
// changes to forward to the peer. Push-based notification (the workspace
// and body CRDTs calling out the instant they mutate) would cut latency,
// but polling keeps this layer decoupled from those packages' internals
// and is cheap at this interval.
const steadyPollInterval = 2 * time.Second

// Client drives one outbound sync connection for a single workspace:
// connect, handshake, catch up the body of every active file, then forward
// incremental changes until the connection drops, at which point Run
// reconnects with backoff.
type Client struct {
	cfg        *config.ResolvedWorkspace
	ws         *workspace.Workspace
	bodies     *bodycrdt.Manager
	st         store.Store
	deviceID   string
	deviceName string
	logger     *slog.Logger

	boff *backoff.Backoff

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
}

// New constructs a Client. deviceID and deviceName identify this replica
// to the server and appear in every op this process produces.
func New(cfg *config.ResolvedWorkspace, ws *workspace.Workspace, bodies *bodycrdt.Manager, st store.Store, deviceID, deviceName string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		ws:         ws,
		bodies:     bodies,
		st:         st,
		deviceID:   deviceID,
		deviceName: deviceName,
		logger:     logger,
		boff: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Jitter: cfg.ReconnectJitter > 0,
		},
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("sync client state change", "state", s.String())
}

// Run connects and stays connected until ctx is canceled, reconnecting
// with backoff after every disconnect.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectAndSync(ctx)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		c.setState(StateDisconnected)

		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.boff.Duration()
		c.logger.Warn("sync connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) connectAndSync(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s/sync", c.cfg.ServerAddr)

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("syncclient: dialing %s: %w", url, err)
	}
	defer conn.CloseNow() //nolint:errcheck

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.boff.Reset()

	c.setState(StateHandshake)

	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancelHandshake()

	if err := c.handshake(handshakeCtx, conn); err != nil {
		return fmt.Errorf("syncclient: handshake: %w", err)
	}

	c.setState(StateBodySyncing)

	if err := c.syncBodies(ctx, conn); err != nil {
		return fmt.Errorf("syncclient: body sync: %w", err)
	}

	c.setState(StateSteady)

	return c.steadyState(ctx, conn)
}

func writeMsg(ctx context.Context, conn *websocket.Conn, t syncproto.MessageType, payload any) error {
	b, err := syncproto.Encode(t, payload)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, b)
}

func readMsg(ctx context.Context, conn *websocket.Conn) (syncproto.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return syncproto.Envelope{}, err
	}

	return syncproto.DecodeEnvelope(data)
}

func expect(env syncproto.Envelope, want syncproto.MessageType) error {
	if env.Type != want {
		return fmt.Errorf("expected message %q, got %q", want, env.Type)
	}

	return nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	hello := syncproto.Hello{
		Workspace:    c.cfg.Name,
		DeviceID:     c.deviceID,
		DeviceName:   c.deviceName,
		ProtoVersion: 1,
	}

	if err := writeMsg(ctx, conn, syncproto.TypeHello, hello); err != nil {
		return err
	}

	env, err := readMsg(ctx, conn)
	if err != nil {
		return err
	}

	if err := expect(env, syncproto.TypeHelloAck); err != nil {
		return err
	}

	var ack syncproto.HelloAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return err
	}

	if !ack.Accepted {
		return fmt.Errorf("server rejected connection: %s", ack.Reason)
	}

	localCursor := c.ws.EncodeSyncStep1()

	if err := writeMsg(ctx, conn, syncproto.TypeWorkspaceSyncStep1, syncproto.WorkspaceSyncStep1{Cursor: localCursor}); err != nil {
		return err
	}

	env, err = readMsg(ctx, conn)
	if err != nil {
		return err
	}

	if err := expect(env, syncproto.TypeWorkspaceSyncStep1); err != nil {
		return err
	}

	var remoteStep1 syncproto.WorkspaceSyncStep1
	if err := json.Unmarshal(env.Payload, &remoteStep1); err != nil {
		return err
	}

	ops, err := c.ws.EncodeSyncStep2(ctx, remoteStep1.Cursor)
	if err != nil {
		return err
	}

	if err := writeMsg(ctx, conn, syncproto.TypeWorkspaceSyncStep2, syncproto.WorkspaceSyncStep2{Ops: ops}); err != nil {
		return err
	}

	env, err = readMsg(ctx, conn)
	if err != nil {
		return err
	}

	if err := expect(env, syncproto.TypeWorkspaceSyncStep2); err != nil {
		return err
	}

	var remoteStep2 syncproto.WorkspaceSyncStep2
	if err := json.Unmarshal(env.Payload, &remoteStep2); err != nil {
		return err
	}

	if err := c.ws.ApplyRemote(ctx, remoteStep2.Ops); err != nil {
		return fmt.Errorf("applying peer workspace ops: %w", err)
	}

	if err := writeMsg(ctx, conn, syncproto.TypeFilesReady, syncproto.FilesReady{}); err != nil {
		return err
	}

	env, err = readMsg(ctx, conn)
	if err != nil {
		return err
	}

	return expect(env, syncproto.TypeFilesReady)
}

func (c *Client) syncBodies(ctx context.Context, conn *websocket.Conn) error {
	files, err := c.st.QueryActiveFiles(ctx)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := c.syncOneBody(ctx, conn, f.DocID); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) syncOneBody(ctx context.Context, conn *websocket.Conn, doc ids.DocID) error {
	cursor, err := c.bodies.EncodeSyncStep1(ctx, doc)
	if err != nil {
		return err
	}

	if err := writeMsg(ctx, conn, syncproto.TypeBodySyncStep1, syncproto.BodySyncStep1{DocID: doc, Cursor: cursor}); err != nil {
		return err
	}

	env, err := readMsg(ctx, conn)
	if err != nil {
		return err
	}

	switch env.Type {
	case syncproto.TypeBodyUnknown:
		return nil
	case syncproto.TypeBodySyncStep1:
		// fall through below
	default:
		return fmt.Errorf("unexpected message %q during body sync for %s", env.Type, doc)
	}

	var remote syncproto.BodySyncStep1
	if err := json.Unmarshal(env.Payload, &remote); err != nil {
		return err
	}

	ops, err := c.bodies.EncodeSyncStep2(ctx, doc, remote.Cursor)
	if err != nil {
		return err
	}

	if err := writeMsg(ctx, conn, syncproto.TypeBodySyncStep2, syncproto.BodySyncStep2{DocID: doc, Ops: ops}); err != nil {
		return err
	}

	env, err = readMsg(ctx, conn)
	if err != nil {
		return err
	}

	if err := expect(env, syncproto.TypeBodySyncStep2); err != nil {
		return err
	}

	var remoteOps syncproto.BodySyncStep2
	if err := json.Unmarshal(env.Payload, &remoteOps); err != nil {
		return err
	}

	return c.bodies.ApplyRemote(ctx, doc, remoteOps.Ops)
}

// steadyState keeps the connection alive and exchanges incremental
// updates until the peer disconnects, ctx is canceled, the liveness
// watchdog trips, or the outbound backlog exceeds its threshold.
func (c *Client) steadyState(ctx context.Context, conn *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var lastPong sync.Map // single key "t" -> time.Time, guarded by atomic-safe Store/Load
	lastPong.Store("t", time.Now())

	capacity := c.cfg.BacklogThreshold
	if capacity <= 0 {
		capacity = defaultBacklogCapacity
	}

	outbox := make(chan []byte, capacity)

	limiter, err := bandwidth.New(c.cfg.BandwidthLimit)
	if err != nil {
		return fmt.Errorf("syncclient: bandwidth limiter: %w", err)
	}

	g.Go(func() error { return c.readLoop(gctx, conn, &lastPong) })
	g.Go(func() error { return c.pingLoop(gctx, outbox, &lastPong) })
	g.Go(func() error { return c.pushLoop(gctx, outbox) })
	g.Go(func() error { return c.senderLoop(gctx, conn, outbox, limiter) })

	return g.Wait()
}

// enqueue encodes a message and hands it to the outbox for senderLoop to
// write. If the backlog is already at capacity, the connection is deemed
// unable to keep up and is torn down; Run reconnects from scratch rather
// than letting the backlog grow without bound.
func enqueue(outbox chan<- []byte, t syncproto.MessageType, payload any) error {
	b, err := syncproto.Encode(t, payload)
	if err != nil {
		return err
	}

	select {
	case outbox <- b:
		return nil
	default:
		return fmt.Errorf("syncclient: outbound backlog exceeds threshold, disconnecting")
	}
}

// senderLoop drains the outbox and writes each frame to the connection,
// rate-limited by the configured bandwidth cap.
func (c *Client) senderLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan []byte, limiter *bandwidth.Limiter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-outbox:
			if err := limiter.WaitN(ctx, len(frame)); err != nil {
				return err
			}

			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, lastPong *sync.Map) error {
	for {
		env, err := readMsg(ctx, conn)
		if err != nil {
			return err
		}

		switch env.Type {
		case syncproto.TypePong:
			lastPong.Store("t", time.Now())
		case syncproto.TypeUpdate:
			if err := c.applyUpdate(ctx, env); err != nil {
				c.logger.Warn("failed applying peer update", "error", err)
			}
		case syncproto.TypeBye:
			return fmt.Errorf("peer closed the connection")
		default:
			c.logger.Warn("unexpected message in steady state", "type", env.Type)
		}
	}
}

func (c *Client) applyUpdate(ctx context.Context, env syncproto.Envelope) error {
	var upd syncproto.Update
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		return err
	}

	if upd.WorkspaceOp != nil {
		return c.ws.ApplyRemote(ctx, []workspace.Op{*upd.WorkspaceOp})
	}

	if upd.BodyOp != nil {
		return c.bodies.ApplyRemote(ctx, upd.BodyDocID, []bodycrdt.Op{*upd.BodyOp})
	}

	return nil
}

func (c *Client) pingLoop(ctx context.Context, outbox chan<- []byte, lastPong *sync.Map) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := enqueue(outbox, syncproto.TypePing, syncproto.Ping{}); err != nil {
				return err
			}

			v, _ := lastPong.Load("t")
			if t, ok := v.(time.Time); ok && time.Since(t) > c.cfg.PingTimeout {
				return fmt.Errorf("no pong within %s, connection presumed dead", c.cfg.PingTimeout)
			}
		}
	}
}

// pushLoop forwards local workspace and body ops produced since the last
// tick to the peer, on both this client's own op log and the body of
// every active file.
func (c *Client) pushLoop(ctx context.Context, outbox chan<- []byte) error {
	ticker := time.NewTicker(steadyPollInterval)
	defer ticker.Stop()

	workspaceCursor := c.ws.EncodeSyncStep1()
	bodyCursors := make(map[ids.DocID]int64)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ops, err := c.ws.EncodeSyncStep2(ctx, workspaceCursor)
			if err != nil {
				return err
			}

			for i := range ops {
				op := ops[i]
				if err := enqueue(outbox, syncproto.TypeUpdate, syncproto.Update{WorkspaceOp: &op}); err != nil {
					return err
				}
			}

			if len(ops) > 0 {
				workspaceCursor = c.ws.EncodeSyncStep1()
			}

			files, err := c.st.QueryActiveFiles(ctx)
			if err != nil {
				return err
			}

			for _, f := range files {
				if err := c.pushBodyChanges(ctx, outbox, f.DocID, bodyCursors); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Client) pushBodyChanges(ctx context.Context, outbox chan<- []byte, doc ids.DocID, cursors map[ids.DocID]int64) error {
	since := cursors[doc]

	bodyOps, err := c.bodies.EncodeSyncStep2(ctx, doc, since)
	if err != nil {
		return err
	}

	for i := range bodyOps {
		op := bodyOps[i]
		if err := enqueue(outbox, syncproto.TypeUpdate, syncproto.Update{BodyDocID: doc, BodyOp: &op}); err != nil {
			return err
		}
	}

	if len(bodyOps) > 0 {
		latest, err := c.bodies.EncodeSyncStep1(ctx, doc)
		if err != nil {
			return err
		}

		cursors[doc] = latest
	}

	return nil
}

// Close terminates any in-progress connection, causing Run to begin a
// fresh reconnect attempt.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close(websocket.StatusNormalClosure, "client closing")
}
