// Package syncserver implements the server side of the wire protocol
// driven by internal/syncclient, accepting coder/websocket connections and
// running the same Hello -> workspace sync -> Files-Ready -> body sync ->
// steady-state sequence from the opposite end. A registry keyed by
// workspace name fans incoming connections out to per-workspace state.
package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/diaryx-org/diaryx-sync/internal/bandwidth"
	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/compactor"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/syncproto"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

// defaultBacklogCapacity is the outbox channel size used if a workspace's
// BacklogThreshold is left at zero, matching config's own default.
const defaultBacklogCapacity = 500

// stalePartialThreshold bounds how long a body sync may stay marked
// in-flight before the next connection attempt reports it as stale,
// the in-memory counterpart to the teacher's 48h on-disk .partial scan
// (shorter here since these sessions live only as long as the process).
const stalePartialThreshold = 10 * time.Minute

// Workspace bundles one workspace's serving state: the CRDTs a connection
// handshakes against, plus the compactor it should report connection
// count and dirtiness to, and the per-workspace backlog/bandwidth policy
// applied to every connection serving it.
type Workspace struct {
	Name      string
	WS        *workspace.Workspace
	Bodies    *bodycrdt.Manager
	Store     store.Store
	Compactor *compactor.Compactor

	BacklogThreshold int
	BandwidthLimit   string

	mu          sync.Mutex
	connections int

	partialMu sync.Mutex
	partials  map[ids.DocID]time.Time
}

// beginPartial marks doc's body sync as in-flight, so that if the
// connection dies before it completes, the next connection attempt can
// report it as a stale partial transfer.
func (w *Workspace) beginPartial(doc ids.DocID) {
	w.partialMu.Lock()
	defer w.partialMu.Unlock()

	if w.partials == nil {
		w.partials = make(map[ids.DocID]time.Time)
	}

	w.partials[doc] = time.Now()
}

// endPartial clears doc's in-flight marker once its body sync completes.
func (w *Workspace) endPartial(doc ids.DocID) {
	w.partialMu.Lock()
	defer w.partialMu.Unlock()

	delete(w.partials, doc)
}

// reportStalePartials logs and clears every body sync session that began
// but never completed a handshake within stalePartialThreshold — the
// in-memory analogue of the teacher's disk-based stale .partial file
// scan, run here at the start of each new connection's body sync rather
// than on a timer, since a stale session can only be left behind by a
// connection that already died.
func (w *Workspace) reportStalePartials(logger *slog.Logger) {
	w.partialMu.Lock()
	defer w.partialMu.Unlock()

	for doc, started := range w.partials {
		if age := time.Since(started); age > stalePartialThreshold {
			logger.Warn("stale in-flight body sync session", "workspace", w.Name, "doc", doc, "age", age)
			delete(w.partials, doc)
		}
	}
}

func (w *Workspace) addConnection(delta int) {
	w.mu.Lock()
	w.connections += delta
	n := w.connections
	w.mu.Unlock()

	if w.Compactor != nil {
		w.Compactor.SetConnectedClients(n)
	}
}

// Config carries the per-connection timing knobs a server applies
// symmetrically with the client.
type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
}

// Server serves one or more workspaces over websocket connections at a
// single HTTP endpoint, dispatching each connection's Hello to the named
// workspace.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// NewServer builds an empty Server; call Register for each workspace it
// should accept connections for.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		workspaces: make(map[string]*Workspace),
	}
}

// Register makes a workspace available to incoming Hello requests naming it.
func (s *Server) Register(ws *Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workspaces[ws.Name] = ws
}

// Unregister removes a workspace, rejecting any further connections to it.
func (s *Server) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workspaces, name)
}

func (s *Server) lookup(name string) (*Workspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workspaces[name]

	return ws, ok
}

// Handler returns the HTTP handler to mount at the sync endpoint (e.g.
// "/sync"), accepting a websocket connection per request.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow() //nolint:errcheck

		if err := s.serveConn(r.Context(), conn); err != nil {
			s.logger.Debug("sync connection ended", "error", err)
		}
	})
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

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	env, err := readMsg(handshakeCtx, conn)
	if err != nil {
		return fmt.Errorf("syncserver: reading hello: %w", err)
	}

	if err := expect(env, syncproto.TypeHello); err != nil {
		return err
	}

	var hello syncproto.Hello
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return fmt.Errorf("syncserver: decoding hello: %w", err)
	}

	ws, ok := s.lookup(hello.Workspace)
	if !ok {
		_ = writeMsg(handshakeCtx, conn, syncproto.TypeHelloAck, syncproto.HelloAck{
			Accepted: false,
			Reason:   fmt.Sprintf("unknown workspace %q", hello.Workspace),
		})

		return fmt.Errorf("syncserver: unknown workspace %q", hello.Workspace)
	}

	if err := writeMsg(handshakeCtx, conn, syncproto.TypeHelloAck, syncproto.HelloAck{Accepted: true}); err != nil {
		return err
	}

	s.logger.Info("sync client connected", "workspace", hello.Workspace, "device", hello.DeviceName)

	ws.addConnection(1)
	defer ws.addConnection(-1)

	if err := s.handshake(handshakeCtx, conn, ws); err != nil {
		return fmt.Errorf("syncserver: handshake: %w", err)
	}

	if err := s.syncBodies(ctx, conn, ws); err != nil {
		return fmt.Errorf("syncserver: body sync: %w", err)
	}

	return s.steadyState(ctx, conn, ws)
}

// handshake is the server-side mirror of syncclient.Client.handshake: it
// reads the client's workspace cursor, sends its own, exchanges ops in
// both directions, and converges before signaling Files-Ready.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, ws *Workspace) error {
	env, err := readMsg(ctx, conn)
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

	localCursor := ws.WS.EncodeSyncStep1()

	if err := writeMsg(ctx, conn, syncproto.TypeWorkspaceSyncStep1, syncproto.WorkspaceSyncStep1{Cursor: localCursor}); err != nil {
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

	if err := ws.WS.ApplyRemote(ctx, remoteStep2.Ops); err != nil {
		return fmt.Errorf("applying peer workspace ops: %w", err)
	}

	if len(remoteStep2.Ops) > 0 && ws.Compactor != nil {
		ws.Compactor.Touch()
	}

	ourOps, err := ws.WS.EncodeSyncStep2(ctx, remoteStep1.Cursor)
	if err != nil {
		return err
	}

	if err := writeMsg(ctx, conn, syncproto.TypeWorkspaceSyncStep2, syncproto.WorkspaceSyncStep2{Ops: ourOps}); err != nil {
		return err
	}

	env, err = readMsg(ctx, conn)
	if err != nil {
		return err
	}

	if err := expect(env, syncproto.TypeFilesReady); err != nil {
		return err
	}

	return writeMsg(ctx, conn, syncproto.TypeFilesReady, syncproto.FilesReady{})
}

func (s *Server) syncBodies(ctx context.Context, conn *websocket.Conn, ws *Workspace) error {
	ws.reportStalePartials(s.logger)

	files, err := ws.Store.QueryActiveFiles(ctx)
	if err != nil {
		return err
	}

	// Workspace sync converged before Files-Ready, so both sides now agree
	// on the active file set; the client drives one BodySyncStep1 request
	// per doc and this just needs to answer that many times.
	for range files {
		if err := s.syncOneBody(ctx, conn, ws); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) syncOneBody(ctx context.Context, conn *websocket.Conn, ws *Workspace) error {
	env, err := readMsg(ctx, conn)
	if err != nil {
		return err
	}

	if err := expect(env, syncproto.TypeBodySyncStep1); err != nil {
		return err
	}

	var remote syncproto.BodySyncStep1
	if err := json.Unmarshal(env.Payload, &remote); err != nil {
		return err
	}

	ws.beginPartial(remote.DocID)

	localCursor, err := ws.Bodies.EncodeSyncStep1(ctx, remote.DocID)
	if err != nil {
		return err
	}

	if err := writeMsg(ctx, conn, syncproto.TypeBodySyncStep1, syncproto.BodySyncStep1{DocID: remote.DocID, Cursor: localCursor}); err != nil {
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

	if err := ws.Bodies.ApplyRemote(ctx, remote.DocID, remoteOps.Ops); err != nil {
		return err
	}

	if len(remoteOps.Ops) > 0 && ws.Compactor != nil {
		ws.Compactor.Touch()
	}

	ourOps, err := ws.Bodies.EncodeSyncStep2(ctx, remote.DocID, remote.Cursor)
	if err != nil {
		return err
	}

	if err := writeMsg(ctx, conn, syncproto.TypeBodySyncStep2, syncproto.BodySyncStep2{DocID: remote.DocID, Ops: ourOps}); err != nil {
		return err
	}

	ws.endPartial(remote.DocID)

	return nil
}

func (s *Server) steadyState(ctx context.Context, conn *websocket.Conn, ws *Workspace) error {
	g, gctx := errgroup.WithContext(ctx)

	var lastPing sync.Map
	lastPing.Store("t", time.Now())

	capacity := ws.BacklogThreshold
	if capacity <= 0 {
		capacity = defaultBacklogCapacity
	}

	outbox := make(chan []byte, capacity)

	limiter, err := bandwidth.New(ws.BandwidthLimit)
	if err != nil {
		return fmt.Errorf("syncserver: bandwidth limiter: %w", err)
	}

	g.Go(func() error { return s.readLoop(gctx, conn, ws, &lastPing, outbox) })
	g.Go(func() error { return s.watchdogLoop(gctx, &lastPing) })
	g.Go(func() error { return s.senderLoop(gctx, conn, outbox, limiter) })

	return g.Wait()
}

// enqueue encodes a message and hands it to the outbox for senderLoop to
// write. If the backlog is already at capacity the connection is torn
// down rather than left to grow without bound; the client reconnects.
func enqueue(outbox chan<- []byte, t syncproto.MessageType, payload any) error {
	b, err := syncproto.Encode(t, payload)
	if err != nil {
		return err
	}

	select {
	case outbox <- b:
		return nil
	default:
		return fmt.Errorf("syncserver: outbound backlog exceeds threshold, disconnecting")
	}
}

// senderLoop drains the outbox and writes each frame to the connection,
// rate-limited by the workspace's configured bandwidth cap.
func (s *Server) senderLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan []byte, limiter *bandwidth.Limiter) error {
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

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, ws *Workspace, lastPing *sync.Map, outbox chan<- []byte) error {
	for {
		env, err := readMsg(ctx, conn)
		if err != nil {
			return err
		}

		switch env.Type {
		case syncproto.TypePing:
			lastPing.Store("t", time.Now())

			if err := enqueue(outbox, syncproto.TypePong, syncproto.Pong{}); err != nil {
				return err
			}

		case syncproto.TypeUpdate:
			if err := s.applyUpdate(ctx, ws, env); err != nil {
				s.logger.Warn("failed applying peer update", "error", err)
			}

		case syncproto.TypeBye:
			return fmt.Errorf("peer closed the connection")

		default:
			s.logger.Warn("unexpected message in steady state", "type", env.Type)
		}
	}
}

func (s *Server) applyUpdate(ctx context.Context, ws *Workspace, env syncproto.Envelope) error {
	var upd syncproto.Update
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		return err
	}

	if upd.WorkspaceOp != nil {
		if err := ws.WS.ApplyRemote(ctx, []workspace.Op{*upd.WorkspaceOp}); err != nil {
			return err
		}
	}

	if upd.BodyOp != nil {
		if err := ws.Bodies.ApplyRemote(ctx, upd.BodyDocID, []bodycrdt.Op{*upd.BodyOp}); err != nil {
			return err
		}
	}

	if ws.Compactor != nil {
		ws.Compactor.Touch()
	}

	return nil
}

// watchdogLoop trips the connection if the client stops pinging, the
// server-side counterpart to the client's own pingLoop timeout check.
func (s *Server) watchdogLoop(ctx context.Context, lastPing *sync.Map) error {
	ticker := time.NewTicker(s.cfg.PingTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			v, _ := lastPing.Load("t")
			if t, ok := v.(time.Time); ok && time.Since(t) > s.cfg.PingTimeout {
				return fmt.Errorf("no ping within %s, connection presumed dead", s.cfg.PingTimeout)
			}
		}
	}
}
