package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thobiasn/watchman/internal/protocol"
)

// maxConns bounds concurrent client connections.
const maxConns = 64

// sendTimeout bounds one write to a client; a session that cannot drain a
// frame in this window is treated as dead.
const sendTimeout = 5 * time.Second

// SocketServer accepts client connections on a unix socket and dispatches
// the length-prefixed msgpack protocol to the API and the live bus.
type SocketServer struct {
	path string
	api  *API
	bus  *LiveBus

	ln      net.Listener
	connSem chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewSocketServer creates a server for the given socket path.
func NewSocketServer(path string, api *API, bus *LiveBus) *SocketServer {
	return &SocketServer{
		path:    path,
		api:     api,
		bus:     bus,
		connSem: make(chan struct{}, maxConns),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first.
func (srv *SocketServer) Start(ctx context.Context) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.started {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(srv.path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(srv.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", srv.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.path, err)
	}
	if err := os.Chmod(srv.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	srv.ln = ln
	srv.started = true

	srv.wg.Add(1)
	go srv.acceptLoop(ctx, ln)

	slog.Info("socket server listening", "path", srv.path)
	return nil
}

// Stop closes the listener and waits for connection handlers to finish.
// Sessions attached to the bus are closed by the bus, not here.
func (srv *SocketServer) Stop() {
	srv.mu.Lock()
	ln, started := srv.ln, srv.started
	srv.ln, srv.started = nil, false
	srv.mu.Unlock()

	if !started {
		return
	}
	ln.Close()
	srv.wg.Wait()
	os.Remove(srv.path)
	slog.Info("socket server stopped")
}

func (srv *SocketServer) acceptLoop(ctx context.Context, ln net.Listener) {
	defer srv.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "error", err)
			continue
		}

		select {
		case srv.connSem <- struct{}{}:
		default:
			slog.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer func() { <-srv.connSem }()
			srv.handleConn(ctx, conn)
		}()
	}
}

// socketSession is one client connection. It implements Session so the live
// bus can push to it; writeMu serializes request replies with bus pushes.
type socketSession struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Send pushes one live message, wrapped in a push envelope.
func (s *socketSession) Send(msg Message) error {
	env, err := protocol.NewEnvelope(protocol.TypePush, 0, msg)
	if err != nil {
		return err
	}
	return s.write(env)
}

// Close tears the connection down. The code is carried for parity with
// transports that have close frames; a unix socket just closes.
func (s *socketSession) Close(code int) error {
	return s.conn.Close()
}

func (s *socketSession) write(env *protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	return protocol.WriteMsg(s.conn, env)
}

func (srv *SocketServer) handleConn(ctx context.Context, conn net.Conn) {
	sess := &socketSession{conn: conn}
	subscribed := false
	defer func() {
		if subscribed {
			srv.bus.Detach(sess)
		}
		conn.Close()
	}()

	for {
		env, err := protocol.ReadMsg(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Debug("client read failed", "error", err)
			}
			return
		}

		switch env.Type {
		case protocol.TypeSubscribe:
			if !subscribed {
				subscribed = true
				srv.bus.Attach(sess)
			}
			srv.reply(sess, env.ID, protocol.Result{OK: true, Message: "subscribed"})

		case protocol.TypeUnsubscribe:
			if subscribed {
				subscribed = false
				srv.bus.Detach(sess)
			}
			srv.reply(sess, env.ID, protocol.Result{OK: true, Message: "unsubscribed"})

		default:
			srv.dispatch(ctx, sess, env)
		}
	}
}

// dispatch handles one request-response message.
func (srv *SocketServer) dispatch(ctx context.Context, sess *socketSession, env *protocol.Envelope) {
	resp, err := srv.handleRequest(ctx, env)
	if err != nil {
		srv.replyError(sess, env.ID, err)
		return
	}
	srv.reply(sess, env.ID, resp)
}

func (srv *SocketServer) handleRequest(ctx context.Context, env *protocol.Envelope) (any, error) {
	switch env.Type {
	case protocol.TypeQuerySummary:
		return srv.api.Summary(ctx)

	case protocol.TypeQueryHistory:
		var req protocol.HistoryReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.History(ctx, req.Hours)

	case protocol.TypeQueryTimeline:
		var req protocol.TimelineReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.Timeline(ctx, req.Hours, req.Limit, req.Latest)

	case protocol.TypeQueryPorts:
		return srv.api.Ports(ctx)

	case protocol.TypeQueryListening:
		var req protocol.LimitReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.Listening(ctx, req.Limit)

	case protocol.TypeQueryAlerts:
		var req protocol.AlertsReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.Alerts(ctx, req.Limit, req.IncludeAck)

	case protocol.TypeQueryProfiles:
		return srv.api.Profiles(ctx)

	case protocol.TypeQueryNetwork:
		return srv.api.Network(ctx)

	case protocol.TypeQueryProcesses:
		var req protocol.LimitReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.Processes(ctx, req.Limit)

	case protocol.TypeQueryContainers:
		return srv.api.Containers(ctx)

	case protocol.TypeActionAckAlert:
		var req protocol.AckAlertReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.AckAlert(ctx, req.AlertID)

	case protocol.TypeActionMute:
		var req protocol.MuteReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.Mute(ctx, req.Minutes)

	case protocol.TypeActionSelectProfile:
		var req protocol.SelectProfileReq
		if err := decodeReq(env, &req); err != nil {
			return nil, err
		}
		return srv.api.SelectProfile(ctx, req.Name)

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// decodeReq decodes a request body. A missing body yields the zero request so
// optional-parameter queries work without one.
func decodeReq(env *protocol.Envelope, v any) error {
	if len(env.Body) == 0 {
		return nil
	}
	if err := env.DecodeBody(v); err != nil {
		return fmt.Errorf("decode %s body: %w", env.Type, err)
	}
	return nil
}

func (srv *SocketServer) reply(sess *socketSession, id uint32, body any) {
	env, err := protocol.NewEnvelope(protocol.TypeResult, id, body)
	if err != nil {
		slog.Warn("failed to encode reply", "error", err)
		return
	}
	if err := sess.write(env); err != nil {
		slog.Debug("failed to write reply", "error", err)
	}
}

func (srv *SocketServer) replyError(sess *socketSession, id uint32, reqErr error) {
	env, err := protocol.NewEnvelope(protocol.TypeError, id, protocol.ErrorResult{Error: reqErr.Error()})
	if err != nil {
		slog.Warn("failed to encode error reply", "error", err)
		return
	}
	if err := sess.write(env); err != nil {
		slog.Debug("failed to write error reply", "error", err)
	}
}
