package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/hbtz-dev/neuro2024simulator/internal/observe"
	"github.com/hbtz-dev/neuro2024simulator/pkg/scheduler"
)

// Server serves the control WebSocket and the status endpoint.
type Server struct {
	sc      *scheduler.Context
	metrics *observe.Metrics
	log     *slog.Logger
	origins []string

	ctx      context.Context
	cancel   context.CancelFunc
	sessions atomic.Int64

	// mu orders session registration against Close so wg.Add never runs
	// concurrently with wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// New returns a server driving sc.
func New(sc *scheduler.Context, opts ...Option) *Server {
	s := &Server{sc: sc}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Register adds GET /control and GET /status to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /control", s.ServeControl)
	mux.HandleFunc("GET /status", s.ServeStatus)
}

// Sessions returns the number of connected control clients.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

// Close disconnects every session, cancelling pending wait_complete
// commands, and waits for the session handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// track registers one session. It reports false once Close has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// ServeStatus writes the scheduler snapshot as JSON.
func (s *Server) ServeStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(s.sc.Snapshot()); err != nil {
		s.log.Warn("control: encode status", "err", err)
	}
}

// ServeControl upgrades the request and runs a control session until the
// client disconnects or the server is closed.
func (s *Server) ServeControl(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.log.Warn("control: websocket accept failed", "err", err)
		return
	}
	if !s.track() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()

	sess := &session{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
	}
	sess.log = observe.Logger(r.Context(), s.log).With("session", sess.id)
	sess.run(s.ctx)
}

// session is one connected control client.
type session struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	// waits tracks in-flight wait_complete commands.
	waits sync.WaitGroup
}

func (ss *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ss.srv.sessions.Add(1)
	ss.srv.metrics.ControlSessions.Add(ctx, 1)
	defer func() {
		cancel()
		ss.waits.Wait()
		ss.srv.sessions.Add(-1)
		ss.srv.metrics.ControlSessions.Add(context.Background(), -1)
		ss.log.Info("control: session closed")
	}()

	ss.log.Info("control: session opened")
	if err := ss.write(ctx, Response{ID: "hello", OK: true, Result: Hello{Session: ss.id}}); err != nil {
		return
	}

	for {
		typ, data, err := ss.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				ss.log.Debug("control: read ended", "err", err)
			}
			ss.conn.CloseNow()
			return
		}
		if typ != websocket.MessageText {
			_ = ss.write(ctx, Response{Error: "binary frames are not supported", Code: CodeBadRequest})
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = ss.write(ctx, Response{Error: fmt.Sprintf("invalid json: %v", err), Code: CodeBadRequest})
			continue
		}

		if req.Op == OpWaitComplete {
			ss.waits.Add(1)
			go func() {
				defer ss.waits.Done()
				_ = ss.write(ctx, ss.handle(ctx, req))
			}()
			continue
		}
		if err := ss.write(ctx, ss.handle(ctx, req)); err != nil {
			return
		}
	}
}

// handle executes one request inside a span and records its metrics.
func (ss *session) handle(ctx context.Context, req Request) Response {
	ctx, span := observe.CommandSpan(ctx, req.Op, req.Thread)
	defer span.End()

	start := time.Now()
	resp := ss.srv.Execute(ctx, req)
	status := "ok"
	if !resp.OK {
		status = resp.Code
		span.SetAttributes(observe.Attr("neurosim.error_code", resp.Code))
	}
	ss.srv.metrics.RecordControlCommand(ctx, req.Op, status, time.Since(start))

	if !resp.OK && resp.Code != CodeCancelled {
		ss.log.Warn("control: command failed", "id", req.ID, "op", req.Op, "thread", req.Thread, "err", resp.Error)
	} else {
		ss.log.Debug("control: command", "id", req.ID, "op", req.Op, "thread", req.Thread)
	}
	return resp
}

func (ss *session) write(ctx context.Context, resp Response) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := wsjson.Write(wctx, ss.conn, resp)
	if err != nil && !errors.Is(err, context.Canceled) {
		ss.log.Debug("control: write failed", "err", err)
	}
	return err
}
