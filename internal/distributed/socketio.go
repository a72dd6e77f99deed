package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/specialistvlad/dirflow/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	client "github.com/zishang520/socket.io-client-go/socket"
	"github.com/zishang520/socket.io/v2/socket"
)

// EventDisconnect is delivered to a worker when its link drops.
const EventDisconnect = "disconnect"

// Server exposes a Coordinator over socket.io. The same gin router answers
// /health and /status.
type Server struct {
	coord  *Coordinator
	io     *socket.Server
	http   *http.Server
	logger *slog.Logger
}

// NewServer wires the socket.io event handlers to coord.
func NewServer(ctx context.Context, coord *Coordinator) *Server {
	s := &Server{
		coord:  coord,
		io:     socket.NewServer(nil, nil),
		logger: ctxlog.FromContext(ctx),
	}
	// Disconnect handling cancels jobs; it must outlive a cancelled run.
	bg := context.WithoutCancel(ctx)

	s.io.On("connection", func(clients ...any) {
		sock := clients[0].(*socket.Socket)
		conn := &serverConn{sock: sock}
		s.logger.Debug("Worker connection opened.", "sid", sock.Id())

		s.on(conn, EventRegister, func(m Message) { coord.OnRegister(conn, m) })
		s.on(conn, EventReady, func(m Message) { coord.OnReady(conn, m) })
		s.on(conn, EventResult, func(m Message) { coord.OnResult(conn, m) })
		sock.On("disconnect", func(...any) {
			s.logger.Debug("Worker connection closed.", "sid", sock.Id())
			conn.incoming.close(func() { coord.OnDisconnect(bg, conn) })
		})
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	router.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, coord.Snapshot()) })
	router.Any("/socket.io/*any", gin.WrapH(s.io.ServeHandler(nil)))
	s.http = &http.Server{Handler: router}
	return s
}

func (s *Server) on(conn *serverConn, event string, handle func(Message)) {
	conn.sock.On(event, func(args ...any) {
		m, err := DecodeMessage(args...)
		if err != nil {
			s.logger.Warn("Dropping malformed event.", "event", event, "error", err)
			return
		}
		conn.incoming.deliver(m.Seq, func() { handle(m) })
	})
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) {
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Coordinator server failed unexpectedly", "error", err)
		}
	}()
}

// Close stops accepting workers and closes every connection.
func (s *Server) Close(ctx context.Context) error {
	s.io.Close(nil)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

type serverConn struct {
	sock     *socket.Socket
	incoming sequencer
	outgoing stamper
}

func (c *serverConn) Send(event string, m Message) {
	_ = c.outgoing.send(m, func(m Message) error { return c.sock.Emit(event, m.Encode()) })
}

func (c *serverConn) Close() { c.sock.Disconnect(true) }

// Link is a worker's connection to its coordinator.
type Link interface {
	Send(event string, m Message) error
	Close()
}

// Dialer connects to the coordinator at address and delivers every event it
// sends, plus EventDisconnect when the link drops.
type Dialer func(ctx context.Context, address string, deliver func(event string, m Message)) (Link, error)

// DialSocketIO is the production Dialer.
func DialSocketIO(ctx context.Context, address string, deliver func(event string, m Message)) (Link, error) {
	logger := ctxlog.FromContext(ctx).With("coordinator", address)

	opts := client.DefaultOptions()
	opts.SetTransports(types.NewSet(transports.WebSocket))
	// Reconnects go through client.json so a worker follows renewals.
	opts.SetReconnection(false)

	manager := client.NewManager("http://"+address, opts)
	io := manager.Socket("/", opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to coordinator.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("%v", errs[0])
		}
		connected <- err
	})
	var incoming sequencer
	for _, event := range []string{EventAssign, EventMigrate, EventShutdown} {
		event := event
		io.On(types.EventName(event), func(args ...any) {
			m, err := DecodeMessage(args...)
			if err != nil {
				logger.Warn("Dropping malformed event.", "event", event, "error", err)
				return
			}
			incoming.deliver(m.Seq, func() { deliver(event, m) })
		})
	}
	io.On(types.EventName("disconnect"), func(...any) {
		incoming.close(func() { deliver(EventDisconnect, Message{}) })
	})

	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &clientLink{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(15 * time.Second):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after 15s waiting for socket.io connection")
	}
}

type clientLink struct {
	io       *client.Socket
	outgoing stamper
}

func (l *clientLink) Send(event string, m Message) error {
	if !l.io.Connected() {
		return errors.New("coordinator link is closed")
	}
	return l.outgoing.send(m, func(m Message) error { return l.io.Emit(event, m.Encode()) })
}

func (l *clientLink) Close() { l.io.Disconnect() }
