package uds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one request. ctx ends when the command's deadline
// passes or the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// ErrSocketInUse is returned by Start when another process already answers
// on the socket.
var ErrSocketInUse = errors.New("socket already in use")

// Server answers one framed request per connection.
type Server struct {
	socketPath string
	listener   net.Listener
	logger     *log.Logger

	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	timeouts    map[string]time.Duration
	connTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		logger:      log.New(io.Discard, "", 0),
		handlers:    make(map[string]HandlerFunc),
		timeouts:    make(map[string]time.Duration),
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds reading the request and, unless the command has its
// own timeout, serving it.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connTimeout = d
}

// SetCommandTimeout gives command its own deadline, for commands such as
// run_optimization that legitimately outlast the connection timeout.
func (s *Server) SetCommandTimeout(command string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[command] = d
}

func (s *Server) SetLogger(l *log.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket. A socket file nobody answers on is left over
// from a crashed daemon and is replaced; a live one is never touched.
func (s *Server) Start() error {
	if conn, err := net.DialTimeout("unix", s.socketPath, time.Second); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.socketPath)
	}
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, cancels handlers in flight and waits for them.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener == nil {
		return nil
	}
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Printf("uds: accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	s.mu.RLock()
	readTimeout := s.connTimeout
	s.mu.RUnlock()

	_ = conn.SetDeadline(time.Now().Add(readTimeout))
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Printf("uds: read request error: %v", err)
		return
	}

	deadline := time.Now().Add(s.timeoutFor(req.Command))
	_ = conn.SetDeadline(deadline)
	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	// clients send nothing after the request, so a finished read means the
	// client hung up and the handler can stop
	go func() {
		var b [1]byte
		if _, err := conn.Read(b[:]); err != nil {
			cancel()
		}
	}()

	if err := WriteFrame(conn, s.dispatch(ctx, &req)); err != nil {
		s.logger.Printf("uds: write response command=%s error: %v", req.Command, err)
	}
}

func (s *Server) timeoutFor(command string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.timeouts[command]; ok && d > 0 {
		return d
	}
	return s.connTimeout
}

// dispatch routes req to its handler. A panicking handler is answered with
// INTERNAL_ERROR instead of a dropped connection.
func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("uds: panic in command=%s: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("command %s failed unexpectedly", req.Command))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return handler(ctx, req)
}
