package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server accepts inbound GTNet connections. Each connection carries one
// request frame and, for request codes, one reply frame.
type Server struct {
	listener net.Listener
	handler  *Handler
	logger   *slog.Logger

	readTimeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string, handler *Handler, logger *slog.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("network: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener:    listener,
		handler:     handler,
		logger:      logger.With("component", "gtnet-server"),
		readTimeout: DefaultFrameReadTimeout,
		closed:      make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and waits for in-flight requests.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	payload, err := ReadFrameWithTimeout(conn, s.readTimeout)
	if err != nil {
		s.logger.Warn("read request frame failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	env, err := DecodeEnvelope(payload)
	if err != nil {
		s.logger.Warn("decode request failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	reply, err := s.handler.Handle(env)
	if err != nil {
		s.logger.Warn("handle request failed",
			"remote", conn.RemoteAddr(), "code", env.MessageCode, "from", env.SourceDomain, "error", err)
		return
	}
	if reply == nil {
		return
	}

	replyPayload, err := EncodeEnvelope(*reply)
	if err != nil {
		s.logger.Error("encode reply failed", "code", reply.MessageCode, "error", err)
		return
	}
	if err := WriteFrame(conn, replyPayload); err != nil {
		s.logger.Warn("write reply failed", "remote", conn.RemoteAddr(), "error", err)
	}
}
