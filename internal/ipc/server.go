package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"diachron/internal/logging"
)

// Handler processes one request envelope into one response envelope.
type Handler interface {
	HandleRequest(ctx context.Context, env *Envelope) *Envelope
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Envelope) *Envelope

func (f HandlerFunc) HandleRequest(ctx context.Context, env *Envelope) *Envelope {
	return f(ctx, env)
}

// ServerConfig configures the socket server.
type ServerConfig struct {
	SocketPath      string
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	MaxMessageBytes int
}

func (c *ServerConfig) defaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 64
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = MaxMessageBytes
	}
}

// Server accepts Unix-socket connections and serves NDJSON requests.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *logging.Logger

	listener net.Listener
	clients  map[string]net.Conn
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
}

// NewServer creates a server.
func NewServer(cfg ServerConfig, handler Handler, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log.WithComponent("ipc"),
		clients: make(map[string]net.Conn),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens on the socket. The socket file is owner-only.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and all connections, then waits for the
// per-connection goroutines.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to drain")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.log.Warn("accept failed", "error", err)
				}
				continue
			}
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}
		clientID := uuid.NewString()
		s.clients[clientID] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(clientID, conn)
	}
}

// serveConn runs the per-connection request loop. The read deadline
// rolls forward on every request; an idle client is eventually
// disconnected.
func (s *Server) serveConn(clientID string, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		conn.Close()
	}()

	log := s.log.With("client_id", clientID)
	log.Debug("client connected")

	reader := bufio.NewReaderSize(conn, 64*1024)
	var writeMu sync.Mutex

	send := func(env *Envelope) error {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_, err = conn.Write(append(data, '\n'))
		return err
	}

	for {
		select {
		case <-s.ctx.Done():
			send(ErrorEnvelope(KindShutdown, "daemon shutting down"))
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		line, err := readBoundedLine(reader, s.cfg.MaxMessageBytes)
		if err != nil {
			switch {
			case err == ErrMessageTooLarge:
				// The oversized line was fully drained; the connection
				// stays usable.
				if sendErr := send(ErrorEnvelope(KindInvalidMessage,
					fmt.Sprintf("message exceeds %d bytes", s.cfg.MaxMessageBytes))); sendErr != nil {
					return
				}
				continue
			case err == io.EOF || errors.Is(err, net.ErrClosed):
				log.Debug("client disconnected")
				return
			default:
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					log.Debug("client idle timeout")
				}
				return
			}
		}

		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if sendErr := send(ErrorEnvelope(KindInvalidMessage, err.Error())); sendErr != nil {
				return
			}
			continue
		}
		if env.Type == "" {
			if sendErr := send(ErrorEnvelope(KindInvalidMessage, "missing type")); sendErr != nil {
				return
			}
			continue
		}

		var reqCtx context.Context
		var cancel context.CancelFunc
		if unboundedRequest(env.Type) {
			reqCtx, cancel = context.WithCancel(s.ctx)
		} else {
			reqCtx, cancel = context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		}
		resp := s.handler.HandleRequest(reqCtx, &env)
		cancel()
		if resp == nil {
			resp = ErrorEnvelope(KindInvalidMessage, "no response")
		}

		if err := send(resp); err != nil {
			log.Debug("write failed", "error", err)
			return
		}
	}
}

// unboundedRequest reports whether a request tag is exempt from the
// request timeout. Full-archive ingestion and maintenance (VACUUM,
// index rebuilds) legitimately outlive any reasonable deadline.
func unboundedRequest(tag string) bool {
	return tag == TagIndexConversations || tag == TagMaintenance
}

// readBoundedLine reads one newline-terminated line up to maxBytes.
// An oversized line is drained to its newline and reported as
// ErrMessageTooLarge so the next request parses cleanly.
func readBoundedLine(r *bufio.Reader, maxBytes int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)

		if err == bufio.ErrBufferFull {
			if len(buf) > maxBytes {
				if drainErr := drainLine(r); drainErr != nil {
					return nil, drainErr
				}
				return nil, ErrMessageTooLarge
			}
			continue
		}
		if err != nil {
			if len(buf) > 0 && err == io.EOF {
				// Trailing partial line without newline.
				return trimNewline(buf), io.EOF
			}
			return nil, err
		}
		if len(buf) > maxBytes {
			return nil, ErrMessageTooLarge
		}
		return trimNewline(buf), nil
	}
}

func drainLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
