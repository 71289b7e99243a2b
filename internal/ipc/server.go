package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"

	"github.com/google/uuid"

	"github.com/mcpdaemon/mcpd/internal/mcperr"
)

// Handler processes one decoded Request and returns the success payload
// (one of the Response structs in protocol.go) or an error. Errors that are
// *mcperr.Error carry a stable Kind that the server reports on the wire;
// any other error is reported as an unclassified bad_request.
type Handler func(ctx context.Context, req *Request) (any, error)

var peerUIDMatchesCurrentUserFn = peerUIDMatchesCurrentUser

// Server listens for control-socket connections on a Unix socket, one
// request per connection, matching original_source's handle_connection
// shape and lydakis-mcpx's internal/ipc peer-check/disconnect pattern.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	closing chan struct{}
}

// NewServer creates a Server bound to socketPath that dispatches decoded
// requests to handler.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
		closing:    make(chan struct{}),
	}
}

// Start removes any stale socket file, binds, restricts permissions to the
// owner, and begins accepting connections in the background.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		_ = os.Remove(s.socketPath)
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener, waits for in-flight connections to finish, and
// unlinks the socket file. Invariant 3 (§8): after a clean exit the socket
// file must not exist.
func (s *Server) Stop() {
	close(s.closing)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	base := s.logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(slog.String("conn_id", uuid.NewString()))

	ok, err := peerUIDMatchesCurrentUserFn(conn)
	if err != nil {
		logger.Warn("peer uid check failed", slog.Any("error", err))
		writeLine(conn, Err("peer credential check failed", string(mcperr.KindBadRequest)))
		return
	}
	if !ok {
		logger.Warn("rejected connection from foreign uid")
		writeLine(conn, Err("peer uid mismatch", string(mcperr.KindBadRequest)))
		return
	}

	line, oversize, err := readFrame(conn)
	if oversize {
		writeLine(conn, Err("request frame exceeds 1 MiB limit", string(mcperr.KindOversize)))
		return
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return
		}
		writeLine(conn, Err("failed to read request", string(mcperr.KindBadRequest)))
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		writeLine(conn, Err("malformed request", string(mcperr.KindBadRequest)))
		return
	}
	if req.Command == "" {
		writeLine(conn, Err("missing required field \"command\"", string(mcperr.KindBadRequest)))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Detect client disconnect mid-request so long-running calls can be
	// abandoned promptly; mirrors lydakis-mcpx/internal/ipc's trailing
	// one-byte-read trick.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		var buf [1]byte
		if _, err := conn.Read(buf[:]); err != nil {
			cancel()
			return
		}
		cancel()
	}()

	payload, handlerErr := s.handler(ctx, &req)

	_ = conn.SetReadDeadline(time.Now())
	<-disconnected
	_ = conn.SetReadDeadline(time.Time{})

	if handlerErr != nil {
		kind, ok := mcperr.KindOf(handlerErr)
		if !ok {
			kind = mcperr.KindBadRequest
		}
		logger.Debug("request failed", slog.String("command", req.Command), slog.Any("error", handlerErr))
		// The kind travels in its own field; keep it out of the message.
		msg := strings.TrimPrefix(handlerErr.Error(), string(kind)+": ")
		writeLine(conn, Err(msg, string(kind)))
		return
	}
	writeLine(conn, payload)
}

// readFrame reads one newline-delimited line, capped at MaxFrameSize+1
// bytes so a client that never sends a newline cannot exhaust memory.
func readFrame(conn net.Conn) (line []byte, oversize bool, err error) {
	limited := io.LimitReader(conn, MaxFrameSize+1)
	reader := bufio.NewReaderSize(limited, 64*1024)

	s, err := reader.ReadString('\n')
	if len(s) > MaxFrameSize {
		return nil, true, nil
	}
	return []byte(s), false, err
}

func writeLine(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
