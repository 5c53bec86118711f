// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/geilt/tairseach-sub001/lib/netutil"
	"github.com/geilt/tairseach-sub001/router"
)

// maxLineSize bounds one request line (a request or a whole batch).
const maxLineSize = 4 << 20

// writeTimeout is how long a response write may block on a slow
// reader.
const writeTimeout = 10 * time.Second

var errPeerCredentialsUnsupported = errors.New("peer credentials are not supported on this platform")

// Router routes capability calls. *router.Router implements it.
type Router interface {
	Route(ctx context.Context, method string, params json.RawMessage) router.Result
}

// MethodFunc implements a built-in method. A returned error is mapped
// with [ErrorFor]; return an [*Error] to choose the code directly.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Config configures a [Server].
type Config struct {
	SocketPath string
	Router     Router

	// Manifests distinguishes unknown namespaces from unknown tools
	// in error responses.
	Manifests router.Catalog

	// Gate is the coarse permission check. Nil allows every method.
	Gate *Gate

	// PeerCheck decides whether a connecting uid is accepted.
	// Defaults to accepting only the server's own uid.
	PeerCheck func(uid uint32) bool

	Logger *slog.Logger
}

// Server serves JSON-RPC over a Unix socket. Built-in methods are
// registered with Handle before calling Serve; every other method goes
// to the router.
type Server struct {
	socketPath string
	router     Router
	manifests  router.Catalog
	gate       *Gate
	peerCheck  func(uint32) bool
	logger     *slog.Logger
	methods    map[string]MethodFunc

	// activeConnections tracks connection handlers so Serve can wait
	// for them on shutdown.
	activeConnections sync.WaitGroup

	connections atomic.Int64
	requests    atomic.Uint64
	rejected    atomic.Uint64
}

// NewServer creates a server. Register built-in methods with Handle
// before calling Serve.
func NewServer(config Config) (*Server, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("protocol: socket path is required")
	}
	if config.Router == nil || config.Manifests == nil {
		return nil, fmt.Errorf("protocol: router and manifest catalog are required")
	}
	peerCheck := config.PeerCheck
	if peerCheck == nil {
		self := uint32(os.Getuid())
		peerCheck = func(uid uint32) bool { return uid == self }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: config.SocketPath,
		router:     config.Router,
		manifests:  config.Manifests,
		gate:       config.Gate,
		peerCheck:  peerCheck,
		logger:     logger,
		methods:    make(map[string]MethodFunc),
	}, nil
}

// Handle registers a built-in method. Panics if the method is already
// registered.
func (s *Server) Handle(method string, handler MethodFunc) {
	if _, exists := s.methods[method]; exists {
		panic(fmt.Sprintf("protocol.Server: duplicate handler for method %q", method))
	}
	s.methods[method] = handler
}

// Stats are server counters.
type Stats struct {
	Connections int64  `json:"connections"`
	Requests    uint64 `json:"requests"`
	Rejected    uint64 `json:"rejected_peers"`
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Requests:    s.requests.Load(),
		Rejected:    s.rejected.Load(),
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Serve listens on the socket and serves connections until ctx is
// cancelled, then closes the listener, interrupts idle connections,
// and waits for in-flight requests to finish.
//
// A stale socket file at the path is removed first. The socket is
// created with mode 0600 and removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("protocol server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("connection", uuid.NewString())
	if !s.acceptPeer(conn, logger) {
		s.rejected.Add(1)
		return
	}

	s.connections.Add(1)
	defer s.connections.Add(-1)

	// Interrupt a blocked read when the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for scanner.Scan() {
		response := s.handleLine(ctx, scanner.Bytes())
		if response == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(append(response, '\n')); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				logger.Debug("writing response failed", "error", err)
			}
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !netutil.IsExpectedCloseError(err) {
		if errors.Is(err, bufio.ErrTooLong) {
			s.writeLine(conn, errorResponse(nil, NewError(CodeParseError, fmt.Sprintf("request line exceeds %d bytes", maxLineSize))))
		}
		logger.Debug("connection read failed", "error", err)
	}
}

// acceptPeer checks the connecting process's uid.
func (s *Server) acceptPeer(conn net.Conn, logger *slog.Logger) bool {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		logger.Warn("rejecting non-unix connection")
		return false
	}
	uid, err := peerUID(unixConn)
	if errors.Is(err, errPeerCredentialsUnsupported) {
		logger.Debug("peer credentials unsupported on this platform, accepting connection")
		return true
	}
	if err != nil {
		logger.Warn("rejecting connection, peer credentials unavailable", "error", err)
		return false
	}
	if !s.peerCheck(uid) {
		logger.Warn("rejecting connection from foreign uid", "uid", uid)
		return false
	}
	return true
}

func (s *Server) writeLine(conn net.Conn, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.Write(append(data, '\n'))
}

// handleLine processes one line and returns the encoded response, or
// nil when nothing should be written.
func (s *Server) handleLine(ctx context.Context, line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		return encode(errorResponse(nil, NewError(CodeParseError, "parse error: line is not valid JSON")))
	}

	if trimmed[0] != '[' {
		response := s.handleRequest(ctx, trimmed)
		if response == nil {
			return nil
		}
		return encode(response)
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return encode(errorResponse(nil, NewError(CodeParseError, fmt.Sprintf("parse error: %v", err))))
	}
	if len(elements) == 0 {
		return encode(errorResponse(nil, NewError(CodeInvalidRequest, "empty batch")))
	}

	responses := make([]*Response, len(elements))
	var wait sync.WaitGroup
	for index, element := range elements {
		wait.Add(1)
		go func() {
			defer wait.Done()
			responses[index] = s.handleRequest(ctx, element)
		}()
	}
	wait.Wait()

	batch := make([]*Response, 0, len(responses))
	for _, response := range responses {
		if response != nil {
			batch = append(batch, response)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return encode(batch)
}

// handleRequest decodes and dispatches one request. Returns nil for a
// notification.
func (s *Server) handleRequest(ctx context.Context, raw json.RawMessage) *Response {
	request, rpcError := decodeRequest(raw)
	if rpcError != nil {
		var id json.RawMessage
		if request != nil {
			id = request.ID
		}
		return errorResponse(id, rpcError)
	}

	s.requests.Add(1)
	start := time.Now()
	result, rpcError := s.dispatch(ctx, request)

	level := slog.LevelDebug
	attributes := []any{"method", request.Method, "duration", time.Since(start)}
	if rpcError != nil {
		attributes = append(attributes, "code", rpcError.Code)
		if rpcError.Code == CodeInternalError {
			level = slog.LevelWarn
			attributes = append(attributes, "error", rpcError.Message)
		}
	}
	s.logger.Log(ctx, level, "request handled", attributes...)

	if request.IsNotification() {
		return nil
	}
	if rpcError != nil {
		return errorResponse(request.ID, rpcError)
	}
	return resultResponse(request.ID, result)
}

// dispatch runs the gate and then the built-in method or the router.
func (s *Server) dispatch(ctx context.Context, request *Request) (result json.RawMessage, rpcError *Error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("panic while handling request",
				"method", request.Method,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			result, rpcError = nil, NewError(CodeInternalError, "internal error", "method", request.Method)
		}
	}()

	if rpcError := s.gate.Check(ctx, request.Method); rpcError != nil {
		return nil, rpcError
	}

	var value any
	if handler, ok := s.methods[request.Method]; ok {
		var err error
		value, err = handler(ctx, request.Params)
		if err != nil {
			return nil, ErrorFor(request.Method, err)
		}
	} else {
		outcome := s.router.Route(ctx, request.Method, request.Params)
		success, ok := outcome.(router.Success)
		if !ok {
			return nil, errorForResult(request.Method, outcome, s.manifests.Snapshot())
		}
		value = success.Value
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, NewError(CodeInternalError, fmt.Sprintf("encoding result: %v", err), "method", request.Method)
	}
	return encoded, nil
}

func encode(value any) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		data, _ = json.Marshal(errorResponse(nil, NewError(CodeInternalError, "encoding response failed")))
	}
	return data
}
