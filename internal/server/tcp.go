package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deadmouser/MintelliFunds/internal/config"
	"github.com/deadmouser/MintelliFunds/internal/metrics"
	"github.com/deadmouser/MintelliFunds/internal/protocol"
)

// Engine is the prediction engine contract the server depends on. The handle
// is shared by every connection handler and must be safe for concurrent
// Evaluate calls (the engine package serializes internally).
type Engine interface {
	InputSize() int
	Evaluate(features []float64) (*protocol.Result, error)
}

// TCPServer accepts prediction requests over raw TCP connections. Each
// accepted connection is handled by its own goroutine performing exactly one
// read-decode-evaluate-encode-write cycle.
type TCPServer struct {
	listener net.Listener
	config   *config.ServerConfig
	logger   *slog.Logger
	engine   Engine
	metrics  *metrics.Metrics

	// Lifecycle management. running is written once by Stop and read every
	// accept iteration.
	running  atomic.Bool
	acceptWG sync.WaitGroup

	// Counters
	connectionsAccepted uint64
	connectionsHandled  uint64
	acceptErrors        uint64
	emptyRequests       uint64
	widthMismatches     uint64
	engineErrors        uint64
	ioErrors            uint64
	mu                  sync.RWMutex
}

// NewTCPServer creates a new TCP inference server instance
func NewTCPServer(cfg *config.ServerConfig, logger *slog.Logger, eng Engine, m *metrics.Metrics) *TCPServer {
	return &TCPServer{
		config:  cfg,
		logger:  logger,
		engine:  eng,
		metrics: m,
	}
}

// Start binds the listening socket and begins accepting connections.
// A bind failure is returned to the caller and is fatal to the process.
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.TCPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("read_buffer_size", s.config.ReadBufferSize),
		slog.Int("expected_features", s.engine.InputSize()),
	)

	s.acceptWG.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop halts acceptance of new connections and waits for the accept loop to
// exit. In-flight connection handlers are allowed to complete and respond.
// Stop is idempotent and safe to call from a different goroutine than the
// accept loop.
func (s *TCPServer) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.logger.Info("Stopping TCP server...")

	// Close the listener to unblock a pending Accept
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing listener", slog.String("error", err.Error()))
		}
	}

	s.acceptWG.Wait()

	stats := s.GetStatistics()
	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_handled", stats.ConnectionsHandled),
		slog.Uint64("width_mismatches", stats.WidthMismatches),
		slog.Uint64("engine_errors", stats.EngineErrors),
	)

	return nil
}

// acceptLoop is the main connection accepting loop
func (s *TCPServer) acceptLoop() {
	defer s.acceptWG.Done()

	for s.running.Load() {
		// Set an accept deadline so a stop request is observed within one
		// accept-timeout even when no connections arrive
		if tl, ok := s.listener.(*net.TCPListener); ok {
			if err := tl.SetDeadline(time.Now().Add(s.config.GetAcceptTimeoutDuration())); err != nil {
				s.logger.Error("Failed to set accept deadline", slog.String("error", err.Error()))
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue // Check running flag and try again
			}

			if !s.running.Load() {
				return // Listener closed during shutdown
			}

			s.mu.Lock()
			s.acceptErrors++
			s.mu.Unlock()
			s.metrics.AcceptErrors.Inc()

			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.connectionsAccepted++
		s.mu.Unlock()
		s.metrics.ConnectionsAccepted.Inc()
		s.metrics.ActiveConnections.Inc()

		// Dispatch and keep accepting; the handler owns the connection from
		// here and no handle to it is retained
		go s.handleConnection(conn)
	}
}

// handleConnection performs one read-decode-evaluate-encode-write cycle on a
// client connection, then closes it. Every per-request failure is converted
// into a structured error response; nothing propagates to the accept loop.
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Error closing connection", slog.String("error", err.Error()))
		}
		s.metrics.ActiveConnections.Dec()
	}()

	requestID := uuid.NewString()
	remoteAddr := conn.RemoteAddr().String()

	buffer := make([]byte, s.config.ReadBufferSize)
	n, err := conn.Read(buffer)
	if n == 0 {
		// Peer closed or failed before sending anything; no response owed
		if err != nil {
			s.logger.Debug("Connection closed before request",
				slog.String("request_id", requestID),
				slog.String("remote_addr", remoteAddr),
				slog.String("error", err.Error()),
			)
		}
		s.recordIOError()
		return
	}

	s.metrics.RequestBytes.Observe(float64(n))

	s.logger.Debug("Request received",
		slog.String("request_id", requestID),
		slog.String("remote_addr", remoteAddr),
		slog.Int("bytes", n),
	)

	features, err := protocol.DecodeFeatures(buffer[:n])
	if err != nil {
		s.logger.Warn("Failed to decode request",
			slog.String("request_id", requestID),
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		s.writeError(conn, requestID, err.Error())
		return
	}

	if len(features) == 0 {
		s.mu.Lock()
		s.emptyRequests++
		s.mu.Unlock()
		s.metrics.EmptyRequests.Inc()
	}

	expected := s.engine.InputSize()
	if len(features) != expected {
		s.mu.Lock()
		s.widthMismatches++
		s.mu.Unlock()
		s.metrics.WidthMismatches.Inc()

		msg := fmt.Sprintf("Input size mismatch. Expected %d but got %d", expected, len(features))
		s.logger.Warn("Request rejected",
			slog.String("request_id", requestID),
			slog.String("remote_addr", remoteAddr),
			slog.Int("expected_features", expected),
			slog.Int("actual_features", len(features)),
		)
		s.writeError(conn, requestID, msg)
		return
	}

	start := time.Now()
	result, err := s.engine.Evaluate(features)
	if err != nil {
		s.mu.Lock()
		s.engineErrors++
		s.mu.Unlock()
		s.metrics.EngineErrors.Inc()

		s.logger.Error("Engine evaluation failed",
			slog.String("request_id", requestID),
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		s.writeError(conn, requestID, err.Error())
		return
	}

	duration := time.Since(start)
	s.metrics.Evaluations.Inc()
	s.metrics.EvaluationDuration.Observe(duration.Seconds())

	response := protocol.WriteResponse(protocol.EncodeResult(result))
	if _, err := conn.Write(response); err != nil {
		s.recordIOError()
		s.logger.Warn("Failed to write response",
			slog.String("request_id", requestID),
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.connectionsHandled++
	s.mu.Unlock()
	s.metrics.ConnectionsHandled.Inc()

	s.logger.Info("Request handled",
		slog.String("request_id", requestID),
		slog.String("remote_addr", remoteAddr),
		slog.Int("features", len(features)),
		slog.Int("outputs", len(result.Keys)),
		slog.Duration("evaluation_time", duration),
	)
}

// writeError sends an HTTP-framed 500 error response. A failed write is
// logged and abandoned; the connection closes either way.
func (s *TCPServer) writeError(conn net.Conn, requestID, message string) {
	response := protocol.WriteErrorResponse(protocol.EncodeError(message))
	if _, err := conn.Write(response); err != nil {
		s.recordIOError()
		s.logger.Warn("Failed to write error response",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// recordIOError updates the stream I/O failure counters
func (s *TCPServer) recordIOError() {
	s.mu.Lock()
	s.ioErrors++
	s.mu.Unlock()
	s.metrics.IOErrors.Inc()
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		Running:             s.running.Load(),
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsHandled:  s.connectionsHandled,
		AcceptErrors:        s.acceptErrors,
		EmptyRequests:       s.emptyRequests,
		WidthMismatches:     s.widthMismatches,
		EngineErrors:        s.engineErrors,
		IOErrors:            s.ioErrors,
	}
}

// ServerStatistics represents server performance counters
type ServerStatistics struct {
	Running             bool   `json:"running"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsHandled  uint64 `json:"connections_handled"`
	AcceptErrors        uint64 `json:"accept_errors"`
	EmptyRequests       uint64 `json:"empty_requests"`
	WidthMismatches     uint64 `json:"width_mismatches"`
	EngineErrors        uint64 `json:"engine_errors"`
	IOErrors            uint64 `json:"io_errors"`
}
