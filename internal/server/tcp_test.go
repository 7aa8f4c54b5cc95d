package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deadmouser/MintelliFunds/internal/config"
	"github.com/deadmouser/MintelliFunds/internal/metrics"
	"github.com/deadmouser/MintelliFunds/internal/protocol"
)

// Shared across tests: promauto metrics register against the default
// registry and can only be created once per process.
var testMetrics = metrics.NewMetrics()

// stubEngine is a controllable Engine implementation for server tests
type stubEngine struct {
	inputSize int
	err       error
	delay     time.Duration
	started   chan struct{} // closed once, on first Evaluate entry
	echo      bool          // return the input vector as the "echo" output

	mu     sync.Mutex
	calls  int
	result *protocol.Result
}

func (s *stubEngine) InputSize() int {
	return s.inputSize
}

func (s *stubEngine) Evaluate(features []float64) (*protocol.Result, error) {
	s.mu.Lock()
	s.calls++
	if s.calls == 1 && s.started != nil {
		close(s.started)
	}
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if s.err != nil {
		return nil, s.err
	}

	if s.echo {
		result := protocol.NewResult()
		result.Add("echo", append([]float64(nil), features...))
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

func (s *stubEngine) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// startTestServer starts a server on an ephemeral port and registers cleanup
func startTestServer(t *testing.T, eng Engine) *TCPServer {
	t.Helper()

	cfg := &config.ServerConfig{
		TCPPort:        0,
		BindAddress:    "127.0.0.1",
		ReadBufferSize: 4096,
		AcceptTimeout:  1,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewTCPServer(cfg, logger, eng, testMetrics)

	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv
}

// roundTrip sends one request payload and returns the full raw response
func roundTrip(t *testing.T, addr net.Addr, payload string) string {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	response, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	return string(response)
}

// responseBody extracts the body from an HTTP-framed response
func responseBody(t *testing.T, response string) string {
	t.Helper()

	idx := strings.Index(response, "\r\n\r\n")
	if idx < 0 {
		t.Fatalf("Response has no header/body separator: %q", response)
	}
	return response[idx+4:]
}

func TestHandleValidRequest(t *testing.T) {
	result := protocol.NewResult()
	result.Add("score", []float64{0.42})
	eng := &stubEngine{inputSize: 3, result: result}

	srv := startTestServer(t, eng)

	response := roundTrip(t, srv.Addr(), `{"features": [1.0,2.0,3.0]}`)

	if !strings.HasPrefix(response, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("Expected 200 status line, got %q", response)
	}
	if !strings.Contains(response, "Content-Type: application/json\r\n") {
		t.Error("Missing Content-Type header")
	}
	if !strings.Contains(response, "Access-Control-Allow-Origin: *\r\n") {
		t.Error("Missing CORS header")
	}

	body := responseBody(t, response)
	if body != `{"score":[0.420000]}` {
		t.Errorf("Expected body {\"score\":[0.420000]}, got %q", body)
	}

	if eng.callCount() != 1 {
		t.Errorf("Expected exactly one evaluation, got %d", eng.callCount())
	}
}

func TestWidthMismatch(t *testing.T) {
	eng := &stubEngine{inputSize: 3}
	srv := startTestServer(t, eng)

	response := roundTrip(t, srv.Addr(), `{"features": [1.0,2.0]}`)

	if !strings.HasPrefix(response, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Errorf("Expected 500 status line, got %q", response)
	}

	body := responseBody(t, response)
	expected := `{"error": "Input size mismatch. Expected 3 but got 2"}`
	if body != expected {
		t.Errorf("Expected body %q, got %q", expected, body)
	}

	if eng.callCount() != 0 {
		t.Errorf("Engine must not be invoked on width mismatch, got %d calls", eng.callCount())
	}
}

func TestEmptyPayloadRejectedAsWidthMismatch(t *testing.T) {
	eng := &stubEngine{inputSize: 3}
	srv := startTestServer(t, eng)

	response := roundTrip(t, srv.Addr(), `{}`)

	body := responseBody(t, response)
	expected := `{"error": "Input size mismatch. Expected 3 but got 0"}`
	if body != expected {
		t.Errorf("Expected body %q, got %q", expected, body)
	}

	if eng.callCount() != 0 {
		t.Errorf("Engine must not be invoked for empty payload, got %d calls", eng.callCount())
	}
}

func TestHTTPFramedRequest(t *testing.T) {
	eng := &stubEngine{inputSize: 3, echo: true}
	srv := startTestServer(t, eng)

	body := `{"features": [1.5, 2.5, 3.5]}`
	request := "POST /predict HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"\r\n" +
		body

	response := roundTrip(t, srv.Addr(), request)

	got := responseBody(t, response)
	expected := `{"echo":[1.500000,2.500000,3.500000]}`
	if got != expected {
		t.Errorf("Expected body %q, got %q", expected, got)
	}
}

func TestBarePayloadRequest(t *testing.T) {
	eng := &stubEngine{inputSize: 2, echo: true}
	srv := startTestServer(t, eng)

	response := roundTrip(t, srv.Addr(), `[4.0, 5.0]`)

	got := responseBody(t, response)
	expected := `{"echo":[4.000000,5.000000]}`
	if got != expected {
		t.Errorf("Expected body %q, got %q", expected, got)
	}
}

func TestEngineErrorResponse(t *testing.T) {
	eng := &stubEngine{inputSize: 1, err: errors.New("Model not loaded")}
	srv := startTestServer(t, eng)

	response := roundTrip(t, srv.Addr(), `{"features": [1.0]}`)

	if !strings.HasPrefix(response, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Errorf("Expected 500 status line, got %q", response)
	}

	body := responseBody(t, response)
	expected := `{"error": "Model not loaded"}`
	if body != expected {
		t.Errorf("Expected body %q, got %q", expected, body)
	}
}

func TestConcurrentConnections(t *testing.T) {
	eng := &stubEngine{inputSize: 3, echo: true, delay: 10 * time.Millisecond}
	srv := startTestServer(t, eng)

	const clients = 8

	var wg sync.WaitGroup
	failures := make(chan string, clients)

	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()

			base := float64(c * 10)
			payload := fmt.Sprintf(`{"features": [%g, %g, %g]}`, base, base+1, base+2)
			expected := fmt.Sprintf(`{"echo":[%.6f,%.6f,%.6f]}`, base, base+1, base+2)

			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				failures <- fmt.Sprintf("client %d: dial failed: %v", c, err)
				return
			}
			defer conn.Close()

			if _, err := conn.Write([]byte(payload)); err != nil {
				failures <- fmt.Sprintf("client %d: write failed: %v", c, err)
				return
			}

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			response, err := io.ReadAll(conn)
			if err != nil {
				failures <- fmt.Sprintf("client %d: read failed: %v", c, err)
				return
			}

			idx := strings.Index(string(response), "\r\n\r\n")
			if idx < 0 {
				failures <- fmt.Sprintf("client %d: malformed response %q", c, response)
				return
			}
			if body := string(response[idx+4:]); body != expected {
				failures <- fmt.Sprintf("client %d: expected %q, got %q", c, expected, body)
			}
		}(c)
	}

	wg.Wait()
	close(failures)

	for msg := range failures {
		t.Error(msg)
	}

	if eng.callCount() != clients {
		t.Errorf("Expected %d evaluations, got %d", clients, eng.callCount())
	}
}

func TestStopAllowsInFlightToComplete(t *testing.T) {
	eng := &stubEngine{
		inputSize: 1,
		echo:      true,
		delay:     300 * time.Millisecond,
		started:   make(chan struct{}),
	}
	srv := startTestServer(t, eng)
	addr := srv.Addr()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"features": [7.0]}`)); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	// Stop mid-evaluation
	select {
	case <-eng.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Evaluation never started")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The in-flight connection still gets its response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	response, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Failed to read response after stop: %v", err)
	}
	if !strings.Contains(string(response), `{"echo":[7.000000]}`) {
		t.Errorf("Expected in-flight response, got %q", response)
	}

	// No further connections are accepted
	late, err := net.Dial("tcp", addr.String())
	if err == nil {
		late.Close()
		t.Error("Expected dial to fail after Stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	eng := &stubEngine{inputSize: 1}
	srv := startTestServer(t, eng)

	if err := srv.Stop(); err != nil {
		t.Fatalf("First Stop failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}

func TestAcceptLoopSurvivesAbandonedConnections(t *testing.T) {
	result := protocol.NewResult()
	result.Add("score", []float64{1.0})
	eng := &stubEngine{inputSize: 1, result: result}
	srv := startTestServer(t, eng)

	// Connect and close without sending anything
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("Failed to dial server: %v", err)
		}
		conn.Close()
	}

	// Server still serves real requests
	response := roundTrip(t, srv.Addr(), `{"features": [9.0]}`)
	body := responseBody(t, response)
	if body != `{"score":[1.000000]}` {
		t.Errorf("Expected valid response after abandoned connections, got %q", body)
	}
}

func TestBindFailure(t *testing.T) {
	eng := &stubEngine{inputSize: 1}
	srv := startTestServer(t, eng)

	tcpAddr, ok := srv.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("Unexpected address type %T", srv.Addr())
	}

	cfg := &config.ServerConfig{
		TCPPort:        tcpAddr.Port, // already bound
		BindAddress:    "127.0.0.1",
		ReadBufferSize: 4096,
		AcceptTimeout:  1,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	other := NewTCPServer(cfg, logger, eng, testMetrics)
	if err := other.Start(); err == nil {
		other.Stop()
		t.Fatal("Expected bind error starting on an occupied port")
	} else if !strings.Contains(err.Error(), "failed to listen") {
		t.Errorf("Unexpected error message: %v", err)
	}
}
