package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/fedhive/engine/coordinator"
	"github.com/fedhive/engine/data"
)

// IngestResponse reports the outcome of one ingest frame.
type IngestResponse struct {
	Success  bool   `json:"success"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Error    string `json:"error,omitempty"`
}

// IngestServer accepts TCP connections carrying length-prefixed Arrow IPC
// frames of model updates and feeds them into the coordinator. When auth is
// enabled the first frame of each connection must be a JSON AuthRequest.
type IngestServer struct {
	coord   *coordinator.Coordinator
	codec   *data.Codec
	auth    *Authenticator
	metrics *Metrics

	listener net.Listener
	addr     string

	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewIngestServer creates an ingest server. metrics may be nil.
func NewIngestServer(coord *coordinator.Coordinator, auth *Authenticator, metrics *Metrics, addr string) *IngestServer {
	return &IngestServer{
		coord:   coord,
		codec:   data.NewCodec(),
		auth:    auth,
		metrics: metrics,
		addr:    addr,
		quit:    make(chan struct{}),
	}
}

// Start begins listening and serving connections (blocking).
func (s *IngestServer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("ingest server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	log.Printf("api: ingest server listening on %s (auth=%v)", listener.Addr(), s.auth.IsEnabled())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				log.Printf("api: accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// StartAsync begins listening and returns once the listener is bound.
func (s *IngestServer) StartAsync() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("ingest server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.quit:
					return
				default:
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *IngestServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// Addr returns the bound listener address, or the configured address before
// Start.
func (s *IngestServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *IngestServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if s.auth.IsEnabled() {
		if err := s.handshake(conn); err != nil {
			log.Printf("api: auth failed from %s: %v", conn.RemoteAddr(), err)
			return
		}
	}

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			// io.EOF is the normal end of a session.
			return
		}

		resp := s.processFrame(frame)
		raw, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := WriteFrame(conn, raw); err != nil {
			return
		}
	}
}

// handshake reads the auth frame and answers it. The connection is only
// usable after a successful response.
func (s *IngestServer) handshake(conn net.Conn) error {
	frame, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("failed to read auth frame: %w", err)
	}

	var req AuthRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		s.reply(conn, AuthResponse{Success: false, Error: "malformed auth request"})
		return fmt.Errorf("malformed auth request: %w", err)
	}
	if req.Type != "auth" {
		s.reply(conn, AuthResponse{Success: false, Error: "expected auth request"})
		return ErrAuthRequired
	}
	if err := s.auth.ValidateToken(req.Token); err != nil {
		s.reply(conn, AuthResponse{Success: false, Error: err.Error()})
		return err
	}

	s.reply(conn, AuthResponse{Success: true})
	return nil
}

func (s *IngestServer) reply(conn net.Conn, resp AuthResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = WriteFrame(conn, raw)
}

// processFrame decodes one Arrow IPC batch and submits each update.
func (s *IngestServer) processFrame(frame []byte) IngestResponse {
	updates, err := s.codec.DecodeUpdates(frame)
	if err != nil {
		s.recordIngest("decode_error", 0)
		return IngestResponse{Success: false, Error: fmt.Sprintf("failed to decode updates: %v", err)}
	}
	if len(updates) == 0 {
		s.recordIngest("empty", 0)
		return IngestResponse{Success: false, Error: "empty update batch"}
	}

	accepted, rejected := 0, 0
	for _, update := range updates {
		if s.coord.SubmitUpdate(update) {
			accepted++
		} else {
			rejected++
		}
	}

	status := "ok"
	if accepted == 0 {
		status = "rejected"
	}
	s.recordIngest(status, len(updates))

	return IngestResponse{Success: accepted > 0, Accepted: accepted, Rejected: rejected}
}

func (s *IngestServer) recordIngest(status string, batchSize int) {
	if s.metrics != nil {
		s.metrics.RecordIngest(status, batchSize)
	}
}
