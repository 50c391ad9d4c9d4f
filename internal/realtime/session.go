package realtime

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yegors/aura-relay/internal/telemetry"
	"github.com/yegors/aura-relay/pkg/logger"
)

// State is the lifecycle state of a session
type State int

const (
	StateConnecting State = iota
	StateBuffering
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBuffering:
		return "buffering"
	case StateRelaying:
		return "relaying"
	default:
		return "closed"
	}
}

type frame struct {
	messageType int
	data        []byte
}

// Session bridges one client socket to one upstream socket.
// The remaining mutable fields are guarded by mu; socket writes made while
// holding mu keep client-to-upstream order intact across the buffering
// boundary. Close never waits on mu before closing the sockets.
type Session struct {
	ID       string
	Provider Provider
	Source   string

	client   *SafeConn
	upstream atomic.Pointer[SafeConn]
	closed   atomic.Bool

	mu             sync.Mutex
	state          State
	pending        []frame
	candidates     []string
	candidateIndex int
	template       []byte
	model          string

	started      time.Time
	fromClient   atomic.Int64
	fromUpstream atomic.Int64

	recorder telemetry.Recorder
	logger   *logger.Logger
	onClose  func(*Session)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(client *websocket.Conn, up *Upstream, source string, candidates []string, recorder telemetry.Recorder, log *logger.Logger) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		Provider:   up.Provider,
		Source:     source,
		client:     NewSafeConn(client),
		state:      StateConnecting,
		candidates: append([]string(nil), candidates...),
		model:      up.Model,
		started:    time.Now(),
		recorder:   recorder,
		logger: log.With(
			logger.String("session_id", id),
			logger.String("provider", string(up.Provider)),
			logger.String("source", source)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.record(telemetry.SessionStart, nil)
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	if s.closed.Load() {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CandidateIndex returns the index of the model currently in use
func (s *Session) CandidateIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidateIndex
}

// Done is closed once the session has shut down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// run dials upstream and relays until either side goes away.
// It blocks until the upstream reader exits.
func (s *Session) run(dialer *websocket.Dialer, up *Upstream) {
	go s.readClient()

	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateBuffering
	}
	s.mu.Unlock()

	s.logger.Debug("Connecting to realtime upstream", logger.String("url", up.URL))

	conn, resp, err := dialer.DialContext(s.ctx, up.URL, up.Header)
	if err != nil {
		if resp != nil {
			s.logger.Error("Upstream handshake failed with HTTP response",
				logger.Int("status_code", resp.StatusCode),
				logger.String("status", resp.Status))
			if resp.Body != nil {
				if body, readErr := io.ReadAll(resp.Body); readErr == nil && len(body) > 0 {
					s.logger.Error("Upstream handshake error response body",
						logger.String("response_body", string(body)))
				}
			}
		} else if s.ctx.Err() == nil {
			s.logger.Error("Failed to connect to realtime upstream", logger.Error(err))
		}
		s.Close(websocket.CloseInternalServerErr, "Upstream connection error")
		return
	}

	if !s.open(conn) {
		conn.Close()
		return
	}
	s.readUpstream()
}

// open installs the upstream connection and flushes buffered client frames
// in arrival order. Returns false if the session closed during the dial.
func (s *Session) open(conn *websocket.Conn) bool {
	up := NewSafeConn(conn)
	s.upstream.Store(up)
	if s.closed.Load() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	if n := len(s.pending); n > 0 {
		s.logger.Debug("Flushing buffered client messages", logger.Int("count", n))
	}
	for _, f := range s.pending {
		if err := up.WriteMessage(f.messageType, f.data); err != nil {
			s.logger.Warn("Failed to flush buffered message", logger.Error(err))
			break
		}
	}
	s.pending = nil
	s.state = StateRelaying

	if s.Provider == ProviderAzure {
		s.notify(newNotice(s.Provider, s.model, ReasonDeployment, nil))
	}

	s.logger.Info("Connected to realtime upstream", logger.String("model", s.model))
	return true
}

func (s *Session) readClient() {
	for {
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Warn("Client connection error", logger.Error(err))
			}
			s.Close(websocket.CloseNormalClosure, "Client disconnected")
			return
		}
		s.fromClient.Add(1)
		s.handleClient(messageType, data)
	}
}

// handleClient forwards or queues one client frame, rewriting OpenAI
// session updates to the current candidate model.
func (s *Session) handleClient(messageType int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || s.state == StateClosed {
		return
	}

	out := data
	if messageType == websocket.TextMessage && s.Provider == ProviderOpenAI && len(s.candidates) > 0 {
		if env, ok := parseEnvelope(data); ok && env.Type == typeSessionUpdate {
			s.template = data
			model := s.candidates[s.candidateIndex]
			if rewritten, err := withModel(data, model); err == nil {
				out = rewritten
				s.model = model
				s.logger.Info("Overriding transcription model", logger.String("model", model))
				s.notify(newNotice(s.Provider, model, ReasonOverride, nil))
			} else {
				s.logger.Warn("Forwarding session update unmodified", logger.Error(err))
			}
		}
	}

	if s.state != StateRelaying {
		s.pending = append(s.pending, frame{messageType: messageType, data: out})
		return
	}
	if err := s.upstream.Load().WriteMessage(messageType, out); err != nil {
		s.logger.Warn("Failed to forward client message", logger.Error(err))
	}
}

func (s *Session) readUpstream() {
	for {
		messageType, data, err := s.upstream.Load().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Upstream connection closed unexpectedly", logger.Error(err))
			}
			code, reason := closeFrom(err, "Upstream connection error")
			s.Close(code, reason)
			return
		}
		s.fromUpstream.Add(1)
		s.handleUpstream(messageType, data)
	}
}

// handleUpstream forwards one upstream frame verbatim and then runs the
// telemetry and model fallback inspections.
func (s *Session) handleUpstream(messageType int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || s.state == StateClosed {
		return
	}
	if err := s.client.WriteMessage(messageType, data); err != nil {
		s.logger.Warn("Failed to forward upstream message", logger.Error(err))
	}

	if messageType != websocket.TextMessage {
		return
	}
	env, ok := parseEnvelope(data)
	if !ok {
		return
	}
	s.observe(env, data)

	if s.Provider == ProviderOpenAI && isModelRejection(env) {
		s.fallback()
	}
}

// fallback advances to the next candidate and resends the session update.
// Caller holds mu.
func (s *Session) fallback() {
	if s.template == nil {
		s.logger.Warn("Model rejected before any session update was seen")
		return
	}
	if s.candidateIndex >= len(s.candidates)-1 {
		s.logger.Warn("Model rejected and no fallback candidates remain",
			logger.String("model", s.candidates[s.candidateIndex]))
		return
	}

	rejected := s.candidates[s.candidateIndex]
	s.candidateIndex++
	model := s.candidates[s.candidateIndex]

	update, err := withModel(s.template, model)
	if err != nil {
		s.logger.Error("Failed to rebuild session update", logger.Error(err))
		return
	}
	if err := s.upstream.Load().WriteMessage(websocket.TextMessage, update); err != nil {
		s.logger.Warn("Failed to send fallback session update", logger.Error(err))
		return
	}
	s.model = model

	s.logger.Warn("Transcription model rejected, falling back",
		logger.String("rejected", rejected),
		logger.String("model", model))
	s.notify(newNotice(s.Provider, model, ReasonFallback, s.candidates))
	s.record(telemetry.ModelFallback, map[string]any{"rejected": rejected, "candidate_index": s.candidateIndex})
}

// observe emits telemetry for the inspected event types. Caller holds mu.
func (s *Session) observe(env envelope, data []byte) {
	switch {
	case isTranscriptionFailure(data):
		attrs := map[string]any{"item_id": env.ItemID, "type": env.Type}
		if env.Error != nil {
			attrs["error"] = env.Error.Message
		}
		s.record(telemetry.TranscriptionFailed, attrs)
	case env.Type == typeTranscriptionDelta:
		s.record(telemetry.TranscriptionDelta, map[string]any{"item_id": env.ItemID, "delta_length": len(env.Delta)})
	case env.Type == typeTranscriptionCompleted:
		s.record(telemetry.TranscriptionCompleted, map[string]any{"item_id": env.ItemID, "transcript_length": len(env.Transcript)})
	case env.Type == typeBufferCommitted:
		s.record(telemetry.BufferCommitted, map[string]any{"item_id": env.ItemID, "previous_item_id": env.PreviousItemID})
	}
}

// notify writes a relay notice to the client. Caller holds mu.
func (s *Session) notify(n ModelNotice) {
	if err := s.client.WriteJSON(n); err != nil {
		s.logger.Warn("Failed to send model notice", logger.Error(err))
	}
}

// record emits one telemetry event. Caller holds mu or owns s exclusively.
func (s *Session) record(name string, attrs map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(telemetry.Event{
		Name:       name,
		SessionID:  s.ID,
		Provider:   string(s.Provider),
		Model:      s.model,
		Source:     s.Source,
		Time:       time.Now(),
		Attributes: attrs,
	})
}

// Close shuts both sockets with the given code and reason. Safe to call
// more than once and from any goroutine. The sockets are closed before mu
// is taken so a writer stuck on a peer that stopped reading unwinds.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.client.CloseWith(code, reason)
		if up := s.upstream.Load(); up != nil {
			up.CloseWith(code, reason)
		}

		elapsed := time.Since(s.started)
		s.mu.Lock()
		s.state = StateClosed
		s.pending = nil
		s.record(telemetry.SessionEnd, map[string]any{
			"code":              code,
			"reason":            reason,
			"duration_ms":       elapsed.Milliseconds(),
			"client_messages":   s.fromClient.Load(),
			"upstream_messages": s.fromUpstream.Load(),
		})
		s.mu.Unlock()

		s.logger.Info("Realtime session closed",
			logger.Int("code", code),
			logger.String("reason", reason),
			logger.Duration("duration", elapsed),
			logger.Int64("client_messages", s.fromClient.Load()),
			logger.Int64("upstream_messages", s.fromUpstream.Load()))

		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.done)
	})
}
