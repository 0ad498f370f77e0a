package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"voicekeep/internal/domain"
	"voicekeep/internal/metrics"
	"voicekeep/internal/usecase"
)

const (
	clientSendBuffer = 32
	writeTimeout     = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Controller is the control surface dispatched by the method channel.
type Controller interface {
	Start(ctx context.Context, req usecase.StartRequest) error
	Stop() error
	SetAudioActive(ctx context.Context, active bool) error
	PauseForRealCapture() error
	ResumeAfterRealCapture(ctx context.Context) error
	Status() domain.Status
}

// Host is the application window the engine runs in.
type Host interface {
	// MoveToBackground hides the host window and reports whether it did.
	MoveToBackground() bool
	SetForeground(foreground bool)
}

// Server exposes the controller over a websocket method channel and pushes
// engine events to every connected client. It implements ports.EventSink.
type Server struct {
	controller Controller
	host       Host
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewServer(controller Controller, host Host, logger zerolog.Logger) *Server {
	return &Server{
		controller: controller,
		host:       host,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// SetHost attaches the host once its window exists.
func (s *Server) SetHost(host Host) {
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()
}

// Routes returns the HTTP handler for the bridge.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/v1/channel", s.serveChannel)
	r.Get("/v1/status", s.serveStatus)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe serves the bridge until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	return nil
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.controller.Status()); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write status")
	}
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer), done: make(chan struct{})}
	s.register(c)
	defer s.unregister(c)

	go c.writeLoop(s.logger)
	s.readLoop(r.Context(), c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer c.close()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("method channel read ended")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			c.reply(mustMarshal(Response{Error: &Error{Code: domain.ErrorCodeInvalidArgs, Message: "malformed request"}}))
			continue
		}

		result, err := s.Dispatch(ctx, req.Method, req.Args)
		resp := Response{ID: req.ID, Result: result}
		if err != nil {
			resp.Result = nil
			resp.Error = toWireError(err)
		}
		c.reply(mustMarshal(resp))
	}
}

// Dispatch runs one method call and returns its result.
func (s *Server) Dispatch(ctx context.Context, method string, args json.RawMessage) (result any, err error) {
	defer func() {
		metrics.BridgeRequest(method, toWireError(err).codeOrEmpty())
	}()

	switch method {
	case MethodStartService:
		var in StartServiceArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if in.Mode == nil {
			return nil, invalidArgs("mode is required")
		}
		mode, err := domain.ParseMode(*in.Mode)
		if err != nil {
			return nil, err
		}
		req := usecase.StartRequest{Mode: mode, Title: in.Title, Content: in.Content, RoomParams: in.RoomParams}
		if err := s.controller.Start(ctx, req); err != nil {
			return nil, err
		}
		return true, nil

	case MethodStopService:
		if err := s.controller.Stop(); err != nil {
			return nil, err
		}
		return true, nil

	case MethodSetAudioActive:
		var in SetAudioActiveArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if in.Active == nil {
			return nil, invalidArgs("active is required")
		}
		if err := s.controller.SetAudioActive(ctx, *in.Active); err != nil {
			return nil, err
		}
		return true, nil

	case MethodPauseKeepAlive:
		if err := s.controller.PauseForRealCapture(); err != nil {
			return nil, err
		}
		return true, nil

	case MethodResumeKeepAlive:
		if err := s.controller.ResumeAfterRealCapture(ctx); err != nil {
			return nil, err
		}
		return true, nil

	case MethodMoveAppToBackground:
		host := s.currentHost()
		if host == nil {
			return false, nil
		}
		return host.MoveToBackground(), nil

	case MethodSetAppForeground:
		var in SetAppForegroundArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if in.Foreground == nil {
			return nil, invalidArgs("foreground is required")
		}
		host := s.currentHost()
		if host == nil {
			return nil, &Error{Code: domain.ErrorCodeNotImplemented, Message: "no host window attached"}
		}
		host.SetForeground(*in.Foreground)
		return true, nil

	case MethodGetStatus:
		return s.controller.Status(), nil

	default:
		return nil, &Error{Code: domain.ErrorCodeNotImplemented, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

// StateChanged implements ports.EventSink.
func (s *Server) StateChanged(state domain.ControllerState, reason domain.StateReason) {
	s.broadcast(EventStateChanged, StateChangedData{State: state, Reason: reason})
}

// StrategyFailed implements ports.EventSink.
func (s *Server) StrategyFailed(strategy domain.Strategy, code domain.ErrorCode, detail string) {
	s.broadcast(EventStrategyFailed, StrategyFailedData{Strategy: strategy, Code: code, Detail: detail})
}

// ResourceDegraded implements ports.EventSink.
func (s *Server) ResourceDegraded(resource domain.Resource, detail string) {
	s.broadcast(EventResourceDegraded, ResourceDegradedData{Resource: resource, Detail: detail})
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) broadcast(name string, data any) {
	payload := mustMarshal(Event{Event: name, Data: data})

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(payload) {
			s.logger.Warn().Str("event", name).Msg("dropping event for slow client")
		}
	}
}

func (s *Server) currentHost() Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	metrics.BridgeClientConnected()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		metrics.BridgeClientDisconnected()
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// enqueue queues a message without blocking. It reports false when the
// message was dropped.
func (c *client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// reply queues a response, waiting for room unless the client is gone.
func (c *client) reply(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	}
}

func (c *client) writeLoop(logger zerolog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug().Err(err).Msg("method channel write failed")
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return invalidArgs(fmt.Sprintf("malformed args: %v", err))
	}
	return nil
}

func invalidArgs(message string) *Error {
	return &Error{Code: domain.ErrorCodeInvalidArgs, Message: message}
}

// toWireError maps controller errors onto wire codes. Nil stays nil.
func toWireError(err error) *Error {
	if err == nil {
		return nil
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	return &Error{Code: domain.CodeFor(err), Message: err.Error()}
}

func (e *Error) codeOrEmpty() domain.ErrorCode {
	if e == nil {
		return ""
	}
	return e.Code
}

func mustMarshal(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		payload, _ = json.Marshal(Response{Error: &Error{Code: domain.ErrorCodeServiceError, Message: err.Error()}})
	}
	return payload
}
