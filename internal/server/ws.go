package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/config"
	"github.com/agent-bletchley/bletchley/internal/broadcast"
	"github.com/agent-bletchley/bletchley/internal/research"
)

var (
	errSubscriberClosed = errors.New("subscriber closed")
	errQueueFull        = errors.New("subscriber queue full")
)

// wsSubscriber adapts a WebSocket connection to broadcast.Subscriber. Send
// only enqueues; writeLoop owns all writes to the connection.
type wsSubscriber struct {
	conn    *websocket.Conn
	send    chan research.Event
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
}

func newWSSubscriber(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *wsSubscriber {
	return &wsSubscriber{
		conn:    conn,
		send:    make(chan research.Event, buffer),
		done:    make(chan struct{}),
		timeout: writeTimeout,
	}
}

func (s *wsSubscriber) Send(ev research.Event) error {
	select {
	case <-s.done:
		return errSubscriberClosed
	default:
	}
	select {
	case s.send <- ev:
		return nil
	case <-s.done:
		return errSubscriberClosed
	default:
		return errQueueFull
	}
}

func (s *wsSubscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsSubscriber) writeLoop(ping time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer s.close()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.timeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

type WSHandler struct {
	manager  *broadcast.Manager
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(m *broadcast.Manager, cfg config.ServerConfig, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.Normalize()
	return &WSHandler{
		manager: m,
		cfg:     cfg.WebSocket,
		logger:  logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.FrontendURL),
		},
	}
}

// originChecker admits the configured frontend, same-origin requests and
// non-browser clients.
func originChecker(frontend string) func(r *http.Request) bool {
	frontend = strings.TrimRight(strings.TrimSpace(frontend), "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || frontend == "" || frontend == "*" {
			return true
		}
		if strings.EqualFold(strings.TrimRight(origin, "/"), frontend) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

// Serve upgrades the request and streams the job's events until the client
// goes away. Events missed before connecting are not replayed.
func (h *WSHandler) Serve(c echo.Context) error {
	jobID := c.Param("job_id")
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered the request
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	sub := newWSSubscriber(conn, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	logger := h.logger.With(zap.String("job_id", jobID))

	h.manager.Subscribe(sub, jobID)
	defer func() {
		h.manager.Unsubscribe(sub, jobID)
		sub.close()
		logger.Debug("websocket disconnected")
	}()
	go sub.writeLoop(h.cfg.PingInterval, logger)
	logger.Debug("websocket connected")

	_ = sub.Send(research.Event{
		Type:  research.EventConnected,
		JobID: jobID,
		Data:  research.ConnectedData{Message: "Connected to research job " + jobID},
	})

	pongWait := 2 * h.cfg.PingInterval
	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", zap.Error(err))
			}
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if sendErr := sub.Send(research.Event{
				Type:  research.EventError,
				JobID: jobID,
				Data:  research.InputErrorData{Error: "Invalid JSON format"},
			}); sendErr != nil {
				return nil
			}
			continue
		}
		switch msg.Type {
		case "ping":
			if err := sub.Send(research.Event{Type: research.EventPong, JobID: jobID, Data: struct{}{}}); err != nil {
				return nil
			}
		default:
			logger.Debug("ignoring client message", zap.String("type", msg.Type))
		}
	}
}
