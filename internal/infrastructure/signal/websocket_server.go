package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	apperrors "peercall/pkg/errors"
	plog "peercall/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// MessagesPerSecond limits inbound frames per connection. Zero disables it.
	MessagesPerSecond float64
	Burst             int
	// AllowedOrigins lists accepted Origin hosts. Empty or "*" accepts any origin.
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:    25 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 64 * 1024,
	}
}

// WebSocketServer terminates client sockets, decodes frames and feeds them to
// the event handler one connection at a time.
type WebSocketServer struct {
	hub      *Hub
	handler  ports.EventHandler
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	wg sync.WaitGroup
}

func NewWebSocketServer(hub *Hub, handler ports.EventHandler, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		hub:     hub,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, u.Host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := s.hub.Open(r.RemoteAddr)
	if err != nil {
		s.logger.Warnw("rejecting websocket", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Close(c.Addr())
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(conn, c)
}

// Wait blocks until every served connection has finished its cleanup.
func (s *WebSocketServer) Wait() {
	s.wg.Wait()
}

func (s *WebSocketServer) serve(conn *websocket.Conn, c *Connection) {
	addr := c.Addr()
	ctx := plog.WithAddress(context.Background(), string(addr))
	log := s.logger.With("address", addr, "remote", c.remote)

	defer func() {
		s.hub.Close(addr)
		if err := s.handler.Handle(ctx, addr, domain.DisconnectEvent{}); err != nil {
			log.Warnw("disconnect cleanup failed", "error", err)
		}
		conn.Close()
		log.Infow("client disconnected", "duration", time.Since(c.connectedAt))
	}()

	log.Infow("client connected")

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.Burst, 1))
	}

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-frames:
			if limiter != nil && !limiter.Allow() {
				s.reject(ctx, c, apperrors.NewRateLimitError())
				continue
			}
			s.dispatch(ctx, c, data)

		case frame, ok := <-c.Outbound():
			if !ok {
				// hub dropped us, usually on shutdown
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Infow("write failed", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Infow("ping failed", "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("read failed", "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *Connection, data []byte) {
	ev, err := DecodeEvent(data)
	if err == nil {
		err = s.handler.Handle(ctx, c.Addr(), ev)
	}
	if err != nil {
		s.reject(ctx, c, err)
	}
}

// reject reports err back to the sender when it is user-visible and only logs it otherwise.
func (s *WebSocketServer) reject(ctx context.Context, c *Connection, err error) {
	appErr := apperrors.FromDomain(err)
	if !appErr.Surfaced() {
		s.logger.Debugw("event ignored", "address", c.Addr(), "error", err)
		return
	}

	s.logger.Infow("event rejected", "address", c.Addr(), "code", appErr.Code, "error", err)
	frame, encErr := EncodeMessage(domain.ErrorNotice{Code: string(appErr.Code), Message: appErr.Message})
	if encErr != nil {
		return
	}
	if sendErr := c.TrySend(frame); sendErr != nil && !errors.Is(sendErr, ErrConnectionClosed) {
		s.logger.Debugw("error notice dropped", "address", c.Addr(), "error", sendErr)
	}
}
