package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/browser"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

const dialTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionLookup finds a live session by id
type SessionLookup interface {
	Get(id string) (browser.Session, bool)
}

// Server relays a debugging client to the CDP endpoint of a kept-open session
type Server struct {
	sessions SessionLookup
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

func NewServer(sessions SessionLookup, logger *zap.Logger) *Server {
	return &Server{
		sessions: sessions,
		dialer:   websocket.DefaultDialer,
		logger:   logger.Named("proxy"),
	}
}

func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	log := s.logger.With(zap.String("session_id", sessionID))

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if sess.Info().Status != models.SessionRunning {
		http.Error(w, "Session is not running", http.StatusConflict)
		return
	}
	target := sess.DebugURL()
	if target == "" {
		http.Error(w, "Session has no debug endpoint", http.StatusConflict)
		return
	}

	// Reach the browser before upgrading so a dead endpoint is still a plain HTTP error.
	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()

	if !sess.Healthy(ctx) {
		log.Warn("Kept-open browser is not healthy.", zap.String("target", target))
		http.Error(w, "Session browser is not healthy", http.StatusBadGateway)
		return
	}

	chromeConn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		log.Warn("Failed to connect to browser.", zap.String("target", target), zap.Error(err))
		http.Error(w, "Failed to connect to browser", http.StatusBadGateway)
		return
	}
	defer chromeConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Failed to upgrade connection.", zap.Error(err))
		return
	}
	defer clientConn.Close()

	log.Info("Debug client connected.")

	errChan := make(chan error, 2)
	go func() {
		errChan <- s.proxyMessages(clientConn, chromeConn, "client->browser")
	}()
	go func() {
		errChan <- s.proxyMessages(chromeConn, clientConn, "browser->client")
	}()

	// Either side closing ends the relay; the deferred closes unblock the other reader.
	err = <-errChan
	if err != nil && !isNormalClose(err) {
		log.Debug("Debug relay ended with error.", zap.Error(err))
	}
	log.Info("Debug client disconnected.")
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			s.logger.Debug("Failed to relay message.", zap.String("direction", direction), zap.Error(err))
			return err
		}
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
