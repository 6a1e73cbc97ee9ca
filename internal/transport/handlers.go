package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/CellMechLab/barytech/internal/routing"
)

const (
	handshakeWait = 5 * time.Second
	sessionWait   = 5 * time.Second

	// Inbound control messages are low frequency; the limiter exists so a
	// misbehaving client cannot spin the read loop.
	inboundRateLimit = 20 // messages per second
	inboundBurst     = 40
)

// handshake is the first message a client sends after the upgrade.
type handshake struct {
	ClientID string `json:"client_id"`
}

// controlMessage is any subsequent inbound message.
type controlMessage struct {
	Type string `json:"type"`
	Save bool   `json:"save"`
}

// handleWS upgrades the connection, reads the client identity handshake, and
// runs the connection until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	clientID := s.readHandshake(netConn)
	conn := newConn(clientID, netConn, s.logger)
	websocketID := fmt.Sprintf("ws-%d", atomic.AddInt64(&s.connSeq, 1))

	s.logger.Info().
		Str("client_id", clientID).
		Str("websocket_id", websocketID).
		Str("remote", r.RemoteAddr).
		Msg("Client connected")

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(r.Context(), sessionWait)
		if err := s.sessions.SaveClientSession(ctx, clientID, websocketID); err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Failed to record client session")
		}
		cancel()
	}

	s.registry.Register(clientID, conn)

	go conn.writePump()
	s.readLoop(conn)

	// Teardown. Unregister first so broadcasters stop picking the
	// connection up, then close the socket.
	s.registry.Unregister(clientID, conn)
	conn.close()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionWait)
		if err := s.sessions.MarkClientDisconnected(ctx, clientID); err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Failed to mark client disconnected")
		}
		cancel()
	}

	s.logger.Info().Str("client_id", clientID).Msg("Client disconnected")
}

// readHandshake extracts the client identity from the first inbound message.
// Missing, malformed, or late handshakes fall back to the default identity
// instead of rejecting the connection.
func (s *Server) readHandshake(netConn net.Conn) string {
	netConn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer netConn.SetReadDeadline(time.Time{})

	data, err := wsutil.ReadClientText(netConn)
	if err != nil {
		s.logger.Debug().Err(err).Msg("No handshake received, using default client id")
		return routing.DefaultClientID
	}

	var hs handshake
	if err := json.Unmarshal(data, &hs); err != nil || hs.ClientID == "" {
		s.logger.Debug().Msg("Handshake without client_id, using default")
		return routing.DefaultClientID
	}
	return hs.ClientID
}

// readLoop consumes inbound control messages until the connection drops.
func (s *Server) readLoop(conn *Conn) {
	limiter := rate.NewLimiter(rate.Limit(inboundRateLimit), inboundBurst)

	for {
		data, op, err := wsutil.ReadClientData(conn.netConn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		if !limiter.Allow() {
			s.logger.Warn().
				Str("client_id", conn.clientID).
				Msg("Inbound rate limit exceeded, dropping message")
			continue
		}
		s.handleControl(conn, data)
	}
}

// handleControl dispatches one inbound control message.
func (s *Server) handleControl(conn *Conn, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().
			Err(err).
			Str("client_id", conn.clientID).
			Msg("Malformed control message")
		return
	}

	switch msg.Type {
	case "slider":
		// Parameter updates are relayed to devices verbatim.
		if s.publisher == nil {
			return
		}
		if err := s.publisher.Publish(s.controlTopic, data); err != nil {
			s.logger.Error().
				Err(err).
				Str("client_id", conn.clientID).
				Msg("Failed to publish parameter update")
			return
		}
		s.logger.Debug().
			Str("client_id", conn.clientID).
			Int("bytes", len(data)).
			Msg("Parameter update published")

	case "save":
		s.saver.SetSave(msg.Save)

	default:
		s.logger.Warn().
			Str("client_id", conn.clientID).
			Str("type", msg.Type).
			Msg("Unknown control message type")
	}
}
