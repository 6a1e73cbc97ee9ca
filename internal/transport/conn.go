package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/CellMechLab/barytech/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// sendBuffer bounds the per-connection outbox. A full outbox means the
	// client is too slow for the broadcast rate; frames for it are dropped
	// upstream rather than stalling the device worker.
	sendBuffer = 256
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Conn is one WebSocket client connection. Broadcast workers hand frames to
// Send; the write pump owns the socket and is the only writer.
type Conn struct {
	clientID string
	netConn  net.Conn
	send     chan []byte
	logger   zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(clientID string, netConn net.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		clientID: clientID,
		netConn:  netConn,
		send:     make(chan []byte, sendBuffer),
		logger:   logger,
	}
}

// ClientID returns the client identity this connection registered under.
func (c *Conn) ClientID() string { return c.clientID }

// Send queues one binary frame without blocking. Safe to call from any
// goroutine; returns an error when the connection is closed or the outbox is
// full.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// close tears the socket down exactly once. The write pump and the read loop
// both call it; whichever exits first wins.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.netConn.Close()
	})
}

// writePump drains the outbox onto the socket, batching queued frames behind
// one flush to cut syscalls, and keeps the connection alive with pings.
func (c *Conn) writePump() {
	writer := bufio.NewWriter(c.netConn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.netConn, ws.OpClose, []byte{})
				return
			}

			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpBinary, frame); err != nil {
				c.logger.Debug().Err(err).Str("client_id", c.clientID).Msg("Write failed")
				return
			}
			monitoring.WSBytesSent.Add(float64(len(frame)))

			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpBinary, frame); err != nil {
					c.logger.Debug().Err(err).Str("client_id", c.clientID).Msg("Write failed")
					return
				}
				monitoring.WSBytesSent.Add(float64(len(frame)))
			}

			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Str("client_id", c.clientID).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Str("client_id", c.clientID).Msg("Ping failed")
				return
			}
		}
	}
}
