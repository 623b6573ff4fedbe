package socket

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/monitoring"
	"github.com/driftchat/drift/internal/protocol"
)

const (
	// Time allowed for a single socket write.
	writeWait = 2 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize bounds pending outbound frames per socket. When full,
	// droppable events are discarded first; a critical frame that still
	// cannot be queued force-disconnects the socket.
	sendBufferSize = 64
)

// droppableEvents are discarded first under backpressure. Chat and
// signaling are always retained.
var droppableEvents = map[string]bool{
	protocol.EvtQueuePosition: true,
	protocol.EvtUserCount:     true,
	protocol.EvtChatTyping:    true,
	protocol.EvtChatStop:      true,
}

// Client is one WebSocket connection owned by this instance. A user may
// hold several concurrent clients (multi-tab).
type Client struct {
	ID          string
	UserID      string
	Username    string
	ConnectedAt time.Time

	conn      net.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
	logger    zerolog.Logger
}

// NewClient wraps an upgraded connection. The write pump is not started
// until Run is called.
func NewClient(id, userID, username string, conn net.Conn, logger zerolog.Logger) *Client {
	return &Client{
		ID:          id,
		UserID:      userID,
		Username:    username,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		logger:      logger.With().Str("socket_id", id).Str("user_id", userID).Logger(),
	}
}

// Conn exposes the underlying connection for the read pump.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Done is closed once the client is shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues an event frame for delivery. Events delivered to the same
// socket preserve submission order (single write path per socket).
//
// Backpressure: on a full buffer, droppable events are discarded with a
// metric; a critical event that cannot be queued closes the socket, since a
// client that cannot drain chat or signaling is unusable to its partner.
func (c *Client) Send(event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("Failed to encode frame")
		monitoring.RecordError("socket")
		return
	}

	select {
	case c.send <- data:
	default:
		monitoring.DroppedFrames.WithLabelValues(event).Inc()
		if droppableEvents[event] {
			c.logger.Debug().Str("event", event).Msg("Dropped frame on full buffer")
			return
		}
		c.logger.Warn().Str("event", event).Msg("Send buffer overflow on critical event, disconnecting")
		monitoring.DisconnectsTotal.WithLabelValues("backpressure").Inc()
		c.Close()
	}
}

// SendError reports a typed failure to this socket only.
func (c *Client) SendError(event string, perr *protocol.Error) {
	c.Send(event, perr)
}

// Close tears the connection down once. Safe from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WritePump drains the send buffer onto the wire, batching queued frames
// through one flush to reduce syscalls, and pings on a timer. Runs until
// the client closes. Must be the only writer to the connection.
func (c *Client) WritePump() {
	defer monitoring.RecoverPanic(c.logger, "writePump", map[string]any{"socket_id": c.ID})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write message")
				return
			}

			// Batch whatever else is already queued into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					c.logger.Debug().Err(err).Msg("Failed to write message")
					return
				}
			}

			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}
		}
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	env := protocol.Envelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
