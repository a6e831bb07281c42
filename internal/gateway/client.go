package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/wire"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second
	// pingPeriod is how often the gateway pings an authenticated connection.
	pingPeriod = 30 * time.Second
	// pongWait is how long the gateway tolerates a missing pong before it
	// terminates the connection (§4.B liveness: 30s ping / 10s tolerance).
	pongWait = pingPeriod + 10*time.Second
	// handshakeTimeout bounds the first frame (§4.B step 2).
	handshakeTimeout = 5 * time.Second
	// sendBufferSize bounds the per-connection outbound queue so one slow
	// agent cannot block the dispatching goroutine.
	sendBufferSize = 32
)

// Client wraps one accepted agent connection: a read pump parsing inbound
// frames, a write pump serializing outbound sends, and the registry.Handle
// surface the Agent Registry uses to dispatch to it.
type Client struct {
	conn     *websocket.Conn
	gw       *Gateway
	send     chan []byte
	closeCh  chan wire.CloseCode
	agentID  string // set after successful handshake
	peerIP   string
	logger   *zap.Logger
}

func newClient(gw *Gateway, conn *websocket.Conn, peerIP string) *Client {
	return &Client{
		conn:    conn,
		gw:      gw,
		send:    make(chan []byte, sendBufferSize),
		closeCh: make(chan wire.CloseCode, 1),
		peerIP:  peerIP,
		logger:  gw.logger,
	}
}

// Send implements registry.Handle.
func (c *Client) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.New("gateway: send buffer full")
	}
}

// Close implements registry.Handle.
func (c *Client) Close(code wire.CloseCode) error {
	select {
	case c.closeCh <- code:
	default:
	}
	return nil
}

// serve runs the handshake followed by the read/write pumps. It blocks
// until the connection closes for any reason.
func (c *Client) serve() {
	defer c.conn.Close()

	agentID, ok := c.handshake()
	if !ok {
		return
	}
	c.agentID = agentID

	doneWriting := make(chan struct{})
	go func() {
		c.writePump()
		close(doneWriting)
	}()

	c.readPump()

	// readPump returned because the connection died or Close() fired;
	// make sure writePump also unwinds.
	select {
	case c.send <- nil: // wake writePump if it's blocked waiting
	default:
	}
	<-doneWriting

	c.gw.handleDisconnect(c.agentID)
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(wire.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gw.registry.Touch(c.agentID)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("invalid frame", zap.String("agent_id", c.agentID), zap.Error(err))
			c.sendClose(wire.CloseInvalidFrame)
			return
		}

		if !c.gw.messageLimiter.Allow(c.agentID) {
			c.logger.Warn("inbound message rate limit exceeded", zap.String("agent_id", c.agentID))
			continue
		}

		c.gw.registry.Touch(c.agentID)
		c.gw.handleFrame(c.agentID, env)

		select {
		case code := <-c.closeCh:
			c.sendClose(code)
			return
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if frame == nil {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case code := <-c.closeCh:
			c.sendClose(code)
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendClose(code wire.CloseCode) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(int(code), code.Reason())
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// handshake reads the first frame within handshakeTimeout and validates it
// per §4.B step 2. Returns the authenticated agent id and true on success.
func (c *Client) handshake() (string, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return "", false
	}

	var env struct {
		Type      wire.FrameType `json:"type"`
		AgentID   string         `json:"agentId"`
		AuthToken string         `json:"authToken"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != wire.FrameInit {
		c.sendClose(wire.CloseBadHandshake)
		return "", false
	}

	code, ok := c.gw.authenticate(env.AgentID, env.AuthToken, c.peerIP)
	if !ok {
		c.sendClose(code)
		return "", false
	}

	c.gw.registry.Register(env.AgentID, c)
	c.gw.handleConnect(env.AgentID)
	return env.AgentID, true
}
