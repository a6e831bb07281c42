// Package agentconn implements the agent-side reconnecting WebSocket client
// (SPEC_FULL.md §4.E): dials the controller's Connection Gateway, performs
// the init handshake, and pumps EXECUTE_TASK/CANCEL_TASK frames to a
// Dispatcher while forwarding result/agent_error frames back out.
package agentconn

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/wire"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 1.0 // base multiplier per failure, per §4.E

	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
	pongWait         = pingPeriod + 10*time.Second
	handshakeTimeout = 5 * time.Second
	sendBufferSize   = 32
)

// Dispatcher handles inbound controller -> agent frames. Implemented by the
// Agent Executor.
type Dispatcher interface {
	HandleExecuteTask(p wire.ExecuteTaskPayload)
	HandleCancelTask(p wire.CancelTaskPayload)
}

// Config holds everything needed to dial and authenticate with the
// controller.
type Config struct {
	ServerURL string // e.g. "ws://controller:8080/agent"
	AgentID   string
	AuthToken string
}

// Conn manages one reconnecting session to the controller. The zero value
// is not usable; build with New.
type Conn struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *zap.Logger

	send chan []byte
}

// New builds a Conn. Call Run to start the reconnect loop; it blocks until
// ctx is cancelled.
func New(cfg Config, dispatcher Dispatcher, logger *zap.Logger) *Conn {
	return &Conn{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.Named("agentconn"),
		send:       make(chan []byte, sendBufferSize),
	}
}

// SetDispatcher assigns the Dispatcher after construction, for the common
// wiring case where the Executor needs a Sender (this Conn) before it can
// itself be built. Call before Run.
func (c *Conn) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Send queues a frame (result or agent_error) for delivery on the current
// session. Non-blocking: if the buffer is full the frame is dropped and an
// error returned, mirroring the gateway's outbound buffering policy.
func (c *Conn) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.New("agentconn: send buffer full")
	}
}

// Run dials, authenticates, and pumps frames until ctx is cancelled,
// reconnecting with exponential backoff (capped at 30s, base multiplier
// 1.0x per failure) whenever a session ends.
func (c *Conn) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("agent connection stopped")
			return
		}

		c.logger.Info("connecting to controller", zap.String("url", c.cfg.ServerURL))
		if err := c.session(ctx); err != nil {
			c.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * (1 + backoffFactor))
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// session dials one connection, performs the handshake, and pumps frames
// until the connection drops or ctx is cancelled.
func (c *Conn) session(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	initFrame, err := wire.EncodeInit(c.cfg.AgentID, c.cfg.AuthToken)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, initFrame); err != nil {
		return err
	}

	c.logger.Info("handshake sent", zap.String("agent_id", c.cfg.AgentID))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.readPump(conn) }()
	go func() { errCh <- c.writePump(sessionCtx, conn) }()

	err = <-errCh
	cancel()
	<-errCh
	return err
}

func (c *Conn) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(wire.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("invalid frame from controller", zap.Error(err))
			continue
		}

		switch env.Type {
		case wire.FrameExecuteTask:
			p, err := wire.DecodeExecuteTask(env)
			if err != nil {
				c.logger.Warn("malformed EXECUTE_TASK frame", zap.Error(err))
				continue
			}
			c.dispatcher.HandleExecuteTask(p)

		case wire.FrameCancelTask:
			p, err := wire.DecodeCancelTask(env)
			if err != nil {
				c.logger.Warn("malformed CANCEL_TASK frame", zap.Error(err))
				continue
			}
			c.dispatcher.HandleCancelTask(p)

		default:
			// unknown types are ignored, per §6.
		}
	}
}

func (c *Conn) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
