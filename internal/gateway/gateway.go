// Package gateway implements the Connection Gateway (SPEC_FULL.md §4.B):
// accepts inbound agent WebSocket connections, performs the handshake,
// enforces IP allow-listing and rate limits, and routes inbound frames to
// the Task Manager.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/registry"
	"github.com/arkeep-io/taskctl/internal/repository"
	"github.com/arkeep-io/taskctl/internal/wire"
)

// Orchestrator is the subset of the Task Manager the gateway drives.
// Kept as an interface so gateway has no compile-time dependency on
// taskmanager, matching the data-flow direction in SPEC_FULL.md §2.
type Orchestrator interface {
	OnResult(agentID string, payload wire.ResultPayload)
	OnAgentConnect(agentID string)
	OnAgentDisconnect(agentID string)
}

// ErrorSink receives agent_error frames (§4.B step 4) for logging and
// notification fan-out.
type ErrorSink interface {
	NotifyErrorReport(agentID string, payload wire.AgentErrorPayload)
}

// Config controls the gateway's pre-accept validation and rate limits.
type Config struct {
	// Denylist is a set of peer IPs always rejected before upgrade.
	Denylist []string
	// RequireHeader, if non-empty, must be present (any value) on the
	// upgrade request.
	RequireHeader string
	// OriginAllowlist, if non-empty, restricts the Origin header. An empty
	// list disables Origin checking (it is optional per §4.B step 1).
	OriginAllowlist []string
	// ConnAttemptsPerWindow and ConnWindow bound connection attempts per IP.
	ConnAttemptsPerWindow int
	ConnWindow            time.Duration
	// MessagesPerWindow and MessageWindow bound inbound messages per agent.
	MessagesPerWindow int
	MessageWindow     time.Duration
}

// DefaultConfig matches the numbers named throughout §4.B/§5.
func DefaultConfig() Config {
	return Config{
		ConnAttemptsPerWindow: 10,
		ConnWindow:            60 * time.Second,
		MessagesPerWindow:     100,
		MessageWindow:         60 * time.Second,
	}
}

// Gateway is the HTTP handler accepting agent WebSocket connections.
type Gateway struct {
	cfg    Config
	agents repository.AgentRepository

	registry *registry.Registry
	orch     Orchestrator
	errSink  ErrorSink
	logger   *zap.Logger

	upgrader websocket.Upgrader

	connLimiter    *windowCounter
	messageLimiter *windowCounter

	wg           sync.WaitGroup
	shuttingDown bool
	stopSweep    chan struct{}
}

// sweepInterval is how often the gateway's rate limiters drop expired
// per-key window entries, bounding memory use across long-lived processes
// seeing many distinct IPs/agents over time.
const sweepInterval = 5 * time.Minute

// New constructs a Gateway.
func New(cfg Config, reg *registry.Registry, agents repository.AgentRepository, orch Orchestrator, errSink ErrorSink, logger *zap.Logger) *Gateway {
	gw := &Gateway{
		cfg:      cfg,
		agents:   agents,
		registry: reg,
		orch:     orch,
		errSink:  errSink,
		logger:   logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		connLimiter:    newWindowCounter(cfg.ConnAttemptsPerWindow, cfg.ConnWindow),
		messageLimiter: newWindowCounter(cfg.MessagesPerWindow, cfg.MessageWindow),
		stopSweep:      make(chan struct{}),
	}
	gw.upgrader.CheckOrigin = gw.checkOrigin
	go gw.sweepLoop()
	return gw
}

// sweepLoop periodically drops expired rate-limiter window entries until
// Shutdown closes stopSweep.
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.connLimiter.sweep()
			g.messageLimiter.sweep()
		case <-g.stopSweep:
			return
		}
	}
}

// ServeHTTP performs §4.B step 1 pre-accept validation, then upgrades the
// connection and hands it to a new Client.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerIP := peerIPOf(r)

	if g.isDenied(peerIP) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if g.cfg.RequireHeader != "" && r.Header.Get(g.cfg.RequireHeader) == "" {
		http.Error(w, "missing required header", http.StatusBadRequest)
		return
	}
	if !g.connLimiter.Allow(peerIP) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.String("peer_ip", peerIP), zap.Error(err))
		return
	}

	client := newClient(g, conn, peerIP)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		client.serve()
	}()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.OriginAllowlist) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.OriginAllowlist {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (g *Gateway) isDenied(ip string) bool {
	for _, d := range g.cfg.Denylist {
		if d == ip {
			return true
		}
	}
	return false
}

// authenticate implements §4.B step 2: look up the agent, constant-time
// compare the token, and check the IP allow-list. Returns the close code to
// use on failure.
func (g *Gateway) authenticate(agentID, authToken, peerIP string) (wire.CloseCode, bool) {
	agent, err := g.agents.GetByKey(context.Background(), agentID)
	if err != nil {
		return wire.CloseUnknownAgent, false
	}

	if subtle.ConstantTimeCompare([]byte(authToken), []byte(agent.AuthToken)) != 1 {
		return wire.CloseBadToken, false
	}

	if !allowListPermits(agent.AllowList, peerIP) {
		return wire.CloseIPRejected, false
	}

	now := time.Now().UTC()
	_ = g.agents.UpdateStatus(context.Background(), agentID, "online", now)
	return 0, true
}

func (g *Gateway) handleConnect(agentID string) {
	g.orch.OnAgentConnect(agentID)
}

func (g *Gateway) handleDisconnect(agentID string) {
	if agentID == "" {
		return
	}
	g.registry.Remove(agentID)
	if !g.shuttingDown {
		_ = g.agents.UpdateStatus(context.Background(), agentID, "offline", time.Now().UTC())
	}
	g.orch.OnAgentDisconnect(agentID)
}

// handleFrame dispatches an authenticated inbound frame per §4.B step 4.
func (g *Gateway) handleFrame(agentID string, env wire.Envelope) {
	switch env.Type {
	case wire.FrameResult:
		payload, err := wire.DecodeResult(env)
		if err != nil {
			g.logger.Warn("malformed result frame", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		g.orch.OnResult(agentID, payload)

	case wire.FrameAgentError:
		payload, err := wire.DecodeAgentError(env)
		if err != nil {
			g.logger.Warn("malformed agent_error frame", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		g.logger.Warn("agent reported error",
			zap.String("agent_id", agentID),
			zap.String("level", payload.Level),
			zap.String("error", payload.Error),
		)
		if g.errSink != nil {
			g.errSink.NotifyErrorReport(agentID, payload)
		}

	default:
		// unknown types are ignored, per §6.
	}
}

// Shutdown implements the Connection Gateway's half of §5 "Graceful
// shutdown": mark every online agent offline in a single batch update,
// close every live connection with code 1000, then wait (bounded by ctx)
// for every client goroutine to finish unwinding. handleDisconnect is
// suppressed from flipping agent status individually once shuttingDown is
// set, since the batch update already covers it.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shuttingDown = true
	close(g.stopSweep)

	if n, err := g.agents.UpdateAllStatus(ctx, "online", "offline", time.Now().UTC()); err != nil {
		g.logger.Warn("failed to batch-mark agents offline", zap.Error(err))
	} else {
		g.logger.Info("marked agents offline for shutdown", zap.Int64("count", n))
	}

	g.registry.CloseAll(wire.CloseNormal)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.logger.Warn("gateway shutdown timed out waiting for connections to close")
		return ctx.Err()
	}
}

func peerIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allowListPermits evaluates a JSON-array allow-list (literal IPs, CIDRs, or
// "*") against peerIP. An empty list rejects all, per §3/§9 (the resolved
// open question).
func allowListPermits(allowListJSON string, peerIP string) bool {
	entries := decodeAllowList(allowListJSON)
	if len(entries) == 0 {
		return false
	}

	ip := net.ParseIP(peerIP)
	for _, entry := range entries {
		if entry == "*" {
			return true
		}
		if entry == peerIP {
			return true
		}
		if ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// decodeAllowList parses the JSON array stored in the agent's AllowList
// column. A malformed value is treated as an empty list.
func decodeAllowList(raw string) []string {
	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}
